// Package format renders issues as the short plain-text lines managers read on their phones.
package format

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"sentinel/internal/models"
)

// MaskPhone hides all but the last four digits.
func MaskPhone(phone string) string {
	p := strings.TrimSpace(phone)
	switch {
	case strings.HasPrefix(p, "+1") && len(p) >= 12:
		return "+1***" + p[len(p)-4:]
	case len(p) >= 4:
		return "***" + p[len(p)-4:]
	case p == "":
		return "Unknown"
	default:
		return p
	}
}

// NormalizePhone keeps digits and '+', turns a 00 prefix into '+' and assumes +1 for bare 10-digit numbers.
func NormalizePhone(raw string) string {
	var b strings.Builder
	digits := 0
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			digits++
			b.WriteRune(r)
		case r == '+':
			b.WriteRune(r)
		}
	}
	s := b.String()
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	if s != "" && s[0] != '+' && digits == 10 {
		s = "+1" + strings.ReplaceAll(s, "+", "")
	}
	return s
}

// DisplayName is the contact name when known, otherwise the masked phone.
func DisplayName(issue *models.Issue) string {
	if name := strings.TrimSpace(issue.Meta.ContactName); name != "" {
		return name
	}
	return MaskPhone(issue.Phone)
}

// Clock formats t as "3:04pm" in loc. A nil or zero time renders as "-".
func Clock(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return strings.ToLower(t.In(loc).Format("3:04PM"))
}

// IssueLine renders the one-line form shared by summaries, alerts and LIST.
func IssueLine(issue *models.Issue, loc *time.Location) string {
	last := issue.LastInboundTS
	if last == nil {
		last = &issue.CreatedTS
	}
	line := fmt.Sprintf("#%d %s — %s | due %s", issue.ID, DisplayName(issue), Clock(last, loc), Clock(&issue.DueTS, loc))
	if issue.Kind == models.KindSMS {
		line += fmt.Sprintf(" in=%d", issue.InboundCount)
	}
	return line
}

// Page renders one page of OPEN issues split into calls and texts.
// offset is the zero-based index of the first issue on the page within total.
func Page(issues []models.Issue, total, offset int, loc *time.Location) string {
	var calls, texts []string
	for i := range issues {
		line := IssueLine(&issues[i], loc)
		if issues[i].Kind == models.KindSMS {
			texts = append(texts, line)
		} else {
			calls = append(calls, line)
		}
	}

	start, end := 0, offset+len(issues)
	if total > 0 && len(issues) > 0 {
		start = offset + 1
	}
	if end > total {
		end = total
	}

	lines := []string{fmt.Sprintf("OPEN (%d) — showing %d-%d", total, start, end)}
	if len(calls) > 0 {
		lines = append(lines, fmt.Sprintf("Calls (%d):", len(calls)))
		lines = append(lines, calls...)
	}
	if len(texts) > 0 {
		lines = append(lines, fmt.Sprintf("Texts (%d):", len(texts)))
		lines = append(lines, texts...)
	}
	if end < total {
		lines = append(lines, "Reply: More")
	}
	return strings.Join(lines, "\n")
}

// Truncate caps body at max runes, marking the cut with an ellipsis line.
func Truncate(body string, max int) string {
	if max <= 0 || utf8.RuneCountInString(body) <= max {
		return body
	}
	runes := []rune(body)
	return string(runes[:max]) + "\n…"
}
