// Package suppression decides whether an inbound text should be ignored instead of opening work.
package suppression

import (
	"strings"
	"time"
	"unicode/utf8"

	"sentinel/internal/bizhours"
	"sentinel/internal/models"
)

// Rule names recorded in decisions.
const (
	RuleInternalThread = "internal_thread_grace"
	RuleAckCloseout    = "ack_closeout"
)

// CloseoutMode selects how long after a resolution a terse acknowledgement is still absorbed.
type CloseoutMode string

const (
	CloseoutEndOfDay CloseoutMode = "eod"
	CloseoutHours    CloseoutMode = "hours"
)

// AckRule matches a message that is only an acknowledgement.
// A rule matches when the trimmed text is at most MaxLength runes, or starts with one of Prefixes.
type AckRule struct {
	Name      string
	MaxLength int
	Prefixes  []string
}

// DefaultAckRules covers short replies and phone reaction messages.
var DefaultAckRules = []AckRule{
	{Name: "terse", MaxLength: 12},
	{Name: "reaction", Prefixes: []string{
		"liked ", "loved ", "laughed at ", "emphasized ", "questioned ", "disliked ", "reacted ",
		"👍", "❤️", "🙏",
	}},
}

// Rules builds the rule table from configured values, keeping the default reaction prefixes when none are given.
func Rules(maxLength int, prefixes []string) []AckRule {
	if len(prefixes) == 0 {
		prefixes = DefaultAckRules[1].Prefixes
	}
	return []AckRule{
		{Name: "terse", MaxLength: maxLength},
		{Name: "reaction", Prefixes: prefixes},
	}
}

// Config holds the evaluator settings.
type Config struct {
	InternalGrace time.Duration // zero disables the internal-thread rule
	AckRules      []AckRule
	CloseoutMode  CloseoutMode
	Closeout      time.Duration // used with CloseoutHours
}

// Input is what the evaluator needs about one inbound text.
type Input struct {
	Text       string
	OccurredAt time.Time
	// Marker is the conversation's last internally initiated outbound, if any.
	Marker *models.ConversationMarker
	// Latest is the most recent issue of any status on the conversation, if any.
	Latest *models.Issue
}

// Decision is the evaluator's verdict.
type Decision struct {
	Suppressed bool
	Rule       string
	Reason     string
}

// Evaluator applies the suppression rules.
type Evaluator struct {
	cfg    Config
	window bizhours.Window
}

// New creates an Evaluator. Rules default to DefaultAckRules.
func New(cfg Config, window bizhours.Window) *Evaluator {
	if cfg.AckRules == nil {
		cfg.AckRules = DefaultAckRules
	}
	if cfg.CloseoutMode == "" {
		cfg.CloseoutMode = CloseoutEndOfDay
	}
	return &Evaluator{cfg: cfg, window: window}
}

// Evaluate returns whether the inbound text should be suppressed and why.
func (e *Evaluator) Evaluate(in Input) Decision {
	if d := e.internalThread(in); d.Suppressed {
		return d
	}
	return e.ackCloseout(in)
}

func (e *Evaluator) internalThread(in Input) Decision {
	if e.cfg.InternalGrace <= 0 || in.Marker == nil || in.Marker.LastInternalOutbound.IsZero() {
		return Decision{}
	}
	since := in.OccurredAt.Sub(in.Marker.LastInternalOutbound)
	if since < 0 || since > e.cfg.InternalGrace {
		return Decision{}
	}
	return Decision{
		Suppressed: true,
		Rule:       RuleInternalThread,
		Reason:     "reply " + since.Round(time.Minute).String() + " after internally initiated outbound",
	}
}

func (e *Evaluator) ackCloseout(in Input) Decision {
	if in.Latest == nil || in.Latest.Status != models.StatusResolved || in.Latest.ResolvedTS == nil {
		return Decision{}
	}
	rule, ok := MatchAck(e.cfg.AckRules, in.Text)
	if !ok {
		return Decision{}
	}
	resolvedAt := *in.Latest.ResolvedTS
	if in.OccurredAt.Before(resolvedAt) || !in.OccurredAt.Before(e.closeoutEnd(resolvedAt)) {
		return Decision{}
	}
	return Decision{
		Suppressed: true,
		Rule:       RuleAckCloseout,
		Reason:     "acknowledgement (" + rule + ") after issue resolved",
	}
}

// closeoutEnd is the instant after which acknowledgements open new work again.
func (e *Evaluator) closeoutEnd(resolvedAt time.Time) time.Time {
	if e.cfg.CloseoutMode == CloseoutHours {
		return resolvedAt.Add(e.cfg.Closeout)
	}
	// End of the business day the issue was resolved on; after-hours resolutions run to the next close.
	return e.window.DayClose(resolvedAt)
}

// MatchAck reports the name of the first rule matching text.
func MatchAck(rules []AckRule, text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	for _, r := range rules {
		if r.MaxLength > 0 && utf8.RuneCountInString(trimmed) <= r.MaxLength {
			return r.Name, true
		}
		for _, p := range r.Prefixes {
			if strings.HasPrefix(lower, strings.ToLower(p)) {
				return r.Name, true
			}
		}
	}
	return "", false
}
