// Package commands interprets the short text commands managers send to Sentinel.
package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"sentinel/internal/events"
	"sentinel/internal/format"
	"sentinel/internal/models"
	"sentinel/internal/repository"
)

const (
	noteMaxChars  = 500
	snapshotLimit = 500
	helpText      = "Sentinel commands:\nList | More | Open 3 | Resolve 3 5 6 | Spam 7 | Note 3 <text>"
	failureText   = "Sentinel: something went wrong, please try again."
)

var prefixPattern = regexp.MustCompile(`(?i)^\s*sentinel\b[\s:,]*`)

// Sender identifies who sent a message.
type Sender struct {
	ContactID string
	Phone     string
	IsManager bool
}

// Reply is the interpreter's answer. Handled is false when the text was not meant for Sentinel.
type Reply struct {
	Command string `json:"command,omitempty"`
	Text    string `json:"text,omitempty"`
	Handled bool   `json:"handled"`
}

// Linker builds a deep link to a conversation.
type Linker interface {
	ConversationLink(conversationID string) string
}

// Store is the part of the issue repository commands act on.
type Store interface {
	GetIssue(ctx context.Context, id int64) (*models.Issue, error)
	GetIssues(ctx context.Context, ids []int64) ([]models.Issue, error)
	ListIssueIDs(ctx context.Context, f repository.IssueFilter) ([]int64, error)
	FindActiveByTarget(ctx context.Context, phone, contactID, name string) ([]models.Issue, error)
	ForceStatus(ctx context.Context, id int64, to models.Status, at time.Time) (bool, error)
	UpdateMeta(ctx context.Context, id int64, fn func(m *models.Meta)) error
	AddSpamPhone(ctx context.Context, phone string, at time.Time) error
}

// Config holds interpreter settings.
type Config struct {
	PageSize   int
	SessionTTL time.Duration
	Location   *time.Location
}

type session struct {
	IDs    []int64
	Offset int
}

// Interpreter executes manager commands against the issue store.
type Interpreter struct {
	store     Store
	linker    Linker
	publisher events.Publisher
	sessions  *cache.Cache // manager contact id -> *session
	cfg       Config
	now       func() time.Time
}

// NewInterpreter creates an Interpreter. linker and publisher may be nil.
func NewInterpreter(store Store, linker Linker, publisher events.Publisher, cfg Config) (*Interpreter, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Interpreter{
		store:     store,
		linker:    linker,
		publisher: publisher,
		sessions:  cache.New(cfg.SessionTTL, cfg.SessionTTL),
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source.
func (in *Interpreter) SetClock(now func() time.Time) {
	in.now = now
}

// Command is a parsed message.
type Command struct {
	Name      string
	Args      []string
	Rest      string // text after the command word, punctuation kept
	Addressed bool   // the message started with "sentinel"
}

// Parse splits a message into a command. It never fails; unknown text yields an unknown Name.
func Parse(text string) Command {
	raw := strings.TrimSpace(text)
	var c Command
	if loc := prefixPattern.FindStringIndex(raw); loc != nil {
		c.Addressed = true
		raw = raw[loc[1]:]
	}
	fields := strings.Fields(strings.ReplaceAll(raw, ",", " "))
	if len(fields) == 0 {
		return c
	}
	c.Name = strings.ToLower(fields[0])
	c.Args = fields[1:]
	_, c.Rest = splitWord(raw)
	return c
}

// splitWord cuts s at the first space or comma.
func splitWord(s string) (string, string) {
	s = strings.TrimLeftFunc(s, isSeparator)
	i := strings.IndexFunc(s, isSeparator)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeftFunc(s[i:], isSeparator)
}

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || r == ','
}

// ParseIDs extracts unique issue ids from tokens like "3", "#5". Non-numeric tokens are skipped.
func ParseIDs(tokens []string) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, t := range tokens {
		id, ok := parseID(t)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func parseID(token string) (int64, bool) {
	t := strings.TrimPrefix(strings.TrimSpace(token), "#")
	// Longer digit runs are phone numbers.
	if t == "" || len(t) > 9 {
		return 0, false
	}
	for _, r := range t {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(t, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Handle interprets one inbound message. Failures are turned into reply text.
func (in *Interpreter) Handle(ctx context.Context, from Sender, text string) Reply {
	if !from.IsManager {
		return Reply{}
	}
	cmd := Parse(text)
	logger := log.With().Str("contactID", from.ContactID).Str("command", cmd.Name).Logger()

	var (
		reply string
		err   error
	)
	switch cmd.Name {
	case "list":
		reply, err = in.list(ctx, from)
	case "more":
		reply, err = in.more(ctx, from)
	case "open":
		reply, err = in.open(ctx, cmd.Args)
	case "resolve":
		reply, err = in.closeIssues(ctx, from, cmd.Args, models.StatusResolved)
	case "spam":
		reply, err = in.closeIssues(ctx, from, cmd.Args, models.StatusSpam)
	case "note":
		reply, err = in.note(ctx, from, cmd)
	case "help", "?":
		reply = helpText
	default:
		if !cmd.Addressed {
			logger.Debug().Msg("Manager text is not a command, ignoring")
			return Reply{}
		}
		return Reply{Command: "HELP", Text: "Sentinel: could not understand that.\n" + helpText, Handled: true}
	}

	name := strings.ToUpper(cmd.Name)
	if err != nil {
		logger.Error().Err(err).Msg("Command failed")
		return Reply{Command: name, Text: failureText, Handled: true}
	}
	logger.Info().Msg("Command handled")
	return Reply{Command: name, Text: reply, Handled: true}
}

func (in *Interpreter) list(ctx context.Context, from Sender) (string, error) {
	ids, err := in.store.ListIssueIDs(ctx, repository.IssueFilter{
		Statuses: []models.Status{models.StatusOpen},
		Limit:    snapshotLimit,
	})
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		in.sessions.Delete(from.ContactID)
		return "No OPEN issues.", nil
	}
	s := &session{IDs: ids}
	in.sessions.SetDefault(from.ContactID, s)
	return in.page(ctx, s)
}

func (in *Interpreter) more(ctx context.Context, from Sender) (string, error) {
	cached, ok := in.sessions.Get(from.ContactID)
	if !ok {
		return in.list(ctx, from)
	}
	s := cached.(*session)
	next := s.Offset + in.cfg.PageSize
	if next >= len(s.IDs) {
		in.sessions.Delete(from.ContactID)
		return "No more OPEN issues. Reply: List", nil
	}
	s.Offset = next
	in.sessions.SetDefault(from.ContactID, s)
	return in.page(ctx, s)
}

func (in *Interpreter) page(ctx context.Context, s *session) (string, error) {
	end := s.Offset + in.cfg.PageSize
	if end > len(s.IDs) {
		end = len(s.IDs)
	}
	issues, err := in.store.GetIssues(ctx, s.IDs[s.Offset:end])
	if err != nil {
		return "", err
	}
	return format.Page(issues, len(s.IDs), s.Offset, in.cfg.Location), nil
}

func (in *Interpreter) open(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "Usage: Open <id>", nil
	}
	id, ok := parseID(args[0])
	if !ok {
		return "Invalid issue id", nil
	}
	issue, err := in.store.GetIssue(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Sprintf("Issue #%d not found.", id), nil
	}
	if err != nil {
		return "", err
	}
	name := format.DisplayName(issue)
	if issue.ConversationID != "" && in.linker != nil {
		if link := in.linker.ConversationLink(issue.ConversationID); link != "" {
			return fmt.Sprintf("#%d %s: %s", id, name, link), nil
		}
	}
	conv := issue.ConversationID
	if conv == "" {
		conv = "-"
	}
	return fmt.Sprintf("#%d %s: conversation_id=%s", id, name, conv), nil
}

func (in *Interpreter) closeIssues(ctx context.Context, from Sender, args []string, to models.Status) (string, error) {
	verb, usage := "Resolved", "Usage: Resolve <id...> OR Resolve <phone/contactId/name>"
	if to == models.StatusSpam {
		verb, usage = "Marked SPAM", "Usage: Spam <id...> OR Spam <phone>"
	}
	if len(args) == 0 {
		return usage, nil
	}

	ids := ParseIDs(args)
	if len(ids) == 0 {
		return in.closeTarget(ctx, from, strings.Join(args, " "), to, verb)
	}

	var changed, missing, closed, failed []string
	for _, id := range ids {
		ok, err := in.closeOne(ctx, from, id, to)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			missing = append(missing, strconv.FormatInt(id, 10))
		case err != nil:
			log.Error().Err(err).Int64("issueID", id).Str("to", string(to)).Msg("Manager override failed")
			failed = append(failed, strconv.FormatInt(id, 10))
		case ok:
			changed = append(changed, strconv.FormatInt(id, 10))
		default:
			closed = append(closed, strconv.FormatInt(id, 10))
		}
	}

	var parts []string
	if len(changed) > 0 {
		parts = append(parts, fmt.Sprintf("%s %s.", verb, strings.Join(changed, ", ")))
	}
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("Not found: %s.", strings.Join(missing, ", ")))
	}
	if len(closed) > 0 {
		parts = append(parts, fmt.Sprintf("Already closed: %s.", strings.Join(closed, ", ")))
	}
	if len(failed) > 0 {
		parts = append(parts, fmt.Sprintf("Failed: %s.", strings.Join(failed, ", ")))
	}
	return "Sentinel: " + strings.Join(parts, " "), nil
}

func (in *Interpreter) closeOne(ctx context.Context, from Sender, id int64, to models.Status) (bool, error) {
	issue, err := in.store.GetIssue(ctx, id)
	if err != nil {
		return false, err
	}
	if to == models.StatusSpam && issue.Phone != "" {
		if err := in.store.AddSpamPhone(ctx, issue.Phone, in.now().UTC()); err != nil {
			log.Warn().Err(err).Int64("issueID", id).Msg("Failed to add phone to spam list")
		}
	}
	return in.force(ctx, from, issue, to)
}

func (in *Interpreter) force(ctx context.Context, from Sender, issue *models.Issue, to models.Status) (bool, error) {
	at := in.now().UTC()
	ok, err := in.store.ForceStatus(ctx, issue.ID, to, at)
	if err != nil || !ok {
		return ok, err
	}
	if err := in.store.UpdateMeta(ctx, issue.ID, func(m *models.Meta) {
		m.ResolvedBy = "manager:" + from.ContactID
	}); err != nil {
		log.Warn().Err(err).Int64("issueID", issue.ID).Msg("Failed to record manager override")
	}

	eventType := events.IssueResolved
	if to == models.StatusSpam {
		eventType = events.IssueSpam
	}
	issue.Status = to
	ev := events.ForIssue(eventType, issue, at)
	ev.Detail = map[string]string{"by": "manager"}
	in.publisher.Publish(ctx, ev)
	return true, nil
}

// closeTarget handles "Resolve <phone|contactId|name>" and "Spam <phone>".
func (in *Interpreter) closeTarget(ctx context.Context, from Sender, target string, to models.Status, verb string) (string, error) {
	phone := format.NormalizePhone(target)
	if len(strings.TrimPrefix(phone, "+")) < 7 {
		phone = ""
	}

	if to == models.StatusSpam {
		if phone == "" {
			return "Sentinel: Invalid phone or IDs.", nil
		}
		if err := in.store.AddSpamPhone(ctx, phone, in.now().UTC()); err != nil {
			return "", err
		}
		target = ""
	}

	issues, err := in.store.FindActiveByTarget(ctx, phone, target, target)
	if err != nil {
		return "", err
	}
	n, failed := 0, 0
	for i := range issues {
		ok, err := in.force(ctx, from, &issues[i], to)
		if err != nil {
			log.Error().Err(err).Int64("issueID", issues[i].ID).Str("to", string(to)).Msg("Manager override failed")
			failed++
			continue
		}
		if ok {
			n++
		}
	}
	suffix := ""
	if failed > 0 {
		suffix = fmt.Sprintf(" Failed: %d.", failed)
	}
	if to == models.StatusSpam {
		return fmt.Sprintf("Sentinel: %s %s.%s", verb, phone, suffix), nil
	}
	return fmt.Sprintf("Sentinel: %s %d issue(s) for '%s'.%s", verb, n, target, suffix), nil
}

func (in *Interpreter) note(ctx context.Context, from Sender, cmd Command) (string, error) {
	if len(cmd.Args) < 2 {
		return "Usage: Note <id> <text>", nil
	}
	id, ok := parseID(cmd.Args[0])
	if !ok {
		return "Invalid issue id", nil
	}
	_, text := splitWord(cmd.Rest)
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > noteMaxChars {
		text = string(r[:noteMaxChars])
	}
	err := in.store.UpdateMeta(ctx, id, func(m *models.Meta) {
		m.Notes = append(m.Notes, models.Note{TS: in.now().UTC(), By: from.ContactID, Text: text})
	})
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Sprintf("Issue #%d not found.", id), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Noted #%d.", id), nil
}
