// Package advisory asks an optional classifier whether an unanswered conversation still needs a human reply.
// Every failure path falls back to "follow-up needed".
package advisory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"sentinel/internal/conversation"
)

// ErrBudgetExhausted ends a pass: the run has used its call or time budget.
var ErrBudgetExhausted = errors.New("advisory budget exhausted")

// OutcomeKind tags an Outcome.
type OutcomeKind string

const (
	// Decision is a usable classifier answer.
	Decision OutcomeKind = "decision"
	// DegradedFallback means no usable answer was obtained; treat as follow-up needed.
	DegradedFallback OutcomeKind = "degraded_fallback"
)

// Verdict is a classifier answer.
type Verdict struct {
	NeedsFollowup bool    `json:"needs_followup"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason,omitempty"`
}

// Outcome is the gate's result for one conversation.
type Outcome struct {
	Kind    OutcomeKind
	Verdict Verdict
	Reason  string
	Cached  bool
}

// SuppressesEscalation reports whether the outcome is a confident "no follow-up needed".
func (o Outcome) SuppressesEscalation(threshold float64) bool {
	return o.Kind == Decision && !o.Verdict.NeedsFollowup && o.Verdict.Confidence >= threshold
}

// Classifier judges a redacted transcript.
type Classifier interface {
	Classify(ctx context.Context, transcript string, threshold float64) (Verdict, error)
}

// Config bounds the gate.
type Config struct {
	Threshold   float64
	MaxCalls    int           // classifier calls per run
	RunBudget   time.Duration // wall clock per run
	CallTimeout time.Duration
	CacheTTL    time.Duration
}

// Gate evaluates conversations with caching. Use StartRun for each pass.
type Gate struct {
	classifier Classifier
	cfg        Config
	cache      *cache.Cache
	now        func() time.Time
}

// NewGate creates a Gate around a classifier.
func NewGate(classifier Classifier, cfg Config) (*Gate, error) {
	if classifier == nil {
		return nil, errors.New("classifier cannot be nil")
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be in (0,1], got %v", cfg.Threshold)
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = 20
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 6 * time.Hour
	}
	return &Gate{
		classifier: classifier,
		cfg:        cfg,
		cache:      cache.New(cfg.CacheTTL, cfg.CacheTTL/2),
		now:        time.Now,
	}, nil
}

// Threshold is the confidence required to suppress escalation.
func (g *Gate) Threshold() float64 {
	return g.cfg.Threshold
}

// Run tracks the budget of one pass. It is not safe for concurrent use.
type Run struct {
	gate     *Gate
	calls    int
	deadline time.Time
}

// StartRun opens a new budget window.
func (g *Gate) StartRun() *Run {
	return &Run{gate: g, deadline: g.now().Add(g.cfg.RunBudget)}
}

// Calls is the number of classifier calls made so far.
func (r *Run) Calls() int {
	return r.calls
}

func cacheKey(conversationID string, messageCount int) string {
	return fmt.Sprintf("%s:%d", conversationID, messageCount)
}

// Evaluate classifies a conversation. The only error is ErrBudgetExhausted.
func (r *Run) Evaluate(ctx context.Context, conversationID string, msgs []conversation.Message) (Outcome, error) {
	g := r.gate
	key := cacheKey(conversationID, len(msgs))
	if cached, ok := g.cache.Get(key); ok {
		out := cached.(Outcome)
		out.Cached = true
		return out, nil
	}

	remaining := r.deadline.Sub(g.now())
	if r.calls >= g.cfg.MaxCalls || remaining <= 0 {
		return Outcome{}, ErrBudgetExhausted
	}
	r.calls++

	timeout := g.cfg.CallTimeout
	if remaining < timeout {
		timeout = remaining
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	verdict, err := g.classifier.Classify(callCtx, Transcript(msgs), g.cfg.Threshold)
	if err != nil {
		log.Warn().Err(err).Str("conversationID", conversationID).Msg("Advisory classifier failed, falling back to follow-up needed")
		return degraded("classifier error: " + err.Error()), nil
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return degraded(fmt.Sprintf("confidence %v out of range", verdict.Confidence)), nil
	}

	out := Outcome{Kind: Decision, Verdict: verdict, Reason: verdict.Reason}
	g.cache.SetDefault(key, out)
	return out, nil
}

func degraded(reason string) Outcome {
	return Outcome{Kind: DegradedFallback, Verdict: Verdict{NeedsFollowup: true}, Reason: reason}
}

const transcriptMessages = 20

var (
	phonePattern = regexp.MustCompile(`\+?\d[\d\-\s().]{7,}\d`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// Redact masks phone numbers and email addresses.
func Redact(s string) string {
	s = emailPattern.ReplaceAllString(s, "[email]")
	return phonePattern.ReplaceAllString(s, "[phone]")
}

// Transcript renders the latest messages oldest first, redacted, one per line.
func Transcript(msgs []conversation.Message) string {
	if len(msgs) > transcriptMessages {
		msgs = msgs[len(msgs)-transcriptMessages:]
	}
	var b strings.Builder
	for _, m := range msgs {
		who := "Customer"
		if m.Direction == conversation.Outbound {
			who = "Business"
			if m.SenderIdentity == "" {
				who = "Business (automated)"
			}
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.UTC().Format(time.RFC3339), who, Redact(strings.TrimSpace(m.Body)))
	}
	return b.String()
}
