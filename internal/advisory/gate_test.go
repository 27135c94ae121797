package advisory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/conversation"
)

type stubClassifier struct {
	verdict Verdict
	err     error
	calls   int
	last    string
	delay   time.Duration
}

func (s *stubClassifier) Classify(ctx context.Context, transcript string, threshold float64) (Verdict, error) {
	s.calls++
	s.last = transcript
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		}
	}
	return s.verdict, s.err
}

var msgs = []conversation.Message{
	{Direction: conversation.Inbound, Body: "call me at 555-123-4567 or ana@example.com", Timestamp: time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)},
	{Direction: conversation.Outbound, Body: "Reminder: appointment tomorrow", Timestamp: time.Date(2024, 3, 4, 15, 5, 0, 0, time.UTC)},
}

func newGate(t *testing.T, c Classifier, cfg Config) *Gate {
	t.Helper()
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.8
	}
	g, err := NewGate(c, cfg)
	require.NoError(t, err)
	return g
}

func TestConfidentDecisionSuppresses(t *testing.T) {
	stub := &stubClassifier{verdict: Verdict{NeedsFollowup: false, Confidence: 0.95}}
	g := newGate(t, stub, Config{})

	out, err := g.StartRun().Evaluate(context.Background(), "conv-1", msgs)
	require.NoError(t, err)
	assert.Equal(t, Decision, out.Kind)
	assert.True(t, out.SuppressesEscalation(g.Threshold()))

	assert.NotContains(t, stub.last, "555-123-4567")
	assert.NotContains(t, stub.last, "ana@example.com")
	assert.Contains(t, stub.last, "Business (automated): Reminder")
}

func TestLowConfidenceDoesNotSuppress(t *testing.T) {
	g := newGate(t, &stubClassifier{verdict: Verdict{NeedsFollowup: false, Confidence: 0.5}}, Config{})
	out, err := g.StartRun().Evaluate(context.Background(), "conv-1", msgs)
	require.NoError(t, err)
	assert.Equal(t, Decision, out.Kind)
	assert.False(t, out.SuppressesEscalation(g.Threshold()))
}

func TestFailuresDegradeToFollowupNeeded(t *testing.T) {
	for name, stub := range map[string]*stubClassifier{
		"error":        {err: errors.New("503")},
		"out of range": {verdict: Verdict{Confidence: 1.7}},
		"timeout":      {verdict: Verdict{Confidence: 0.99}, delay: time.Second},
	} {
		t.Run(name, func(t *testing.T) {
			g := newGate(t, stub, Config{CallTimeout: 20 * time.Millisecond})
			out, err := g.StartRun().Evaluate(context.Background(), "conv-1", msgs)
			require.NoError(t, err)
			assert.Equal(t, DegradedFallback, out.Kind)
			assert.True(t, out.Verdict.NeedsFollowup)
			assert.False(t, out.SuppressesEscalation(g.Threshold()))
		})
	}
}

func TestCacheByConversationAndMessageCount(t *testing.T) {
	stub := &stubClassifier{verdict: Verdict{NeedsFollowup: true, Confidence: 0.9}}
	g := newGate(t, stub, Config{})
	run := g.StartRun()

	_, err := run.Evaluate(context.Background(), "conv-1", msgs)
	require.NoError(t, err)
	out, err := run.Evaluate(context.Background(), "conv-1", msgs)
	require.NoError(t, err)
	assert.True(t, out.Cached)
	assert.Equal(t, 1, stub.calls)

	_, err = run.Evaluate(context.Background(), "conv-1", msgs[:1])
	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)
}

func TestBudgetExhaustion(t *testing.T) {
	stub := &stubClassifier{verdict: Verdict{NeedsFollowup: true, Confidence: 0.9}}
	g := newGate(t, stub, Config{MaxCalls: 1})
	run := g.StartRun()

	_, err := run.Evaluate(context.Background(), "conv-1", msgs)
	require.NoError(t, err)
	_, err = run.Evaluate(context.Background(), "conv-2", msgs)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 1, run.Calls())

	// Cached answers cost nothing.
	_, err = run.Evaluate(context.Background(), "conv-1", msgs)
	assert.NoError(t, err)

	// Wall-clock budget.
	g2 := newGate(t, stub, Config{RunBudget: time.Minute})
	clock := time.Now()
	g2.now = func() time.Time { return clock }
	run2 := g2.StartRun()
	clock = clock.Add(2 * time.Minute)
	_, err = run2.Evaluate(context.Background(), "conv-3", msgs)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestNewGateValidation(t *testing.T) {
	_, err := NewGate(nil, Config{Threshold: 0.8})
	assert.Error(t, err)
	_, err = NewGate(&stubClassifier{}, Config{Threshold: 1.5})
	assert.Error(t, err)
}
