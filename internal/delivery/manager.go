// Package delivery fans a text out to a set of recipient contacts.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"sentinel/internal/conversation"
)

// ErrNoRecipients is returned when there is nobody to deliver to.
var ErrNoRecipients = errors.New("no recipients configured")

// Result is the outcome of delivering to one recipient.
type Result struct {
	Recipient string    `json:"recipient"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome aggregates one fan-out.
type Outcome struct {
	Results   []Result `json:"results"`
	Delivered int      `json:"delivered"`
	Failed    int      `json:"failed"`
}

// Any reports whether at least one recipient confirmed delivery.
func (o Outcome) Any() bool {
	return o.Delivered > 0
}

// Metrics are cumulative delivery counters since start.
type Metrics struct {
	Fanouts   int64     `json:"fanouts"`
	Delivered int64     `json:"delivered"`
	Failed    int64     `json:"failed"`
	LastError string    `json:"last_error,omitempty"`
	LastAt    time.Time `json:"last_at,omitempty"`
}

// Manager sends messages to recipients in parallel, each bounded by a timeout.
type Manager struct {
	messenger     conversation.Messenger
	directory     conversation.Directory
	timeout       time.Duration
	conversations *cache.Cache // recipient contact id -> conversation id

	mu      sync.RWMutex
	metrics Metrics
}

// NewManager creates a Manager. directory may be nil, in which case the messenger resolves conversations itself.
func NewManager(messenger conversation.Messenger, directory conversation.Directory, timeout time.Duration) (*Manager, error) {
	if messenger == nil {
		return nil, errors.New("messenger cannot be nil")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log.Info().Dur("timeout", timeout).Msg("Delivery manager initialized")
	return &Manager{
		messenger:     messenger,
		directory:     directory,
		timeout:       timeout,
		conversations: cache.New(6*time.Hour, 30*time.Minute),
	}, nil
}

// Deliver sends body to every recipient and waits for all attempts to finish.
func (m *Manager) Deliver(ctx context.Context, recipients []string, body string) (Outcome, error) {
	if len(recipients) == 0 {
		return Outcome{}, ErrNoRecipients
	}

	var wg sync.WaitGroup
	results := make(chan Result, len(recipients))
	for _, recipient := range recipients {
		wg.Add(1)
		go func(recipient string) {
			defer wg.Done()
			results <- m.deliverOne(ctx, recipient, body)
		}(recipient)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var out Outcome
	for result := range results {
		out.Results = append(out.Results, result)
		if result.Success {
			out.Delivered++
		} else {
			out.Failed++
		}
		log.Debug().
			Str("recipient", result.Recipient).
			Bool("success", result.Success).
			Int64("durationMs", result.Duration).
			Str("error", result.Error).
			Msg("Recipient delivery result")
	}

	m.record(out)
	return out, nil
}

func (m *Manager) deliverOne(ctx context.Context, recipient, body string) Result {
	start := time.Now()
	result := Result{Recipient: recipient, Timestamp: start}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	msg := conversation.OutboundMessage{
		ContactID:      recipient,
		ConversationID: m.conversationFor(ctx, recipient),
		Body:           body,
		Kind:           "text",
	}
	err := m.messenger.SendMessage(ctx, msg)
	result.Duration = time.Since(start).Milliseconds()
	if err != nil {
		// The cached conversation may be stale.
		m.conversations.Delete(recipient)
		result.Error = err.Error()
		log.Error().Err(err).Str("recipient", recipient).Msg("Delivery to recipient failed")
		return result
	}
	result.Success = true
	return result
}

func (m *Manager) conversationFor(ctx context.Context, recipient string) string {
	if id, ok := m.conversations.Get(recipient); ok {
		return id.(string)
	}
	if m.directory == nil {
		return ""
	}
	id, err := m.directory.FindConversationID(ctx, recipient, "")
	if err != nil {
		log.Debug().Err(err).Str("recipient", recipient).Msg("No cached conversation for recipient")
		return ""
	}
	m.conversations.SetDefault(recipient, id)
	return id
}

func (m *Manager) record(out Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.Fanouts++
	m.metrics.Delivered += int64(out.Delivered)
	m.metrics.Failed += int64(out.Failed)
	m.metrics.LastAt = time.Now().UTC()
	for _, r := range out.Results {
		if !r.Success {
			m.metrics.LastError = r.Error
		}
	}
}

// Metrics returns a snapshot of the delivery counters.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}
