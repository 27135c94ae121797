// Package events publishes issue lifecycle events to a message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"sentinel/internal/models"
)

// Event types.
const (
	IssueCreated   = "issue.created"
	IssueUpdated   = "issue.inbound"
	IssueOpened    = "issue.opened"
	IssueResolved  = "issue.resolved"
	IssueSpam      = "issue.spam"
	IssueBreached  = "issue.breach_notified"
	InboundIgnored = "inbound.suppressed"
	SummarySent    = "summary.sent"
)

// Event is the JSON document published for a lifecycle change.
type Event struct {
	Type           string            `json:"type"`
	IssueID        int64             `json:"issue_id,omitempty"`
	Kind           models.Kind       `json:"kind,omitempty"`
	Status         models.Status     `json:"status,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	At             time.Time         `json:"at"`
	Detail         map[string]string `json:"detail,omitempty"`
}

// ForIssue builds an event describing an issue's current state.
func ForIssue(eventType string, issue *models.Issue, at time.Time) Event {
	return Event{
		Type:           eventType,
		IssueID:        issue.ID,
		Kind:           issue.Kind,
		Status:         issue.Status,
		ConversationID: issue.ConversationID,
		At:             at.UTC(),
	}
}

// Publisher emits events. Implementations never block the caller on broker trouble for long;
// publishing failures are logged and do not affect issue state.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// Nop discards events. It is used when no broker is configured.
type Nop struct{}

// Publish drops ev.
func (Nop) Publish(context.Context, Event) {}

// Close is a no-op.
func (Nop) Close() error { return nil }

// RabbitConfig configures the AMQP publisher.
type RabbitConfig struct {
	URL    string
	Queue  string
	Prefix string
	// SpecificEvents get their own queue named prefix_<event type>.
	SpecificEvents []string
	DialTimeout    time.Duration
}

// Rabbit publishes events to durable RabbitMQ queues.
type Rabbit struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	cfg      RabbitConfig
	specific map[string]bool
	declared map[string]bool
}

// NewRabbit connects to the broker, retrying with exponential backoff until DialTimeout elapses.
func NewRabbit(ctx context.Context, cfg RabbitConfig) (*Rabbit, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL cannot be empty")
	}
	if cfg.Queue == "" {
		cfg.Queue = "events"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sentinel"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	r := &Rabbit{cfg: cfg, specific: make(map[string]bool), declared: make(map[string]bool)}
	for _, ev := range cfg.SpecificEvents {
		r.specific[strings.TrimSpace(ev)] = true
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.DialTimeout
	err := backoff.RetryNotify(func() error {
		conn, err := amqp091.Dial(cfg.URL)
		if err != nil {
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return err
		}
		r.conn, r.channel = conn, ch
		return nil
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retryIn", wait).Msg("Could not connect to RabbitMQ, retrying")
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}

	log.Info().Str("queue", cfg.Queue).Str("prefix", cfg.Prefix).Msg("RabbitMQ connection established")
	return r, nil
}

// queueName returns the queue an event type is routed to.
func (r *Rabbit) queueName(eventType string) string {
	if r.specific[eventType] {
		return r.cfg.Prefix + "_" + strings.ReplaceAll(strings.ToLower(eventType), ".", "_")
	}
	return r.cfg.Prefix + "_" + r.cfg.Queue
}

// Publish sends the event as JSON. Errors are logged.
func (r *Rabbit) Publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("eventType", ev.Type).Msg("Failed to encode event")
		return
	}
	queue := r.queueName(ev.Type)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.declared[queue] {
		if _, err := r.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue")
			return
		}
		r.declared[queue] = true
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = r.channel.PublishWithContext(pubCtx, "", queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    ev.At,
		Type:         ev.Type,
		Body:         body,
	})
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Str("eventType", ev.Type).Int64("issueID", ev.IssueID).Msg("Could not publish to RabbitMQ")
		return
	}
	log.Debug().Str("queue", queue).Str("eventType", ev.Type).Int64("issueID", ev.IssueID).Msg("Published event to RabbitMQ")
}

// Close shuts the channel and connection.
func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends ev to the recorded events.
func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Close is a no-op; recorded events stay available.
func (r *Recorder) Close() error { return nil }

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
