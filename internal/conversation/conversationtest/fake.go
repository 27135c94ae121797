// Package conversationtest provides an in-memory conversation service for tests.
package conversationtest

import (
	"context"
	"sync"

	"sentinel/internal/conversation"
)

// Fake is a programmable conversation.Service.
type Fake struct {
	mu            sync.Mutex
	Messages      map[string][]conversation.Message // by conversation id
	Conversations map[string]string                 // contact id or phone -> conversation id
	Names         map[string]string                 // contact id -> name
	Sent          []conversation.OutboundMessage
	HistoryErr    error
	SendErr       error
	// FailSendTo makes sends to these contact ids fail with SendErr.
	FailSendTo   map[string]bool
	HistoryCalls int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Messages:      make(map[string][]conversation.Message),
		Conversations: make(map[string]string),
		Names:         make(map[string]string),
		FailSendTo:    make(map[string]bool),
	}
}

func (f *Fake) ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HistoryCalls++
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	return append([]conversation.Message(nil), f.Messages[conversationID]...), nil
}

func (f *Fake) FindConversationID(ctx context.Context, contactID, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.Conversations[contactID]; ok && contactID != "" {
		return id, nil
	}
	if id, ok := f.Conversations[phone]; ok && phone != "" {
		return id, nil
	}
	return "", conversation.ErrNoConversation
}

func (f *Fake) ContactName(ctx context.Context, contactID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Names[contactID], nil
}

func (f *Fake) SendMessage(ctx context.Context, msg conversation.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil && (len(f.FailSendTo) == 0 || f.FailSendTo[msg.ContactID]) {
		return f.SendErr
	}
	f.Sent = append(f.Sent, msg)
	return nil
}

// SentCount returns the number of confirmed sends.
func (f *Fake) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}
