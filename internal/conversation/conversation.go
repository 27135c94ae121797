// Package conversation defines the boundary to the external conversation and messaging service.
package conversation

import (
	"context"
	"errors"
	"time"
)

// ErrNoConversation is returned when no conversation can be found for a contact.
var ErrNoConversation = errors.New("no conversation found")

// Direction of a message relative to the business.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Message is one entry of a conversation history.
type Message struct {
	ID             string
	Direction      Direction
	SenderIdentity string // staff user id for human outbound; empty for automation
	Timestamp      time.Time
	Body           string
}

// OutboundMessage is a text sent on behalf of the business.
type OutboundMessage struct {
	ContactID      string
	ConversationID string
	Body           string
	Kind           string // "text" (SMS) unless set otherwise
}

// History reads conversation messages.
type History interface {
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// Directory resolves conversations and contact display names.
type Directory interface {
	FindConversationID(ctx context.Context, contactID, phone string) (string, error)
	ContactName(ctx context.Context, contactID string) (string, error)
}

// Messenger sends outbound messages. Any error means the message was not confirmed as sent.
type Messenger interface {
	SendMessage(ctx context.Context, msg OutboundMessage) error
}

// Service is everything the engine needs from the conversation platform.
type Service interface {
	History
	Directory
	Messenger
}
