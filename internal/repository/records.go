package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sentinel/internal/models"
)

// AppendRawEvent archives an inbound payload and returns the stored record.
func (s *Store) AppendRawEvent(ctx context.Context, source string, payload []byte, receivedAt time.Time) (*models.RawEvent, error) {
	ev := &models.RawEvent{ReceivedTS: receivedAt.UTC(), Source: source, Payload: payload}
	query := s.db.Rebind(`INSERT INTO raw_events (received_ts, source, payload) VALUES (?, ?, ?) RETURNING id`)
	if err := s.db.QueryRowxContext(ctx, query, formatTS(receivedAt), source, string(payload)).Scan(&ev.ID); err != nil {
		return nil, fmt.Errorf("failed to archive raw event: %w", err)
	}
	return ev, nil
}

// CountRawEvents counts archived events for a source.
func (s *Store) CountRawEvents(ctx context.Context, source string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM raw_events WHERE source = ?`), source); err != nil {
		return 0, fmt.Errorf("failed to count raw events: %w", err)
	}
	return n, nil
}

// UpsertMarker records an internally initiated outbound message. The stored instant never moves backwards.
func (s *Store) UpsertMarker(ctx context.Context, conversationID string, at time.Time) error {
	if conversationID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO conversation_markers (conversation_id, last_internal_outbound_ts)
		VALUES (?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET last_internal_outbound_ts = excluded.last_internal_outbound_ts
		WHERE excluded.last_internal_outbound_ts > conversation_markers.last_internal_outbound_ts`),
		conversationID, formatTS(at))
	if err != nil {
		return fmt.Errorf("failed to upsert conversation marker: %w", err)
	}
	return nil
}

// GetMarker returns the marker for a conversation, or nil when none was recorded.
func (s *Store) GetMarker(ctx context.Context, conversationID string) (*models.ConversationMarker, error) {
	if conversationID == "" {
		return nil, nil
	}
	var ts string
	err := s.db.GetContext(ctx, &ts, s.db.Rebind(`SELECT last_internal_outbound_ts FROM conversation_markers WHERE conversation_id = ?`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation marker: %w", err)
	}
	return &models.ConversationMarker{ConversationID: conversationID, LastInternalOutbound: parseTS(ts)}, nil
}

// GetWatermark returns the named watermark and whether it has been set.
func (s *Store) GetWatermark(ctx context.Context, name string) (time.Time, bool, error) {
	var ts string
	err := s.db.GetContext(ctx, &ts, s.db.Rebind(`SELECT ts FROM watermarks WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load watermark %s: %w", name, err)
	}
	return parseTS(ts), true, nil
}

// SetWatermark stores the named watermark, last write wins.
func (s *Store) SetWatermark(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO watermarks (name, ts) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET ts = excluded.ts`), name, formatTS(at))
	if err != nil {
		return fmt.Errorf("failed to set watermark %s: %w", name, err)
	}
	return nil
}

// AddSpamPhone blocks further issues for a phone number.
func (s *Store) AddSpamPhone(ctx context.Context, phone string, at time.Time) error {
	if phone == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO spam_phones (phone, created_ts) VALUES (?, ?)
		ON CONFLICT (phone) DO NOTHING`), phone, formatTS(at))
	if err != nil {
		return fmt.Errorf("failed to add spam phone: %w", err)
	}
	return nil
}

// IsSpamPhone reports whether the phone was marked as spam.
func (s *Store) IsSpamPhone(ctx context.Context, phone string) (bool, error) {
	if phone == "" {
		return false, nil
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM spam_phones WHERE phone = ?`), phone); err != nil {
		return false, fmt.Errorf("failed to check spam phone: %w", err)
	}
	return n > 0, nil
}
