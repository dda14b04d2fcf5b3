// Package events implements the board's event outbox. Every mutation
// appends one row inside the mutating transaction; independent readers
// (the push transport, the dispatch loop) each track their own
// consumption flag over the same append-only log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskrelay/internal/domain"
)

// Consumer identifies an independent consumer class of the outbox.
type Consumer string

const (
	ConsumerBroadcast Consumer = "broadcast"
	ConsumerDispatch  Consumer = "dispatch"
)

func (c Consumer) column() (string, error) {
	switch c {
	case ConsumerBroadcast:
		return "broadcast_consumed", nil
	case ConsumerDispatch:
		return "dispatch_consumed", nil
	}
	return "", fmt.Errorf("unknown consumer class %q", string(c))
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts an event row inside the caller's transaction. The
// caller commits, so the data write and the event land atomically.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(type,payload_json,created_at) VALUES (?,?,?)`,
		evtType, string(data), ts)
	return err
}

// PollUnconsumed returns events the given consumer has not yet seen,
// oldest first.
func (w Writer) PollUnconsumed(ctx context.Context, consumer Consumer) ([]domain.Event, error) {
	col, err := consumer.column()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id,type,payload_json,created_at,broadcast_consumed,dispatch_consumed
FROM events WHERE %s=0 ORDER BY created_at, id`, col)
	rows, err := w.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &e.CreatedAt, &e.BroadcastConsumed, &e.DispatchConsumed); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Latest returns the newest events, optionally filtered by type.
func (w Writer) Latest(ctx context.Context, limit int, evtType string) ([]domain.Event, error) {
	query := `SELECT id,type,payload_json,created_at,broadcast_consumed,dispatch_consumed FROM events`
	var args []any
	if evtType != "" {
		query += ` WHERE type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &e.CreatedAt, &e.BroadcastConsumed, &e.DispatchConsumed); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MarkConsumed sets the given consumer's flag on one event. Idempotent;
// it never touches the other consumer's flag.
func (w Writer) MarkConsumed(ctx context.Context, eventID int64, consumer Consumer) error {
	col, err := consumer.column()
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE events SET %s=1 WHERE id=?`, col), eventID)
	return err
}

// DecodePayload unmarshals an event's JSON payload.
func DecodePayload(e domain.Event) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
	}
	return payload, nil
}
