package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Write(ctx context.Context, event Event) error {
	ev := s.logger.Info()
	if event.Status == StatusFailure {
		ev = s.logger.Warn()
	}
	ev = ev.Str("event_id", event.ID).
		Str("type", event.Type).
		Str("actor", event.Actor.Display).
		Str("resource_type", event.ResourceType).
		Str("resource_id", event.ResourceID).
		Str("status", event.Status).
		Time("occurred_at", event.OccurredAt)
	if event.RequestID != "" {
		ev = ev.Str("request_id", event.RequestID)
	}
	if event.Changes != nil {
		ev = ev.Interface("changes", event.Changes)
	}
	ev.Msg("audit event")
	return nil
}

// MemorySink keeps events in memory. Used by tests and the dev server.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Write(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

const insertEventSQL = `
INSERT INTO audit_events (id, occurred_at, request_id, type, actor, source, resource_type, resource_id, changes, status, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// PostgresSink stores events in the audit_events table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (s *PostgresSink) Write(ctx context.Context, event Event) error {
	actor, err := json.Marshal(event.Actor)
	if err != nil {
		return err
	}
	source, err := json.Marshal(event.Source)
	if err != nil {
		return err
	}
	changes := []byte("{}")
	if event.Changes != nil {
		if changes, err = json.Marshal(event.Changes); err != nil {
			return err
		}
	}

	_, err = s.pool.Exec(ctx, insertEventSQL,
		event.ID, event.OccurredAt, event.RequestID, event.Type, actor, source,
		event.ResourceType, event.ResourceID, changes, event.Status, event.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
