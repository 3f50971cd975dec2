// Package audit records administrative changes and test completions. Events
// are queued and written by a background worker so request handlers never
// wait on the sink.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/qualiopigate/internal/clock"
)

// Event types.
const (
	TypeMappingUpdated  = "mapping.updated"
	TypeMappingDeleted  = "mapping.deleted"
	TypeMappingImported = "mapping.imported"
	TypeFlagsUpdated    = "flags.updated"
	TypeTestCompleted   = "test.completed"
	TypeValidationReset = "validation.reset"
)

// ResourceType constants for audit logging
const (
	ResourceTypeMapping    = "mapping"
	ResourceTypeFlags      = "flags"
	ResourceTypeValidation = "validation"
)

// Status constants for audit logging
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ActorKind constants for audit logging
const (
	ActorKindAdmin    = "admin"
	ActorKindProvider = "provider"
	ActorKindBuyer    = "buyer"
	ActorKindSystem   = "system"
)

// IDGenerator interface for testable ID generation
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator implements IDGenerator using UUID v4
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string { return uuid.NewString() }

// Redactor interface for removing sensitive data
type Redactor interface {
	Redact(data map[string]any) map[string]any
}

// DefaultRedactor masks well-known secret keys, recursively.
type DefaultRedactor struct {
	sensitiveKeys map[string]struct{}
}

func NewDefaultRedactor() *DefaultRedactor {
	keys := []string{"password", "secret", "token", "api_key", "key_hash", "authorization", "cookie"}
	r := &DefaultRedactor{sensitiveKeys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		r.sensitiveKeys[k] = struct{}{}
	}
	return r
}

func (r *DefaultRedactor) Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	redacted := make(map[string]any, len(data))
	for k, v := range data {
		if _, ok := r.sensitiveKeys[k]; ok {
			redacted[k] = "[REDACTED]"
		} else if nested, ok := v.(map[string]any); ok {
			redacted[k] = r.Redact(nested)
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// Actor represents who performed the action
type Actor struct {
	Kind    string `json:"kind"`
	Display string `json:"display"`
}

// Source represents request metadata
type Source struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// Event is one audit record.
type Event struct {
	ID           string         `json:"id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	RequestID    string         `json:"request_id,omitempty"`
	Type         string         `json:"type"`
	Actor        Actor          `json:"actor"`
	Source       Source         `json:"source"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	BeforeState  map[string]any `json:"before_state,omitempty"`
	AfterState   map[string]any `json:"after_state,omitempty"`
	Changes      map[string]any `json:"changes,omitempty"`
	Status       string         `json:"status"`
	ErrorMessage *string        `json:"error_message,omitempty"`
}

// Sink persists audit events.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Service provides asynchronous audit logging.
type Service struct {
	sink     Sink
	clock    clock.Clock
	idgen    IDGenerator
	redactor Redactor
	logger   zerolog.Logger

	queue  chan Event
	stopCh chan struct{}
	done   sync.WaitGroup
	closed atomic.Bool
}

// Options configures a Service. Zero values pick defaults.
type Options struct {
	Clock     clock.Clock
	IDGen     IDGenerator
	Redactor  Redactor
	Logger    zerolog.Logger
	QueueSize int
}

// NewService starts the background worker.
func NewService(sink Sink, opts Options) *Service {
	if opts.IDGen == nil {
		opts.IDGen = UUIDGenerator{}
	}
	if opts.Redactor == nil {
		opts.Redactor = NewDefaultRedactor()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	s := &Service{
		sink:     sink,
		clock:    clock.OrSystem(opts.Clock),
		idgen:    opts.IDGen,
		redactor: opts.Redactor,
		logger:   opts.Logger.With().Str("component", "audit").Logger(),
		queue:    make(chan Event, opts.QueueSize),
		stopCh:   make(chan struct{}),
	}
	s.done.Add(1)
	go s.worker()
	return s
}

func (s *Service) worker() {
	defer s.done.Done()
	for {
		select {
		case event := <-s.queue:
			s.write(event)
		case <-s.stopCh:
			for {
				select {
				case event := <-s.queue:
					s.write(event)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.Write(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("type", event.Type).Str("id", event.ID).Msg("failed to write audit event")
	}
}

// Close stops the worker after draining queued events and waits for it.
// Safe to call multiple times.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	s.done.Wait()
	return nil
}

// Log fills defaults, redacts states and queues the event. Events are
// dropped when the queue is full or the service is closed.
func (s *Service) Log(event Event) {
	if s.closed.Load() {
		return
	}
	if event.ID == "" {
		event.ID = s.idgen.Generate()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now()
	}
	if event.Status == "" {
		event.Status = StatusSuccess
	}
	event.BeforeState = s.redactor.Redact(event.BeforeState)
	event.AfterState = s.redactor.Redact(event.AfterState)
	if event.Changes == nil {
		event.Changes = ComputeChanges(event.BeforeState, event.AfterState)
	}

	select {
	case s.queue <- event:
	default:
		s.logger.Warn().Str("type", event.Type).Str("resource_id", event.ResourceID).Msg("audit queue full, dropping event")
	}
}

// ComputeChanges computes the difference between before and after states
func ComputeChanges(before, after map[string]any) map[string]any {
	if before == nil && after == nil {
		return nil
	}
	if before == nil {
		before = make(map[string]any)
	}
	if after == nil {
		after = make(map[string]any)
	}

	changes := make(map[string]any)
	for key, afterVal := range after {
		beforeVal, existedBefore := before[key]
		beforeJSON, _ := json.Marshal(beforeVal)
		afterJSON, _ := json.Marshal(afterVal)
		if !existedBefore || string(beforeJSON) != string(afterJSON) {
			changes[key] = map[string]any{"before": beforeVal, "after": afterVal}
		}
	}
	for key, beforeVal := range before {
		if _, existsAfter := after[key]; !existsAfter {
			changes[key] = map[string]any{"before": beforeVal, "after": nil}
		}
	}

	if len(changes) == 0 {
		return nil
	}
	return changes
}
