// Package audit records privileged actions in an append-only log. Every
// event names the actor, the action, the target and the reason given, and
// carries a content hash so rewritten rows can be detected.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Result represents the outcome of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultPartial Result = "partial"
	ResultFailure Result = "failure"
)

var (
	ErrEventValidation = errors.New("audit event validation failed")
	ErrStorageFailed   = errors.New("audit storage failed")
)

// Event is a single audit log entry.
type Event struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Reason    string         `json:"reason"`
	Result    Result         `json:"result"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Hash      string         `json:"hash"`
	CreatedAt time.Time      `json:"created_at"`
}

// Validate checks that the event has all required fields.
func (e *Event) Validate() error {
	switch {
	case e.Action == "":
		return fmt.Errorf("%w: action is required", ErrEventValidation)
	case e.Actor == "":
		return fmt.Errorf("%w: actor is required", ErrEventValidation)
	case e.Target == "":
		return fmt.Errorf("%w: target is required", ErrEventValidation)
	}
	return nil
}

// Storage appends events. Implementations must never update or delete.
type Storage interface {
	Append(ctx context.Context, event Event) error
}

// EventOption customizes an event before it is stored.
type EventOption func(*Event)

func WithActor(actor string) EventOption {
	return func(e *Event) { e.Actor = actor }
}

func WithTarget(target string) EventOption {
	return func(e *Event) { e.Target = target }
}

func WithReason(reason string) EventOption {
	return func(e *Event) { e.Reason = reason }
}

func WithResult(r Result) EventOption {
	return func(e *Event) { e.Result = r }
}

// WithMetadata adds a metadata entry. Empty keys are ignored.
func WithMetadata(key string, value any) EventOption {
	return func(e *Event) {
		if key == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[key] = value
	}
}

// Option configures a Logger.
type Option func(*Logger)

// WithRequestIDExtractor sets how the request id is taken from context.
func WithRequestIDExtractor(fn func(context.Context) string) Option {
	return func(l *Logger) { l.requestID = fn }
}

// WithSlog mirrors every audit event to a structured logger.
func WithSlog(log *slog.Logger) Option {
	return func(l *Logger) { l.slog = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// Logger builds, hashes and stores audit events.
type Logger struct {
	storage   Storage
	requestID func(context.Context) string
	slog      *slog.Logger
	now       func() time.Time
}

// NewLogger creates an audit logger. Panics if storage is nil.
func NewLogger(storage Storage, opts ...Option) *Logger {
	if storage == nil {
		panic("audit: storage cannot be nil")
	}
	l := &Logger{storage: storage, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log records a successful action unless a WithResult option says otherwise.
func (l *Logger) Log(ctx context.Context, action string, opts ...EventOption) error {
	return l.store(ctx, action, nil, opts)
}

// LogError records a failed action.
func (l *Logger) LogError(ctx context.Context, action string, err error, opts ...EventOption) error {
	return l.store(ctx, action, err, opts)
}

func (l *Logger) store(ctx context.Context, action string, cause error, opts []EventOption) error {
	event := Event{
		ID:        uuid.NewString(),
		Action:    action,
		Result:    ResultSuccess,
		CreatedAt: l.now().UTC(),
	}
	if l.requestID != nil {
		event.RequestID = l.requestID(ctx)
	}
	if cause != nil {
		event.Result = ResultFailure
		event.Error = cause.Error()
	}
	for _, opt := range opts {
		opt(&event)
	}
	if err := event.Validate(); err != nil {
		return err
	}
	event.Hash = Hash(event)

	if l.slog != nil {
		l.slog.InfoContext(ctx, "audit",
			slog.String("action", event.Action),
			slog.String("actor", event.Actor),
			slog.String("target", event.Target),
			slog.String("result", string(event.Result)),
		)
	}

	if err := l.storage.Append(ctx, event); err != nil {
		return errors.Join(ErrStorageFailed, err)
	}
	return nil
}
