package billing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/gradekit/pkg/logger"
	"github.com/dmitrymomot/gradekit/pkg/statemachine"
)

// Webhook delivery lifecycle states.
const (
	StateReceived          statemachine.State = "received"
	StateSignatureVerified statemachine.State = "signature_verified"
	StateDeduplicated      statemachine.State = "deduplicated"
	StateDispatched        statemachine.State = "dispatched"
	StateAcknowledged      statemachine.State = "acknowledged"
	StateRejected          statemachine.State = "rejected"
	StateAlreadyProcessed  statemachine.State = "already_processed"
)

const (
	evSignatureValid   statemachine.Event = "signature_valid"
	evSignatureInvalid statemachine.Event = "signature_invalid"
	evFirstSeen        statemachine.Event = "first_seen"
	evDuplicate        statemachine.Event = "duplicate"
	evDispatched       statemachine.Event = "dispatched"
	evHandled          statemachine.Event = "handled"
)

var deliveryLifecycle = statemachine.NewBuilder(StateReceived).
	Permit(StateReceived, evSignatureValid, StateSignatureVerified).
	Permit(StateReceived, evSignatureInvalid, StateRejected).
	Permit(StateSignatureVerified, evFirstSeen, StateDeduplicated).
	Permit(StateSignatureVerified, evDuplicate, StateAlreadyProcessed).
	Permit(StateDeduplicated, evDispatched, StateDispatched).
	Permit(StateDispatched, evHandled, StateAcknowledged).
	Terminal(StateAcknowledged, StateRejected, StateAlreadyProcessed).
	MustBuild()

// EventHandler performs the side effects of one event kind.
type EventHandler interface {
	Handle(ctx context.Context, ev *Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

// WebhookParser verifies and normalizes raw provider deliveries.
type WebhookParser interface {
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*Event, error)
}

// Delivery is the result of ingesting one webhook request.
type Delivery struct {
	State   statemachine.State
	EventID string
	Kind    EventKind
	// HandlerErr is set when the handler failed after the event was logged.
	// The delivery is still acknowledged.
	HandlerErr error
	Path       []statemachine.State
}

// Gateway verifies, deduplicates and dispatches provider webhooks.
type Gateway struct {
	parser         WebhookParser
	log            EventLog
	handlers       map[EventKind]EventHandler
	handlerTimeout time.Duration
	logger         *slog.Logger
	metrics        *Metrics
	now            func() time.Time
}

// NewGateway creates a Gateway dispatching to handlers by event kind.
// Panics if parser or log is nil.
func NewGateway(parser WebhookParser, log EventLog, handlers map[EventKind]EventHandler, opts ...Option) *Gateway {
	if parser == nil {
		panic("billing: webhook parser is required")
	}
	if log == nil {
		panic("billing: event log is required")
	}
	o := newOptions(opts)
	table := make(map[EventKind]EventHandler, len(handlers))
	for kind, h := range handlers {
		if h != nil {
			table[kind] = h
		}
	}
	return &Gateway{
		parser:         parser,
		log:            log,
		handlers:       table,
		handlerTimeout: o.syncTimeout,
		logger:         o.logger.With(logger.Component("webhook_gateway")),
		metrics:        o.metrics,
		now:            o.now,
	}
}

// Ingest runs one delivery through the lifecycle. A rejected delivery
// returns an error classified as Rejected. A dedup log failure returns a
// transient error before anything is written, so the provider redelivers.
func (g *Gateway) Ingest(ctx context.Context, payload []byte, header http.Header) (Delivery, error) {
	m := deliveryLifecycle.Start()
	d := Delivery{}
	finish := func() Delivery {
		d.State = m.Current()
		d.Path = m.History()
		return d
	}

	ev, err := g.parser.ParseWebhook(ctx, payload, header)
	if err != nil {
		g.fire(ctx, m, evSignatureInvalid)
		g.metrics.webhook("rejected", "")
		g.logger.WarnContext(ctx, "webhook rejected", logger.Error(err))
		if !IsRejected(err) {
			err = errors.Join(ErrRejected, err)
		}
		return finish(), err
	}
	g.fire(ctx, m, evSignatureValid)
	d.EventID, d.Kind = ev.ID, ev.Kind

	log := g.logger.With(logger.EventID(ev.ID), logger.EventType(ev.ProviderType))

	inserted, err := g.log.InsertEventIfAbsent(ctx, WebhookEventLogEntry{
		ProviderEventID: ev.ID,
		EventType:       ev.ProviderType,
		ReceivedAt:      g.now().UTC(),
		Payload:         ev.Payload,
	})
	if err != nil {
		g.metrics.webhook("error", ev.Kind)
		log.ErrorContext(ctx, "failed to record webhook event", logger.Error(err))
		if !IsTransient(err) {
			err = errors.Join(ErrStoreUnavailable, err)
		}
		return finish(), err
	}
	if !inserted {
		g.fire(ctx, m, evDuplicate)
		g.metrics.webhook("already_processed", ev.Kind)
		log.InfoContext(ctx, "duplicate webhook event acknowledged")
		return finish(), nil
	}
	g.fire(ctx, m, evFirstSeen)

	d.HandlerErr = g.dispatch(ctx, log, ev)
	g.fire(ctx, m, evDispatched)
	g.fire(ctx, m, evHandled)

	if d.HandlerErr != nil {
		g.metrics.webhook("handler_failed", ev.Kind)
	} else {
		g.metrics.webhook("acknowledged", ev.Kind)
	}
	return finish(), nil
}

// dispatch runs the handler detached from the request: the event is already
// logged, so an abandoned handler would never run again.
func (g *Gateway) dispatch(ctx context.Context, log *slog.Logger, ev *Event) error {
	h, ok := g.handlers[ev.Kind]
	if !ok {
		log.InfoContext(ctx, "unrecognized webhook event acknowledged", slog.String("kind", string(ev.Kind)))
		return nil
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.handlerTimeout)
	defer cancel()

	if err := h.Handle(hctx, ev); err != nil {
		log.ErrorContext(ctx, "webhook handler failed after event was recorded",
			slog.String("kind", string(ev.Kind)), logger.Error(err))
		return err
	}
	return nil
}

// fire advances the lifecycle. Transitions are fixed by deliveryLifecycle,
// so a failure here is a programming error.
func (g *Gateway) fire(ctx context.Context, m *statemachine.Machine, ev statemachine.Event) {
	if err := m.Fire(ctx, ev, nil); err != nil {
		panic("billing: webhook lifecycle: " + err.Error())
	}
}
