package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-server/instrumentation"
)

// Completer is implemented by events whose chain must produce a result.
// When such a chain ends with Continue and Completed reports false, Dispatch
// returns an InternalError wrapping ErrNoResult.
type Completer interface {
	Completed() bool
}

// Dispatcher routes events to their ordered handler chains. It is safe for
// concurrent use once built.
type Dispatcher struct {
	chains          map[reflect.Type][]*step
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

type step struct {
	descriptor Descriptor
	instance   any
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger used for dispatcher diagnostics.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithInstrumentation enables tracing and metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) DispatcherOption {
	return func(d *Dispatcher) {
		if inst != nil {
			d.instrumentation = inst
		}
	}
}

// NewDispatcher freezes the registry into ordered chains and constructs every
// singleton handler. Later changes to the registry have no effect on the
// dispatcher.
func NewDispatcher(reg *Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		chains: make(map[reflect.Type][]*step),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.instrumentation == nil {
		d.instrumentation = instrumentation.NewNoop()
	}
	d.tracer = d.instrumentation.Tracer("pipeline")

	for _, desc := range reg.descriptors {
		if _, done := d.chains[desc.eventType]; done {
			continue
		}
		var chain []*step
		for _, hd := range reg.ForEvent(desc.eventType) {
			s := &step{descriptor: hd}
			if hd.lifetime == Singleton {
				h, err := construct(hd)
				if err != nil {
					return nil, err
				}
				s.instance = h
			}
			chain = append(chain, s)
		}
		d.chains[desc.eventType] = chain
	}

	d.logger.Debug("Dispatcher built", "event_types", len(d.chains), "handlers", len(reg.descriptors))
	return d, nil
}

func construct(desc Descriptor) (any, error) {
	h, err := desc.factory()
	if err != nil {
		var ce *ConfigurationError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &ConfigurationError{Component: desc.name, Err: err}
	}
	if h == nil {
		return nil, Misconfigured(desc.name, "factory returned no handler")
	}
	return h, nil
}

// Handlers returns the names of the handlers subscribed to the type of
// event, in invocation order.
func (d *Dispatcher) Handlers(event Event) []string {
	chain := d.chains[reflect.TypeOf(event)]
	names := make([]string, len(chain))
	for i, s := range chain {
		names[i] = s.descriptor.name
	}
	return names
}

// Dispatch runs the handlers subscribed to the concrete type of event in
// ascending order, stopping at the first terminal outcome. Dispatching an
// event that already has a terminal outcome is a no-op.
//
// The returned error is nil for every protocol outcome, including
// rejections. It is non-nil for internal faults (*InternalError),
// configuration faults (*ConfigurationError) and cancellation (ErrCancelled).
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	base := event.Base()
	name := EventName(event)
	if base == nil || base.Transaction == nil {
		return &InternalError{Event: name, Err: errors.New("event is not bound to a transaction")}
	}
	if base.IsTerminal() {
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "pipeline."+name, trace.WithAttributes(
		attribute.String(instrumentation.AttrEvent, name),
		attribute.String(instrumentation.AttrTransactionID, base.Transaction.ID),
		attribute.String(instrumentation.AttrEndpoint, string(base.Transaction.Endpoint)),
	))
	defer span.End()

	start := time.Now()
	err := d.run(ctx, name, event)
	outcome := base.Outcome()

	label := outcome.Kind.String()
	if err != nil {
		label = "error"
		instrumentation.RecordError(span, err)
		if !errors.Is(err, ErrCancelled) {
			d.instrumentation.Metrics().RecordInternalFault(ctx, name)
		}
	} else {
		span.SetAttributes(attribute.String(instrumentation.AttrOutcome, label))
		if outcome.Kind == Rejected {
			instrumentation.AddRejectionAttributes(span, outcome.Error, outcome.Description)
			d.instrumentation.Metrics().RecordRejection(ctx, name, outcome.Error)
		}
	}
	d.instrumentation.Metrics().RecordDispatch(ctx, name, label, float64(time.Since(start).Microseconds())/1000)

	return err
}

func (d *Dispatcher) run(ctx context.Context, name string, event Event) error {
	base := event.Base()
	tx := base.Transaction

	for _, s := range d.chains[reflect.TypeOf(event)] {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %s before %s: %w", ErrCancelled, name, s.descriptor.name, err)
		}

		active, err := allActive(ctx, s.descriptor.filters, event)
		if err != nil {
			return d.fault(ctx, name, s.descriptor.name, fmt.Errorf("filter failed: %w", err))
		}
		if !active {
			continue
		}

		h := s.instance
		if s.descriptor.lifetime == Scoped {
			if h, err = scopedHandler(tx, s.descriptor); err != nil {
				return err
			}
		}

		if err := s.descriptor.invoke(ctx, h, event); err != nil {
			return d.fault(ctx, name, s.descriptor.name, err)
		}

		if base.IsTerminal() {
			outcome := base.Outcome()
			tx.Logger.Debug("Event processing stopped",
				"event", name,
				"handler", s.descriptor.name,
				"outcome", outcome.Kind.String(),
				"error", outcome.Error,
				"error_description", outcome.Description)
			return nil
		}
	}

	if c, ok := event.(Completer); ok && !c.Completed() {
		return &InternalError{Event: name, Err: ErrNoResult}
	}
	return nil
}

func scopedHandler(tx *Transaction, desc Descriptor) (any, error) {
	if h, ok := tx.scopedInstance(desc.name); ok {
		return h, nil
	}
	h, err := construct(desc)
	if err != nil {
		return nil, err
	}
	tx.setScopedInstance(desc.name, h)
	return h, nil
}

// fault normalizes a handler error into an internal fault, keeping
// configuration faults, cancellations and already attributed faults intact.
func (d *Dispatcher) fault(ctx context.Context, event, handler string, err error) error {
	if errors.Is(err, ErrCancelled) || IsConfiguration(err) {
		return err
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%w: %s in %s: %w", ErrCancelled, event, handler, err)
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		if ie.Handler == "" {
			ie.Handler = handler
		}
		if ie.Event == "" {
			ie.Event = event
		}
		return err
	}
	return &InternalError{Event: event, Handler: handler, Err: err}
}

// EventName returns the name of the concrete event type, without package
// or pointer prefix.
func EventName(event Event) string {
	t := reflect.TypeOf(event)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	return t.Name()
}
