package oauth

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/giantswarm/oauth-core/instrumentation"
)

// Dispatcher executes the registered handlers for a context, strictly in
// ascending order, awaiting each before starting the next. Within one
// Transaction there is no reordering and no skipping except via filters;
// across Transactions the dispatcher shares no mutable state and is safe
// for concurrent use.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithInstrumentation enables metric recording for dispatches.
func WithInstrumentation(inst *instrumentation.Instrumentation) DispatcherOption {
	return func(d *Dispatcher) {
		if inst != nil {
			d.metrics = inst.Metrics()
		}
	}
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs every applicable handler for the context's stage against
// its Transaction.
//
// Filters are re-evaluated immediately before each handler, since earlier
// handlers may change the state filters read. Dispatch stops early once the
// context reaches a terminal outcome (request handled or skipped), so
// response writers never double-write. A handler error is a dispatch
// failure and aborts the exchange; protocol rejections flow through the
// context's Reject protocol and are not errors.
func (d *Dispatcher) Dispatch(c Context) error {
	tx := c.Transaction()
	if tx == nil {
		return fmt.Errorf("dispatch: context has no transaction")
	}
	stage := c.Stage()

	for _, desc := range d.registry.Handlers(stage) {
		// A cancelled exchange is failed; leave the context in its partial
		// state and abort promptly.
		if err := tx.Context().Err(); err != nil {
			d.countDispatch(c, stage, "cancelled")
			return fmt.Errorf("dispatch %s: exchange cancelled: %w", stage, err)
		}
		if c.IsRequestHandled() || c.IsRequestSkipped() {
			break
		}
		if !desc.applies(c) {
			d.countSkipped(c, stage, desc)
			continue
		}
		handler := desc.instance()
		if handler == nil {
			return fmt.Errorf("dispatch %s: descriptor %q produced no handler", stage, desc.Name())
		}

		start := time.Now()
		err := handler.Handle(c)
		d.recordHandler(c, stage, desc, time.Since(start))
		if err != nil {
			d.countFailure(c, stage)
			return fmt.Errorf("dispatch %s: handler %q: %w", stage, desc.Name(), err)
		}
	}

	if c.IsRejected() {
		d.countRejection(c, stage)
		d.logger.Debug("dispatch recorded protocol rejection",
			"stage", stage.String(),
			"error", c.Rejection().Code)
	}
	d.countDispatch(c, stage, outcomeOf(c))
	return nil
}

func outcomeOf(c Context) string {
	switch {
	case c.IsRequestHandled():
		return "handled"
	case c.IsRequestSkipped():
		return "skipped"
	case c.IsRejected():
		return "rejected"
	default:
		return "completed"
	}
}

func (d *Dispatcher) countDispatch(c Context, stage Stage, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.DispatchesTotal.Add(c.Transaction().Context(), 1, metric.WithAttributes(
		attribute.String("stage", stage.String()),
		attribute.String("outcome", outcome),
	))
}

func (d *Dispatcher) countSkipped(c Context, stage Stage, desc Descriptor) {
	if d.metrics == nil {
		return
	}
	d.metrics.HandlersSkipped.Add(c.Transaction().Context(), 1, metric.WithAttributes(
		attribute.String("stage", stage.String()),
		attribute.String("handler", desc.Name()),
	))
}

func (d *Dispatcher) countFailure(c Context, stage Stage) {
	if d.metrics == nil {
		return
	}
	d.metrics.DispatchFailures.Add(c.Transaction().Context(), 1, metric.WithAttributes(
		attribute.String("stage", stage.String()),
	))
}

func (d *Dispatcher) countRejection(c Context, stage Stage) {
	if d.metrics == nil {
		return
	}
	d.metrics.RejectionsTotal.Add(c.Transaction().Context(), 1, metric.WithAttributes(
		attribute.String("stage", stage.String()),
		attribute.String("error", c.Rejection().Code),
	))
}

func (d *Dispatcher) recordHandler(c Context, stage Stage, desc Descriptor, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.HandlerDuration.Record(c.Transaction().Context(),
		float64(elapsed.Microseconds())/1000.0,
		metric.WithAttributes(
			attribute.String("stage", stage.String()),
			attribute.String("handler", desc.Name()),
		))
}
