package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the oauth-core library
type Metrics struct {
	// Pipeline metrics
	DispatchesTotal  metric.Int64Counter
	HandlerDuration  metric.Float64Histogram
	RejectionsTotal  metric.Int64Counter
	DispatchFailures metric.Int64Counter
	HandlersSkipped  metric.Int64Counter

	// Nonce metrics
	NoncesMinted     metric.Int64Counter
	NoncesExpired    metric.Int64Counter
	NonceValidations metric.Int64Counter

	// DPoP metrics
	DPoPValidationsTotal metric.Int64Counter

	// Token validation metrics
	TokenValidationsTotal   metric.Int64Counter
	TokenValidationDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	pipelineMeter := inst.Meter("pipeline")
	nonceMeter := inst.Meter("nonce")
	dpopMeter := inst.Meter("dpop")
	tokenMeter := inst.Meter("token")

	var err error
	m.DispatchesTotal, err = pipelineMeter.Int64Counter(
		"oauth.pipeline.dispatches.total",
		metric.WithDescription("Total number of pipeline dispatches"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatches.total counter: %w", err)
	}

	m.HandlerDuration, err = pipelineMeter.Float64Histogram(
		"oauth.pipeline.handler.duration",
		metric.WithDescription("Handler execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler.duration histogram: %w", err)
	}

	m.RejectionsTotal, err = pipelineMeter.Int64Counter(
		"oauth.pipeline.rejections.total",
		metric.WithDescription("Protocol rejections recorded during dispatch"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rejections.total counter: %w", err)
	}

	m.DispatchFailures, err = pipelineMeter.Int64Counter(
		"oauth.pipeline.failures.total",
		metric.WithDescription("Dispatch failures (handler faults, not protocol rejections)"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failures.total counter: %w", err)
	}

	m.HandlersSkipped, err = pipelineMeter.Int64Counter(
		"oauth.pipeline.handlers.skipped",
		metric.WithDescription("Handlers skipped because an activation filter evaluated false"),
		metric.WithUnit("{handler}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlers.skipped counter: %w", err)
	}

	m.NoncesMinted, err = nonceMeter.Int64Counter(
		"oauth.nonce.minted.total",
		metric.WithDescription("Replay-protection nonces minted"),
		metric.WithUnit("{nonce}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce.minted counter: %w", err)
	}

	m.NoncesExpired, err = nonceMeter.Int64Counter(
		"oauth.nonce.expired.total",
		metric.WithDescription("Replay-protection nonces evicted after expiry"),
		metric.WithUnit("{nonce}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce.expired counter: %w", err)
	}

	m.NonceValidations, err = nonceMeter.Int64Counter(
		"oauth.nonce.validations.total",
		metric.WithDescription("Nonce validation attempts by result"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce.validations counter: %w", err)
	}

	m.DPoPValidationsTotal, err = dpopMeter.Int64Counter(
		"oauth.dpop.validations.total",
		metric.WithDescription("DPoP proof validations by result"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dpop.validations counter: %w", err)
	}

	m.TokenValidationsTotal, err = tokenMeter.Int64Counter(
		"oauth.token.validations.total",
		metric.WithDescription("Access/identity token validations by method and result"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.validations counter: %w", err)
	}

	m.TokenValidationDuration, err = tokenMeter.Float64Histogram(
		"oauth.token.validation.duration",
		metric.WithDescription("Token validation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.validation.duration histogram: %w", err)
	}

	return m, nil
}
