// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the oauth-core library.
//
// It exposes metric instruments for the pipeline dispatcher (dispatch
// counts, per-handler latency, protocol rejections), the nonce manager
// (mint/expiry/validation counters), the DPoP proof validator and the token
// validators, plus named tracers for distributed tracing.
//
// When instrumentation is not configured or disabled, no-op providers are
// used and recording has zero overhead. All operations are safe for
// concurrent use.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-token-gateway",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// Pipeline:
//   - oauth.pipeline.dispatches.total{stage, outcome}
//   - oauth.pipeline.handler.duration{stage, handler}
//   - oauth.pipeline.rejections.total{stage, error}
//   - oauth.pipeline.failures.total{stage}
//   - oauth.pipeline.handlers.skipped{stage, handler}
//
// Nonce manager:
//   - oauth.nonce.minted.total
//   - oauth.nonce.expired.total
//   - oauth.nonce.validations.total{result}
//
// DPoP and tokens:
//   - oauth.dpop.validations.total{result}
//   - oauth.token.validations.total{method, result}
//   - oauth.token.validation.duration{method}
//
// Never record actual token or proof values as attributes; only metadata
// (stages, handler names, error codes, results) is safe to export.
package instrumentation
