package oauth

import (
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/token"
)

// PipelineConfig assembles the collaborators the built-in handlers need.
// Only Options is required; handlers whose collaborator is nil are simply
// not registered, so a resource server can run without client or
// authorization stores.
type PipelineConfig struct {
	// Options carries the protocol settings every Transaction is created
	// with. Required.
	Options *Options

	// Nonces supplies server nonces for DPoP challenges. Optional.
	Nonces NonceSource

	// DPoP validates DPoP proofs. Optional; without it DPoP headers are
	// ignored.
	DPoP DPoPValidator

	// Tokens validates access tokens (JWT or introspection). Optional.
	Tokens TokenValidator

	// TokenEntries tracks issued tokens for revocation checks. Optional.
	TokenEntries storage.TokenEntryStore

	// Authorizations persists granted authorizations at sign-in. Optional.
	Authorizations storage.AuthorizationStore

	// Clients resolves registered clients for client authentication at
	// token-accepting endpoints. Optional.
	Clients storage.ClientStore

	// ChallengeLimiter rate limits nonce issuance per client. Optional.
	ChallengeLimiter *security.Limiter

	// Instrumentation enables metrics for dispatches and handlers. Optional.
	Instrumentation *instrumentation.Instrumentation
}

// Pipeline is the assembled processing engine: a registry preloaded with
// the built-in handlers and a dispatcher to run them. Hosts create one
// Pipeline at startup and run every exchange through it; all methods are
// safe for concurrent use once registration settles.
type Pipeline struct {
	cfg        PipelineConfig
	registry   *Registry
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewPipeline validates the configuration and registers the built-in
// handler sets for every stage.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Options == nil {
		return nil, fmt.Errorf("pipeline: options are required")
	}
	cfg.Options.applyDefaults()
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	logger := cfg.Options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry()
	p := &Pipeline{
		cfg:      cfg,
		registry: registry,
		dispatcher: NewDispatcher(registry,
			WithLogger(logger),
			WithInstrumentation(cfg.Instrumentation)),
		logger: logger,
	}

	var builtIn []Descriptor
	builtIn = append(builtIn, processRequestDescriptors()...)
	builtIn = append(builtIn, authenticationDescriptors(cfg)...)
	builtIn = append(builtIn, responseDescriptors(cfg)...)
	for _, desc := range builtIn {
		if err := registry.Register(desc); err != nil {
			return nil, fmt.Errorf("pipeline: registering built-in handlers: %w", err)
		}
	}
	return p, nil
}

// Registry exposes the handler registry so hosts can register, replace or
// remove handlers. Changes apply to subsequent dispatches.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Options returns the protocol settings the pipeline was built with.
func (p *Pipeline) Options() *Options { return p.cfg.Options }

// Dispatch runs the handlers registered for the context's stage. Most
// hosts use the stage helpers below; Dispatch is the escape hatch for
// custom stage contexts.
func (p *Pipeline) Dispatch(c Context) error {
	return p.dispatcher.Dispatch(c)
}

// ProcessRequest runs the intake stage over the transaction and returns
// the stage context for inspection.
func (p *Pipeline) ProcessRequest(tx *Transaction) (*ProcessRequestContext, error) {
	c := NewProcessRequestContext(tx)
	if err := p.dispatcher.Dispatch(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Authenticate runs the authentication stage. The returned context carries
// the validated principals, the DPoP thumbprint and any rejection.
func (p *Pipeline) Authenticate(tx *Transaction) (*ProcessAuthenticationContext, error) {
	c := NewProcessAuthenticationContext(tx)
	if err := p.dispatcher.Dispatch(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Challenge renders an authentication challenge for the given rejection.
// A nil rejection renders the default missing_token challenge.
func (p *Pipeline) Challenge(tx *Transaction, rejection *Error) (*ProcessChallengeContext, error) {
	c := NewProcessChallengeContext(tx, rejection)
	if err := p.dispatcher.Dispatch(c); err != nil {
		return nil, err
	}
	return c, nil
}

// SignIn completes a successful authentication for the given principal.
func (p *Pipeline) SignIn(tx *Transaction, principal *token.Principal) (*ProcessSignInContext, error) {
	c := NewProcessSignInContext(tx, principal)
	if err := p.dispatcher.Dispatch(c); err != nil {
		return nil, err
	}
	return c, nil
}

// SignOut runs session and token teardown for the transaction.
func (p *Pipeline) SignOut(tx *Transaction) (*ProcessSignOutContext, error) {
	c := NewProcessSignOutContext(tx)
	if err := p.dispatcher.Dispatch(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ProcessError renders the rejection as a structured error response.
func (p *Pipeline) ProcessError(tx *Transaction, rejection *Error) (*ProcessErrorContext, error) {
	c := NewProcessErrorContext(tx, rejection)
	if err := p.dispatcher.Dispatch(c); err != nil {
		return nil, err
	}
	return c, nil
}
