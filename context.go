package oauth

import (
	"log/slog"

	"github.com/giantswarm/oauth-core/token"
)

// Stage identifies one phase of the processing pipeline. Handlers register
// against a stage; the dispatcher resolves handlers by the stage of the
// context being dispatched.
type Stage int

const (
	StageProcessRequest Stage = iota
	StageAuthenticate
	StageChallenge
	StageSignIn
	StageSignOut
	StageProcessError

	stageCount
)

// StageAny registers a handler for every stage. The registry expands such
// registrations into each concrete stage's handler list at registration
// time, so dispatch never needs type inspection.
const StageAny Stage = -1

// String returns the stage name for logging and metrics.
func (s Stage) String() string {
	switch s {
	case StageProcessRequest:
		return "process_request"
	case StageAuthenticate:
		return "authenticate"
	case StageChallenge:
		return "challenge"
	case StageSignIn:
		return "sign_in"
	case StageSignOut:
		return "sign_out"
	case StageProcessError:
		return "process_error"
	case StageAny:
		return "any"
	default:
		return "invalid"
	}
}

// Context is the view a handler receives over one Transaction. Concrete
// stage contexts embed RequestContext, which carries the shared
// request-stage fields and the outcome protocol.
type Context interface {
	// Stage identifies the pipeline stage this context belongs to.
	Stage() Stage

	// Transaction returns the exchange this context views. A context never
	// outlives its Transaction and never migrates between Transactions.
	Transaction() *Transaction

	// HandleRequest marks the request fully handled: the host must not
	// process it further. One-way latch.
	HandleRequest()

	// SkipRequest marks the request as intentionally passed through to
	// downstream host logic. One-way latch.
	SkipRequest()

	IsRequestHandled() bool
	IsRequestSkipped() bool

	// Reject records a protocol rejection. It does not stop dispatch by
	// itself: stage-specific handlers guard on IsRejected while
	// housekeeping handlers (status mapping, cache headers) still run.
	// A second Reject overwrites the triple; IsRejected stays true.
	Reject(code, description, uri string)
	IsRejected() bool

	// Rejection returns the current rejection triple, or nil.
	Rejection() *Error
}

// RequestContext carries the fields shared by every stage context: the
// Transaction under processing, a logger, and the outcome latches. It is
// embedded by value into each concrete stage context.
type RequestContext struct {
	stage   Stage
	tx      *Transaction
	Logger  *slog.Logger
	handled bool
	skipped bool

	rejected         bool
	Error            string
	ErrorDescription string
	ErrorURI         string
}

func newRequestContext(stage Stage, tx *Transaction) RequestContext {
	logger := slog.Default()
	if tx != nil && tx.Options != nil && tx.Options.Logger != nil {
		logger = tx.Options.Logger
	}
	return RequestContext{stage: stage, tx: tx, Logger: logger}
}

// Stage implements Context.
func (c *RequestContext) Stage() Stage { return c.stage }

// Transaction implements Context.
func (c *RequestContext) Transaction() *Transaction { return c.tx }

// HandleRequest implements Context.
func (c *RequestContext) HandleRequest() { c.handled = true }

// SkipRequest implements Context.
func (c *RequestContext) SkipRequest() { c.skipped = true }

// IsRequestHandled implements Context.
func (c *RequestContext) IsRequestHandled() bool { return c.handled }

// IsRequestSkipped implements Context.
func (c *RequestContext) IsRequestSkipped() bool { return c.skipped }

// Reject implements Context.
func (c *RequestContext) Reject(code, description, uri string) {
	c.rejected = true
	c.Error = code
	c.ErrorDescription = description
	c.ErrorURI = uri
}

// IsRejected implements Context.
func (c *RequestContext) IsRejected() bool { return c.rejected }

// Rejection implements Context.
func (c *RequestContext) Rejection() *Error {
	if !c.rejected {
		return nil
	}
	return &Error{Code: c.Error, Description: c.ErrorDescription, URI: c.ErrorURI}
}

// ProcessRequestContext drives request intake: URI resolution, transport
// validation and parameter extraction.
type ProcessRequestContext struct {
	RequestContext
}

// NewProcessRequestContext creates the intake-stage view over a Transaction.
func NewProcessRequestContext(tx *Transaction) *ProcessRequestContext {
	return &ProcessRequestContext{newRequestContext(StageProcessRequest, tx)}
}

// ProcessAuthenticationContext drives token and proof validation. The
// Extract/Require/Validate booleans are intents set by the host (or by
// earlier handlers) steering which authentication work applies to this
// exchange; the *Principal fields hold the resulting validated claims.
type ProcessAuthenticationContext struct {
	RequestContext

	ExtractAccessToken  bool
	RequireAccessToken  bool
	ValidateAccessToken bool
	RejectAccessToken   bool

	ExtractIdentityToken  bool
	RequireIdentityToken  bool
	ValidateIdentityToken bool
	RejectIdentityToken   bool

	// AccessToken is the raw token extracted from the Authorization header.
	AccessToken string

	// TokenScheme is the Authorization scheme the token arrived with
	// ("Bearer" or "DPoP").
	TokenScheme string

	// IdentityToken is the raw identity token, when one is presented.
	IdentityToken string

	// AccessTokenPrincipal holds the validated access-token claims.
	AccessTokenPrincipal *token.Principal

	// IdentityTokenPrincipal holds the validated identity-token claims.
	IdentityTokenPrincipal *token.Principal

	// DPoPProof is the verified compact DPoP proof, attached after
	// successful proof validation.
	DPoPProof string

	// DPoPThumbprint is the jkt confirmation value of the proof key.
	DPoPThumbprint string
}

// NewProcessAuthenticationContext creates the authentication-stage view.
// Access-token extraction and validation intents default to on.
func NewProcessAuthenticationContext(tx *Transaction) *ProcessAuthenticationContext {
	return &ProcessAuthenticationContext{
		RequestContext:      newRequestContext(StageAuthenticate, tx),
		ExtractAccessToken:  true,
		ValidateAccessToken: true,
	}
}

// ProcessChallengeContext drives rendering of an authentication challenge
// back to the caller (WWW-Authenticate, nonce header, status mapping).
type ProcessChallengeContext struct {
	RequestContext

	// Scheme is the challenge scheme chosen for the WWW-Authenticate
	// header. Empty until the challenge handlers run.
	Scheme string
}

// NewProcessChallengeContext creates the challenge-stage view. The rejection
// triple recorded during authentication carries over so challenge handlers
// can render it.
func NewProcessChallengeContext(tx *Transaction, rejection *Error) *ProcessChallengeContext {
	c := &ProcessChallengeContext{RequestContext: newRequestContext(StageChallenge, tx)}
	if rejection != nil {
		c.Reject(rejection.Code, rejection.Description, rejection.URI)
	}
	return c
}

// ProcessSignInContext drives completion of a successful sign-in: the
// validated principal is turned into a token response.
type ProcessSignInContext struct {
	RequestContext

	// Principal is the authenticated identity the sign-in is for. Required;
	// a nil principal is a programming fault, not a protocol rejection.
	Principal *token.Principal
}

// NewProcessSignInContext creates the sign-in-stage view.
func NewProcessSignInContext(tx *Transaction, principal *token.Principal) *ProcessSignInContext {
	return &ProcessSignInContext{
		RequestContext: newRequestContext(StageSignIn, tx),
		Principal:      principal,
	}
}

// ProcessSignOutContext drives session/token teardown.
type ProcessSignOutContext struct {
	RequestContext
}

// NewProcessSignOutContext creates the sign-out-stage view.
func NewProcessSignOutContext(tx *Transaction) *ProcessSignOutContext {
	return &ProcessSignOutContext{newRequestContext(StageSignOut, tx)}
}

// ProcessErrorContext drives rendering of a rejection (or fault fallback)
// as a structured error response.
type ProcessErrorContext struct {
	RequestContext
}

// NewProcessErrorContext creates the error-rendering view, seeded with the
// rejection to render.
func NewProcessErrorContext(tx *Transaction, rejection *Error) *ProcessErrorContext {
	c := &ProcessErrorContext{newRequestContext(StageProcessError, tx)}
	if rejection != nil {
		c.Reject(rejection.Code, rejection.Description, rejection.URI)
	}
	return c
}
