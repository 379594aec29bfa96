package oauth

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// Mode selects which error-to-status mapping and challenge semantics apply.
type Mode int

const (
	// ModeResourceServer validates inbound tokens on behalf of a protected
	// resource (resource-server/validation stack).
	ModeResourceServer Mode = iota

	// ModeAuthorizationServer issues tokens and authenticates clients
	// (authorization-server stack).
	ModeAuthorizationServer
)

// Client authentication methods accepted at token-accepting endpoints.
const (
	ClientAuthSecretBasic = "client_secret_basic"
	ClientAuthSecretPost  = "client_secret_post"
	ClientAuthNone        = "none"
)

// Options holds the immutable per-request configuration snapshot shared by
// every handler in a pipeline. It is built once, validated, and never
// mutated mid-request; Transactions hold a read-only reference to it.
type Options struct {
	// Issuer is the server's issuer identifier (absolute base URL).
	Issuer string

	// Mode selects resource-server or authorization-server semantics.
	// Default: ModeResourceServer.
	Mode Mode

	// ClientAuthMethods lists the client authentication methods accepted at
	// token-accepting endpoints. Default: client_secret_basic and
	// client_secret_post.
	ClientAuthMethods []string

	// RequireDPoP makes a DPoP proof mandatory on authenticated requests.
	// When false, proofs are validated only if presented.
	RequireDPoP bool

	// RequireNonce makes a server-issued nonce claim mandatory inside DPoP
	// proofs (replay-protection entries are enforced).
	RequireNonce bool

	// RequireHTTPS rejects requests whose resolved request URI is not https.
	// Default: true. Only disable for local development.
	RequireHTTPS bool

	// RequiredScopes lists scopes an access token must carry to pass
	// validation. Empty means no scope check.
	RequiredScopes []string

	// ClockSkew is the grace period applied to expiry comparisons.
	// Default: 5 seconds.
	ClockSkew time.Duration

	// Logger for structured logging (optional, uses slog.Default if nil)
	Logger *slog.Logger
}

// NewOptions returns Options with secure defaults applied.
func NewOptions(issuer string) *Options {
	o := &Options{
		Issuer:       issuer,
		RequireHTTPS: true,
	}
	o.applyDefaults()
	return o
}

func (o *Options) applyDefaults() {
	if len(o.ClientAuthMethods) == 0 {
		o.ClientAuthMethods = []string{ClientAuthSecretBasic, ClientAuthSecretPost}
	}
	if o.ClockSkew == 0 {
		o.ClockSkew = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Validate checks the options for configuration errors. It is called by
// NewPipeline; hosts constructing Options by hand should call it too.
func (o *Options) Validate() error {
	if o.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(o.Issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", o.Issuer)
	}
	for _, m := range o.ClientAuthMethods {
		switch m {
		case ClientAuthSecretBasic, ClientAuthSecretPost, ClientAuthNone:
		default:
			return fmt.Errorf("unsupported client authentication method: %q", m)
		}
	}
	return nil
}

// clientAuthMethodEnabled reports whether the given method is accepted.
func (o *Options) clientAuthMethodEnabled(method string) bool {
	for _, m := range o.ClientAuthMethods {
		if m == method {
			return true
		}
	}
	return false
}
