// Package token validates access and identity tokens on behalf of a
// resource server: locally against the issuer's JWKS when the token is a
// JWT, or remotely through RFC 7662 introspection when it is opaque.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/giantswarm/oauth-core/instrumentation"
)

// Validation errors. Handlers map all of them to the invalid_token protocol
// rejection; the distinction matters only for logs and tests.
var (
	ErrMissingToken  = errors.New("token is empty")
	ErrInvalidToken  = errors.New("token is invalid")
	ErrExpiredToken  = errors.New("token is expired")
	ErrInactiveToken = errors.New("token is not active")
)

// defaultValidMethods is the signing-algorithm allow-list for local JWT
// validation. Symmetric algorithms are excluded: a resource server never
// holds the issuer's HMAC secret.
var defaultValidMethods = []string{
	"RS256", "RS384", "RS512",
	"ES256", "ES384", "ES512",
	"PS256", "PS384", "PS512",
	"EdDSA",
}

// Principal is the validated claims set of a token, attached to the
// authentication context for downstream handlers.
type Principal struct {
	// Subject is the sub claim.
	Subject string

	// ClientID is the client_id (or azp) claim.
	ClientID string

	// TokenID is the jti claim, used for store lookups and revocation.
	TokenID string

	// Scopes are the parsed scope values.
	Scopes []string

	// ExpiresAt is the exp claim; zero when absent.
	ExpiresAt time.Time

	// Confirmation holds proof-of-possession bindings (RFC 7800 cnf claim).
	Confirmation Confirmation

	// Claims is the full raw claims set.
	Claims map[string]any
}

// Confirmation is the cnf claim of a bound token.
type Confirmation struct {
	// JKT is the base64url JWK SHA-256 thumbprint of the DPoP key the
	// token is bound to. Empty for bearer tokens.
	JKT string `json:"jkt"`
}

// HasScope reports whether the principal carries the given scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IntrospectionConfig configures remote validation of opaque tokens.
type IntrospectionConfig struct {
	// Endpoint is the RFC 7662 introspection endpoint URL. Empty disables
	// introspection.
	Endpoint string

	// ClientID and ClientSecret authenticate this resource server to the
	// introspection endpoint.
	ClientID     string
	ClientSecret string

	// TokenURL, when set, obtains a client-credentials access token and
	// authenticates introspection calls with it instead of Basic auth.
	TokenURL string

	// Scopes requested for the client-credentials token.
	Scopes []string

	// CacheTTL bounds how long positive introspection results are reused.
	// Default: 1 minute. Negative disables caching.
	CacheTTL time.Duration
}

// Config configures a Validator.
type Config struct {
	// Issuer is the expected iss claim and the base of the JWKS URL.
	Issuer string

	// JWKSURL is the issuer's JWKS endpoint. Empty disables local JWT
	// validation (all tokens go through introspection).
	JWKSURL string

	// Audience is the expected aud claim. Empty skips the audience check.
	Audience string

	// ValidMethods restricts accepted signing algorithms. Defaults to the
	// asymmetric allow-list.
	ValidMethods []string

	// Introspection configures the opaque-token fallback.
	Introspection IntrospectionConfig

	// HTTPClient is used for introspection calls. Default: 10s timeout.
	HTTPClient *http.Client

	// Logger for structured logging (optional, uses slog.Default if nil)
	Logger *slog.Logger

	// Instrumentation enables validation metrics (optional).
	Instrumentation *instrumentation.Instrumentation
}

// Validator validates raw tokens into Principals. Safe for concurrent use.
type Validator struct {
	config  Config
	logger  *slog.Logger
	jwks    keyfunc.Keyfunc
	client  *http.Client
	metrics *instrumentation.Metrics

	mu    sync.Mutex
	cache map[string]cachedResult
}

type cachedResult struct {
	principal *Principal
	expires   time.Time
}

// NewValidator creates a token validator. When JWKSURL is set, the issuer's
// key set is fetched eagerly and refreshed in the background; the given
// context bounds the initial fetch and the refresh goroutine.
func NewValidator(ctx context.Context, config Config) (*Validator, error) {
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if config.JWKSURL == "" && config.Introspection.Endpoint == "" {
		return nil, fmt.Errorf("either a JWKS URL or an introspection endpoint is required")
	}
	if len(config.ValidMethods) == 0 {
		config.ValidMethods = defaultValidMethods
	}
	if config.Introspection.CacheTTL == 0 {
		config.Introspection.CacheTTL = time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	v := &Validator{
		config: config,
		logger: logger,
		cache:  map[string]cachedResult{},
	}
	if config.Instrumentation != nil {
		v.metrics = config.Instrumentation.Metrics()
	}

	if config.JWKSURL != "" {
		jwks, err := keyfunc.NewDefaultCtx(ctx, []string{config.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", config.JWKSURL, err)
		}
		v.jwks = jwks
	}

	v.client = config.HTTPClient
	if v.client == nil {
		v.client = &http.Client{Timeout: 10 * time.Second}
	}
	if config.Introspection.TokenURL != "" {
		// Client-credentials transport: introspection calls carry our own
		// access token instead of Basic credentials.
		cc := clientcredentials.Config{
			ClientID:     config.Introspection.ClientID,
			ClientSecret: config.Introspection.ClientSecret,
			TokenURL:     config.Introspection.TokenURL,
			Scopes:       config.Introspection.Scopes,
		}
		v.client = cc.Client(ctx)
	}

	return v, nil
}

// Validate validates a raw token and returns its principal. Compact JWTs
// are validated locally against the issuer JWKS; anything else falls back
// to introspection when configured.
func (v *Validator) Validate(ctx context.Context, raw string) (*Principal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrMissingToken
	}
	start := time.Now()
	if v.jwks != nil && strings.Count(raw, ".") == 2 {
		p, err := v.validateJWT(raw)
		v.record(ctx, "jwt", start, err)
		return p, err
	}
	if v.config.Introspection.Endpoint != "" {
		p, err := v.introspect(ctx, raw)
		v.record(ctx, "introspection", start, err)
		return p, err
	}
	return nil, fmt.Errorf("%w: token is opaque and introspection is not configured", ErrInvalidToken)
}

func (v *Validator) record(ctx context.Context, method string, start time.Time, err error) {
	if v.metrics == nil {
		return
	}
	result := "valid"
	if err != nil {
		result = "invalid"
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("result", result),
	)
	v.metrics.TokenValidationsTotal.Add(ctx, 1, attrs)
	v.metrics.TokenValidationDuration.Record(ctx,
		float64(time.Since(start).Microseconds())/1000.0, attrs)
}

func (v *Validator) validateJWT(raw string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.config.ValidMethods),
		jwt.WithIssuer(v.config.Issuer),
		jwt.WithExpirationRequired(),
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}

	parsed, err := jwt.Parse(raw, v.jwks.Keyfunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return principalFromClaims(map[string]any(claims)), nil
}

// introspectionResponse is the RFC 7662 response shape.
type introspectionResponse struct {
	Active   bool         `json:"active"`
	Subject  string       `json:"sub"`
	ClientID string       `json:"client_id"`
	TokenID  string       `json:"jti"`
	Scope    string       `json:"scope"`
	Exp      int64        `json:"exp"`
	Cnf      Confirmation `json:"cnf"`
}

func (v *Validator) introspect(ctx context.Context, raw string) (*Principal, error) {
	key := cacheKey(raw)
	if p := v.cached(key); p != nil {
		return p, nil
	}

	form := url.Values{"token": {raw}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.config.Introspection.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if v.config.Introspection.TokenURL == "" && v.config.Introspection.ClientID != "" {
		req.SetBasicAuth(v.config.Introspection.ClientID, v.config.Introspection.ClientSecret)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint returned status %d", resp.StatusCode)
	}
	var ir introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("failed to decode introspection response: %w", err)
	}
	if !ir.Active {
		return nil, ErrInactiveToken
	}

	p := &Principal{
		Subject:      ir.Subject,
		ClientID:     ir.ClientID,
		TokenID:      ir.TokenID,
		Scopes:       parseScopes(ir.Scope),
		Confirmation: ir.Cnf,
	}
	if ir.Exp > 0 {
		p.ExpiresAt = time.Unix(ir.Exp, 0)
		if !p.ExpiresAt.After(time.Now()) {
			return nil, ErrExpiredToken
		}
	}

	v.store(key, p)
	return p, nil
}

func (v *Validator) cached(key string) *Principal {
	if v.config.Introspection.CacheTTL < 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.cache[key]; ok && c.expires.After(time.Now()) {
		return c.principal
	}
	delete(v.cache, key)
	return nil
}

func (v *Validator) store(key string, p *Principal) {
	if v.config.Introspection.CacheTTL < 0 {
		return
	}
	ttl := v.config.Introspection.CacheTTL
	if !p.ExpiresAt.IsZero() && time.Until(p.ExpiresAt) < ttl {
		ttl = time.Until(p.ExpiresAt)
	}
	v.mu.Lock()
	v.cache[key] = cachedResult{principal: p, expires: time.Now().Add(ttl)}
	v.mu.Unlock()
}

// cacheKey hashes the token so raw credentials never sit in the cache map.
func cacheKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func principalFromClaims(claims map[string]any) *Principal {
	p := &Principal{Claims: claims}
	if sub, ok := claims["sub"].(string); ok {
		p.Subject = sub
	}
	if cid, ok := claims["client_id"].(string); ok {
		p.ClientID = cid
	} else if azp, ok := claims["azp"].(string); ok {
		p.ClientID = azp
	}
	if jti, ok := claims["jti"].(string); ok {
		p.TokenID = jti
	}
	if scope, ok := claims["scope"].(string); ok {
		p.Scopes = parseScopes(scope)
	}
	if exp, ok := claims["exp"].(float64); ok {
		p.ExpiresAt = time.Unix(int64(exp), 0)
	}
	if cnf, ok := claims["cnf"].(map[string]any); ok {
		if jkt, ok := cnf["jkt"].(string); ok {
			p.Confirmation.JKT = jkt
		}
	}
	return p
}

func parseScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
