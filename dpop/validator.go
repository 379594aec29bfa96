package dpop

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/giantswarm/oauth-core/instrumentation"
)

const (
	// TypeDPoP is the required typ header value of a proof JWT.
	TypeDPoP = "dpop+jwt"

	// maxProofSize caps accepted proofs to keep oversized payloads from
	// reaching the JOSE parser.
	maxProofSize = 8 * 1024
)

// NonceValidator checks a proof's nonce claim against the server's nonce
// store. Satisfied by *nonce.Manager.
type NonceValidator interface {
	ValidateNonce(value string) bool
}

// Config contains configuration for DPoP proof validation.
type Config struct {
	// RequireNonce makes a server-issued nonce claim mandatory. When set,
	// Nonces must be non-nil.
	RequireNonce bool

	// Nonces validates nonce claims against the server's store.
	Nonces NonceValidator

	// ClockSkew is the maximum allowed iat drift into the future.
	// Default: 60 seconds per RFC 9449.
	ClockSkew time.Duration

	// MaxProofAge is the maximum age of a proof (iat in the past).
	// Default: 60 seconds.
	MaxProofAge time.Duration

	// Logger for structured logging (optional, uses slog.Default if nil)
	Logger *slog.Logger

	// Instrumentation enables validation metrics (optional).
	Instrumentation *instrumentation.Instrumentation
}

// Proof is the transient result of one successful validation. It is derived
// per request and never persisted.
type Proof struct {
	// Token is the verified compact proof as presented.
	Token string

	// Method and URI are the verified htm/htu claims.
	Method string
	URI    string

	// ID is the proof's jti claim.
	ID string

	// Nonce is the proof's nonce claim, if any.
	Nonce string

	// IssuedAt is the proof's iat claim.
	IssuedAt time.Time

	// Key is the public key embedded in the jwk header.
	Key jwk.Key

	// Thumbprint is the base64url JWK SHA-256 thumbprint of Key, the jkt
	// value access tokens are bound to.
	Thumbprint string
}

// Validator validates DPoP proofs. Safe for concurrent use.
type Validator struct {
	config  Config
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewValidator creates a DPoP proof validator with RFC 9449 default
// freshness windows.
func NewValidator(config Config) *Validator {
	if config.ClockSkew == 0 {
		config.ClockSkew = 60 * time.Second
	}
	if config.MaxProofAge == 0 {
		config.MaxProofAge = 60 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{config: config, logger: logger}
	if config.Instrumentation != nil {
		v.metrics = config.Instrumentation.Metrics()
	}
	return v
}

// proofClaims is the payload shape of a proof JWT. Required claims are
// pointers so absence is distinguishable from zero values.
type proofClaims struct {
	HTM   *string `json:"htm"`
	HTU   *string `json:"htu"`
	IAT   *int64  `json:"iat"`
	JTI   *string `json:"jti"`
	Nonce string  `json:"nonce"`
}

// Validate checks one compact proof against the request's HTTP method and
// its absolute URI with query and fragment stripped. On success it returns
// the verified Proof; on failure it returns a *ProofError describing the
// refusal (reported to clients as invalid_dpop_proof).
//
// Claim checks run before the signature verification so malformed or
// replayed proofs never pay for asymmetric crypto.
func (v *Validator) Validate(proof, method, uri string) (*Proof, error) {
	p, err := v.validate(proof, method, uri)
	v.count(err)
	return p, err
}

func (v *Validator) validate(proof, method, uri string) (*Proof, error) {
	if proof == "" {
		return nil, errInvalid("proof is empty")
	}
	if len(proof) > maxProofSize {
		return nil, errInvalid("proof exceeds maximum size of %d bytes", maxProofSize)
	}

	msg, err := jws.Parse([]byte(proof))
	if err != nil {
		return nil, errInvalid("malformed JWS: %v", err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, errInvalid("proof must carry exactly one signature")
	}
	hdr := sigs[0].ProtectedHeaders()

	if hdr.Type() != TypeDPoP {
		return nil, errInvalid("typ header must be %q", TypeDPoP)
	}

	key := hdr.JWK()
	if key == nil {
		return nil, errInvalid("jwk header is required")
	}
	if key.KeyType() == jwa.OctetSeq {
		return nil, errInvalid("jwk header must hold an asymmetric key")
	}
	alg := hdr.Algorithm()
	if alg == "" || alg == jwa.NoSignature {
		return nil, errInvalid("unsupported alg %q", alg)
	}

	var claims proofClaims
	if err := json.Unmarshal(msg.Payload(), &claims); err != nil {
		return nil, errInvalid("malformed payload: %v", err)
	}
	if claims.HTM == nil {
		return nil, errInvalid("htm claim is required")
	}
	if claims.HTU == nil {
		return nil, errInvalid("htu claim is required")
	}
	if claims.IAT == nil {
		return nil, errInvalid("iat claim is required")
	}
	if claims.JTI == nil || *claims.JTI == "" {
		return nil, errInvalid("jti claim is required")
	}

	// htm is case-sensitive: "post" never matches "POST".
	if *claims.HTM != method {
		return nil, errInvalid("htm %q does not match request method %q", *claims.HTM, method)
	}

	proofHTU, err := NormalizeHTU(*claims.HTU)
	if err != nil {
		return nil, errInvalid("htu claim is not an absolute URI")
	}
	requestHTU, err := NormalizeHTU(uri)
	if err != nil {
		return nil, errInvalid("request URI is not an absolute URI")
	}
	if proofHTU != requestHTU {
		return nil, errInvalid("htu %q does not match request URI %q", proofHTU, requestHTU)
	}

	now := time.Now()
	issuedAt := time.Unix(*claims.IAT, 0)
	if *claims.IAT <= 0 {
		return nil, errInvalid("iat claim must be positive")
	}
	if v.config.MaxProofAge > 0 && now.Sub(issuedAt) > v.config.MaxProofAge {
		return nil, errInvalid("proof issued too long ago")
	}
	if v.config.ClockSkew > 0 && issuedAt.Sub(now) > v.config.ClockSkew {
		return nil, errInvalid("proof issued in the future")
	}

	if v.config.RequireNonce {
		if claims.Nonce == "" {
			return nil, errInvalid("nonce claim is required")
		}
		if v.config.Nonces == nil || !v.config.Nonces.ValidateNonce(claims.Nonce) {
			return nil, errInvalid("nonce is unknown or expired")
		}
	}

	// The proof is self-certifying: verify with the public form of the key
	// it carries. Binding to a trusted party happens later by comparing the
	// thumbprint against the token's cnf.jkt confirmation.
	pub, err := key.PublicKey()
	if err != nil {
		return nil, errInvalid("jwk header is not a usable public key: %v", err)
	}
	if _, err := jws.Verify([]byte(proof), jws.WithKey(alg, pub)); err != nil {
		return nil, errInvalid("signature verification failed")
	}

	tp, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, errInvalid("cannot compute key thumbprint: %v", err)
	}

	return &Proof{
		Token:      proof,
		Method:     *claims.HTM,
		URI:        requestHTU,
		ID:         *claims.JTI,
		Nonce:      claims.Nonce,
		IssuedAt:   issuedAt,
		Key:        pub,
		Thumbprint: base64.RawURLEncoding.EncodeToString(tp),
	}, nil
}

// NormalizeHTU normalizes an htu value for comparison: the URI must be
// absolute; query and fragment are stripped and scheme/host lowered per
// RFC 3986.
func NormalizeHTU(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() || u.Host == "" {
		return "", errInvalid("URI %q is not absolute", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}

func (v *Validator) count(err error) {
	if v.metrics == nil {
		return
	}
	result := "valid"
	if err != nil {
		result = "invalid"
	}
	v.metrics.DPoPValidationsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}
