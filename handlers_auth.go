package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-core/dpop"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/token"
)

// Authentication-stage order keys.
const (
	OrderExtractAccessToken  = 100
	OrderRequireAccessToken  = 200
	OrderAuthenticateClient  = 300
	OrderValidateDPoPProof   = 400
	OrderValidateAccessToken = 500
	OrderValidateTokenEntry  = 600
	OrderValidateScopes      = 700
	OrderValidateDPoPBinding = 800
)

// DPoPValidator validates one compact DPoP proof against the request's
// method and htu form. Satisfied by *dpop.Validator.
type DPoPValidator interface {
	Validate(proof, method, uri string) (*dpop.Proof, error)
}

// TokenValidator resolves a raw token into its validated principal.
// Satisfied by *token.Validator.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*token.Principal, error)
}

// authContext asserts the stage context. Descriptors for StageAuthenticate
// only ever dispatch ProcessAuthenticationContext, so a mismatch is a
// programming fault.
func authContext(c Context) (*ProcessAuthenticationContext, error) {
	ac, ok := c.(*ProcessAuthenticationContext)
	if !ok {
		return nil, fmt.Errorf("authenticate: handler requires a ProcessAuthenticationContext, got %T", c)
	}
	return ac, nil
}

// handleExtractAccessToken pulls the access token out of the Authorization
// header. Unknown schemes are left alone for downstream host logic.
func handleExtractAccessToken(c Context) error {
	ac, err := authContext(c)
	if err != nil {
		return err
	}
	auth := ac.Transaction().Header.Get("Authorization")
	if auth == "" {
		return nil
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil
	}
	switch strings.ToLower(parts[0]) {
	case "bearer":
		ac.AccessToken = parts[1]
		ac.TokenScheme = ChallengeSchemeBearer
	case "dpop":
		ac.AccessToken = parts[1]
		ac.TokenScheme = ChallengeSchemeDPoP
	}
	return nil
}

// handleRequireAccessToken rejects exchanges whose context mandates an
// access token when extraction produced none.
func handleRequireAccessToken(c Context) error {
	ac, err := authContext(c)
	if err != nil {
		return err
	}
	if ac.AccessToken == "" {
		ac.Reject(ErrorCodeMissingToken, "an access token is required for this request", "")
	}
	return nil
}

// clientAuthenticationHandler authenticates confidential clients at
// token-accepting endpoints using the methods enabled in Options.
type clientAuthenticationHandler struct {
	clients storage.ClientStore
}

func (h *clientAuthenticationHandler) Handle(c Context) error {
	ac, err := authContext(c)
	if err != nil {
		return err
	}
	tx := ac.Transaction()

	clientID, secret, method := extractClientCredentials(tx)
	if clientID == "" {
		ac.Reject(ErrorCodeInvalidClient, "client authentication is required", "")
		return nil
	}
	if !tx.Options.clientAuthMethodEnabled(method) {
		ac.Reject(ErrorCodeInvalidClient,
			fmt.Sprintf("the %s client authentication method is not enabled", method), "")
		return nil
	}

	client, err := h.clients.Get(tx.Context(), clientID)
	if errors.Is(err, storage.ErrNotFound) {
		ac.Reject(ErrorCodeInvalidClient, "unknown client", "")
		return nil
	}
	if err != nil {
		return fmt.Errorf("authenticate: client lookup failed: %w", err)
	}

	if method != ClientAuthNone {
		if len(client.SecretHash) == 0 ||
			bcrypt.CompareHashAndPassword(client.SecretHash, []byte(secret)) != nil {
			ac.Reject(ErrorCodeInvalidClient, "invalid client credentials", "")
			return nil
		}
	} else if client.AuthMethod != ClientAuthNone {
		ac.Reject(ErrorCodeInvalidClient, "this client must authenticate with its secret", "")
		return nil
	}

	tx.SetProperty(PropertyClientID, clientID)
	return nil
}

// extractClientCredentials reads client credentials from the Basic
// Authorization header or from the form body, returning the method used.
func extractClientCredentials(tx *Transaction) (clientID, secret, method string) {
	auth := tx.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Basic ") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
		if err == nil {
			if id, pw, ok := strings.Cut(string(decoded), ":"); ok {
				return id, pw, ClientAuthSecretBasic
			}
		}
		return "", "", ClientAuthSecretBasic
	}
	if tx.Request.Has("client_secret") {
		return tx.Request.Get("client_id"), tx.Request.Get("client_secret"), ClientAuthSecretPost
	}
	return tx.Request.Get("client_id"), "", ClientAuthNone
}

// dpopProofHandler runs the DPoP proof state machine for the exchange.
type dpopProofHandler struct {
	validator DPoPValidator
}

func (h *dpopProofHandler) Handle(c Context) error {
	ac, err := authContext(c)
	if err != nil {
		return err
	}
	tx := ac.Transaction()

	proofs := tx.Header.Values("DPoP")
	switch {
	case len(proofs) == 0:
		// DPoP is optional unless the context mandates it.
		if tx.Options.RequireDPoP || ac.TokenScheme == ChallengeSchemeDPoP {
			ac.Reject(ErrorCodeInvalidDPoPProof, "a DPoP proof is required for this request", "")
		}
		return nil
	case len(proofs) > 1:
		ac.Reject(ErrorCodeInvalidRequest, "multiple DPoP headers are not allowed", "")
		return nil
	}

	htu := tx.StringProperty(PropertyHTU)
	if htu == "" {
		// The request URI must have been resolved upstream; its absence is
		// a broken host integration, never a client error.
		return fmt.Errorf("authenticate: request URI was not resolved before DPoP validation")
	}

	proof, err := h.validator.Validate(proofs[0], tx.Method, htu)
	if err != nil {
		var pe *dpop.ProofError
		if errors.As(err, &pe) {
			ac.Reject(ErrorCodeInvalidDPoPProof, pe.Description, "")
			return nil
		}
		return fmt.Errorf("authenticate: DPoP validation failed: %w", err)
	}

	ac.DPoPProof = proof.Token
	ac.DPoPThumbprint = proof.Thumbprint
	tx.SetProperty(PropertyDPoPProof, proof.Token)
	tx.SetProperty(PropertyDPoPThumbprint, proof.Thumbprint)
	return nil
}

// accessTokenValidationHandler validates the extracted access token and
// attaches the resulting principal.
type accessTokenValidationHandler struct {
	tokens TokenValidator
}

func (h *accessTokenValidationHandler) Handle(c Context) error {
	ac, err := authContext(c)
	if err != nil {
		return err
	}
	tx := ac.Transaction()

	principal, err := h.tokens.Validate(tx.Context(), ac.AccessToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrMissingToken),
			errors.Is(err, token.ErrInvalidToken),
			errors.Is(err, token.ErrExpiredToken),
			errors.Is(err, token.ErrInactiveToken):
			ac.Reject(ErrorCodeInvalidToken, "the access token is invalid or expired", "")
			return nil
		default:
			// Infrastructure failure (JWKS or introspection unreachable):
			// abort the exchange rather than blame the client.
			return fmt.Errorf("authenticate: token validation failed: %w", err)
		}
	}
	ac.AccessTokenPrincipal = principal
	return nil
}

// tokenEntryHandler checks the token's stored entry for revocation. Tokens
// without a local entry pass: not every deployment tracks reference
// entries.
type tokenEntryHandler struct {
	entries storage.TokenEntryStore
}

func (h *tokenEntryHandler) Handle(c Context) error {
	ac, err := authContext(c)
	if err != nil {
		return err
	}
	tx := ac.Transaction()

	entry, err := h.entries.Get(tx.Context(), ac.AccessTokenPrincipal.TokenID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("authenticate: token entry lookup failed: %w", err)
	}
	if entry.Status != storage.StatusValid {
		ac.Reject(ErrorCodeInvalidToken, "the access token has been revoked", "")
	}
	return nil
}

// handleValidateScopes rejects tokens missing a required scope.
func handleValidateScopes(c Context) error {
	ac, err := authContext(c)
	if err != nil {
		return err
	}
	for _, required := range ac.Transaction().Options.RequiredScopes {
		if !ac.AccessTokenPrincipal.HasScope(required) {
			ac.Reject(ErrorCodeInsufficientScope,
				fmt.Sprintf("the %q scope is required", required), "")
			return nil
		}
	}
	return nil
}

// handleValidateDPoPBinding compares the token's cnf.jkt confirmation with
// the thumbprint of the validated proof key, binding token to key.
func handleValidateDPoPBinding(c Context) error {
	ac, err := authContext(c)
	if err != nil {
		return err
	}
	jkt := ac.AccessTokenPrincipal.Confirmation.JKT
	if jkt == "" {
		if ac.Transaction().Options.RequireDPoP {
			ac.Reject(ErrorCodeInvalidToken, "the access token is not DPoP-bound", "")
		}
		return nil
	}
	if ac.DPoPThumbprint == "" {
		ac.Reject(ErrorCodeInvalidToken, "a DPoP-bound token requires a DPoP proof", "")
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(jkt), []byte(ac.DPoPThumbprint)) != 1 {
		ac.Reject(ErrorCodeInvalidToken, "the DPoP proof key does not match the token binding", "")
	}
	return nil
}

// Authentication intent filters. They read intents and prior handler
// results, so re-evaluation per handler is what makes the later handlers
// react to earlier extraction.

func filterExtractAccessToken(c Context) bool {
	ac, ok := c.(*ProcessAuthenticationContext)
	return ok && ac.ExtractAccessToken
}

func filterRequireAccessToken(c Context) bool {
	ac, ok := c.(*ProcessAuthenticationContext)
	return ok && ac.RequireAccessToken
}

func filterValidateAccessToken(c Context) bool {
	ac, ok := c.(*ProcessAuthenticationContext)
	return ok && ac.ValidateAccessToken && ac.AccessToken != ""
}

func filterAccessTokenPrincipal(c Context) bool {
	ac, ok := c.(*ProcessAuthenticationContext)
	return ok && ac.AccessTokenPrincipal != nil
}

func filterAccessTokenEntry(c Context) bool {
	ac, ok := c.(*ProcessAuthenticationContext)
	return ok && ac.AccessTokenPrincipal != nil && ac.AccessTokenPrincipal.TokenID != ""
}

// authenticationDescriptors is the built-in authentication handler set.
// Handlers needing collaborators are registered only when those are
// configured.
func authenticationDescriptors(cfg PipelineConfig) []Descriptor {
	ds := []Descriptor{
		NewDescriptor(StageAuthenticate).
			Named("extract-access-token").
			UseFunc(handleExtractAccessToken).
			AddFilter(FilterNotRejected).
			AddFilter(filterExtractAccessToken).
			SetOrder(OrderExtractAccessToken).
			AsBuiltIn().
			MustBuild(),
		NewDescriptor(StageAuthenticate).
			Named("require-access-token").
			UseFunc(handleRequireAccessToken).
			AddFilter(FilterNotRejected).
			AddFilter(filterRequireAccessToken).
			SetOrder(OrderRequireAccessToken).
			AsBuiltIn().
			MustBuild(),
	}

	if cfg.Clients != nil {
		ds = append(ds, NewDescriptor(StageAuthenticate).
			Named("authenticate-client").
			Use(&clientAuthenticationHandler{clients: cfg.Clients}).
			AddFilter(FilterNotRejected).
			AddFilter(FilterEndpoint(EndpointToken, EndpointIntrospection, EndpointRevocation, EndpointDevice)).
			SetOrder(OrderAuthenticateClient).
			AsBuiltIn().
			MustBuild())
	}
	if cfg.DPoP != nil {
		ds = append(ds, NewDescriptor(StageAuthenticate).
			Named("validate-dpop-proof").
			Use(&dpopProofHandler{validator: cfg.DPoP}).
			AddFilter(FilterNotRejected).
			SetOrder(OrderValidateDPoPProof).
			AsBuiltIn().
			MustBuild())
	}
	if cfg.Tokens != nil {
		ds = append(ds, NewDescriptor(StageAuthenticate).
			Named("validate-access-token").
			Use(&accessTokenValidationHandler{tokens: cfg.Tokens}).
			AddFilter(FilterNotRejected).
			AddFilter(filterValidateAccessToken).
			SetOrder(OrderValidateAccessToken).
			AsBuiltIn().
			MustBuild())
	}
	if cfg.TokenEntries != nil {
		ds = append(ds, NewDescriptor(StageAuthenticate).
			Named("validate-token-entry").
			Use(&tokenEntryHandler{entries: cfg.TokenEntries}).
			AddFilter(FilterNotRejected).
			AddFilter(filterAccessTokenEntry).
			SetOrder(OrderValidateTokenEntry).
			AsBuiltIn().
			MustBuild())
	}

	ds = append(ds,
		NewDescriptor(StageAuthenticate).
			Named("validate-scopes").
			UseFunc(handleValidateScopes).
			AddFilter(FilterNotRejected).
			AddFilter(filterAccessTokenPrincipal).
			SetOrder(OrderValidateScopes).
			AsBuiltIn().
			MustBuild(),
		NewDescriptor(StageAuthenticate).
			Named("validate-dpop-binding").
			UseFunc(handleValidateDPoPBinding).
			AddFilter(FilterNotRejected).
			AddFilter(filterAccessTokenPrincipal).
			SetOrder(OrderValidateDPoPBinding).
			AsBuiltIn().
			MustBuild(),
	)
	return ds
}
