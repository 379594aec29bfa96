package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// Challenge/sign-in/sign-out/error order keys.
const (
	OrderSelectChallengeScheme = 100
	OrderAttachNonceHeader     = 200
	OrderAttachChallengeHeader = 300

	OrderEnsurePrincipal      = 100
	OrderAttachTokenType      = 200
	OrderPersistAuthorization = 300

	OrderRevokeToken     = 100
	OrderCompleteSignOut = 200

	OrderMapErrorStatus        = 100
	OrderRenderErrorParameters = 200

	// OrderAttachCacheHeaders runs last in every stage (StageAny).
	OrderAttachCacheHeaders = 900
)

// NonceSource hands out the server's current nonce for response headers.
// Satisfied by *nonce.Manager.
type NonceSource interface {
	GetLatestNonce() string
}

// DPoPNonceHeader is the response header clients read their next nonce
// from (RFC 9449 section 8.2).
const DPoPNonceHeader = "DPoP-Nonce"

// handleSelectChallengeScheme picks the WWW-Authenticate scheme for the
// recorded rejection, or defaults the rejection to missing_token when the
// challenge was raised without one.
func handleSelectChallengeScheme(c Context) error {
	cc, ok := c.(*ProcessChallengeContext)
	if !ok {
		return fmt.Errorf("challenge: handler requires a ProcessChallengeContext, got %T", c)
	}
	if !cc.IsRejected() {
		cc.Reject(ErrorCodeMissingToken, "authentication is required", "")
	}
	tx := cc.Transaction()
	usedDPoP := tx.Options.RequireDPoP || tx.StringProperty(PropertyDPoPThumbprint) != "" ||
		tx.Header.Get("DPoP") != ""
	cc.Scheme = ChallengeSchemeForError(cc.Error, tx.Endpoint, usedDPoP)
	return nil
}

// nonceHeaderHandler attaches the server's latest nonce so the client can
// build its next proof. Issuance is rate limited per client to keep nonce
// probing cheap to absorb.
type nonceHeaderHandler struct {
	nonces  NonceSource
	limiter *security.Limiter
}

func (h *nonceHeaderHandler) Handle(c Context) error {
	tx := c.Transaction()
	if h.limiter != nil {
		id := tx.StringProperty(PropertyClientID)
		if id == "" {
			id = tx.StringProperty(PropertyRequestID)
		}
		if !h.limiter.Allow(id) {
			return nil
		}
	}
	if n := h.nonces.GetLatestNonce(); n != "" {
		tx.ResponseHeader.Set(DPoPNonceHeader, n)
	}
	return nil
}

// handleAttachChallengeHeader renders the WWW-Authenticate header and maps
// the rejection to its status code. It runs even for rejected contexts:
// rendering is housekeeping, not stage-specific work.
func handleAttachChallengeHeader(c Context) error {
	cc, ok := c.(*ProcessChallengeContext)
	if !ok {
		return fmt.Errorf("challenge: handler requires a ProcessChallengeContext, got %T", c)
	}
	tx := cc.Transaction()

	var b strings.Builder
	b.WriteString(cc.Scheme)
	if cc.Error != "" {
		fmt.Fprintf(&b, " error=%q", cc.Error)
		if cc.ErrorDescription != "" {
			fmt.Fprintf(&b, ", error_description=%q", cc.ErrorDescription)
		}
		if cc.ErrorURI != "" {
			fmt.Fprintf(&b, ", error_uri=%q", cc.ErrorURI)
		}
	}
	tx.ResponseHeader.Set("WWW-Authenticate", b.String())
	tx.ResponseStatus = statusFor(tx, cc.Error)
	return nil
}

// statusFor applies the stack-specific error-to-status mapping.
func statusFor(tx *Transaction, code string) int {
	if tx.Options.Mode == ModeAuthorizationServer {
		return StatusForServerError(code)
	}
	return StatusForError(code)
}

// handleEnsurePrincipal guards the sign-in stage: reaching it without a
// principal is a programming fault in the host integration.
func handleEnsurePrincipal(c Context) error {
	sc, ok := c.(*ProcessSignInContext)
	if !ok {
		return fmt.Errorf("sign-in: handler requires a ProcessSignInContext, got %T", c)
	}
	if sc.Principal == nil {
		return fmt.Errorf("sign-in: no principal was attached to the context")
	}
	return nil
}

// handleAttachTokenType records whether the issued token is DPoP-bound.
func handleAttachTokenType(c Context) error {
	sc := c.(*ProcessSignInContext)
	tx := sc.Transaction()
	tokenType := ChallengeSchemeBearer
	if sc.Principal.Confirmation.JKT != "" || tx.StringProperty(PropertyDPoPThumbprint) != "" {
		tokenType = ChallengeSchemeDPoP
	}
	tx.Response.Set("token_type", tokenType)
	return nil
}

// authorizationPersistenceHandler records the granted authorization so
// later exchanges can revoke it.
type authorizationPersistenceHandler struct {
	authorizations storage.AuthorizationStore
}

func (h *authorizationPersistenceHandler) Handle(c Context) error {
	sc := c.(*ProcessSignInContext)
	tx := sc.Transaction()

	entry := &storage.AuthorizationEntry{
		ID:        uuid.NewString(),
		Subject:   sc.Principal.Subject,
		ClientID:  tx.StringProperty(PropertyClientID),
		Scopes:    sc.Principal.Scopes,
		Status:    storage.StatusValid,
		CreatedAt: time.Now(),
	}
	if err := h.authorizations.Save(tx.Context(), entry); err != nil {
		return fmt.Errorf("sign-in: failed to persist authorization: %w", err)
	}
	tx.Response.Set("authorization_id", entry.ID)
	return nil
}

// tokenRevocationHandler revokes the token named in the sign-out request.
// Revoking an unknown token succeeds: per RFC 7009 the client must not
// learn whether the token existed.
type tokenRevocationHandler struct {
	entries storage.TokenEntryStore
}

func (h *tokenRevocationHandler) Handle(c Context) error {
	tx := c.Transaction()
	raw := tx.Request.Get("token")
	if raw == "" {
		return nil
	}
	if err := h.entries.Revoke(tx.Context(), raw); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("sign-out: failed to revoke token: %w", err)
	}
	return nil
}

// handleCompleteSignOut finalizes the sign-out response.
func handleCompleteSignOut(c Context) error {
	tx := c.Transaction()
	if tx.ResponseStatus == 0 {
		tx.ResponseStatus = http.StatusOK
	}
	c.HandleRequest()
	return nil
}

// handleMapErrorStatus maps the rejection to its status code; an error
// context raised without a rejection renders server_error.
func handleMapErrorStatus(c Context) error {
	ec, ok := c.(*ProcessErrorContext)
	if !ok {
		return fmt.Errorf("process error: handler requires a ProcessErrorContext, got %T", c)
	}
	if !ec.IsRejected() {
		ec.Reject(ErrorCodeServerError, "an internal error occurred while processing the request", "")
	}
	ec.Transaction().ResponseStatus = statusFor(ec.Transaction(), ec.Error)
	return nil
}

// handleRenderErrorParameters copies the rejection triple into the
// response body parameters and marks the request handled so later
// rendering passes never double-write.
func handleRenderErrorParameters(c Context) error {
	ec := c.(*ProcessErrorContext)
	tx := ec.Transaction()

	tx.Response.Set("error", ec.Error)
	if ec.ErrorDescription != "" {
		tx.Response.Set("error_description", ec.ErrorDescription)
	}
	if ec.ErrorURI != "" {
		tx.Response.Set("error_uri", ec.ErrorURI)
	}
	ec.HandleRequest()
	return nil
}

// handleAttachCacheHeaders keeps token-bearing responses out of caches.
// Registered for every stage; runs last.
func handleAttachCacheHeaders(c Context) error {
	tx := c.Transaction()
	tx.ResponseHeader.Set("Cache-Control", "no-store")
	tx.ResponseHeader.Set("Pragma", "no-cache")
	return nil
}

// responseDescriptors is the built-in challenge/sign-in/sign-out/error
// handler set.
func responseDescriptors(cfg PipelineConfig) []Descriptor {
	ds := []Descriptor{
		NewDescriptor(StageChallenge).
			Named("select-challenge-scheme").
			UseFunc(handleSelectChallengeScheme).
			SetOrder(OrderSelectChallengeScheme).
			AsBuiltIn().
			MustBuild(),
		NewDescriptor(StageChallenge).
			Named("attach-challenge-header").
			UseFunc(handleAttachChallengeHeader).
			SetOrder(OrderAttachChallengeHeader).
			AsBuiltIn().
			MustBuild(),
		NewDescriptor(StageSignIn).
			Named("ensure-principal").
			UseFunc(handleEnsurePrincipal).
			SetOrder(OrderEnsurePrincipal).
			AsBuiltIn().
			MustBuild(),
		NewDescriptor(StageSignIn).
			Named("attach-token-type").
			UseFunc(handleAttachTokenType).
			AddFilter(FilterNotRejected).
			SetOrder(OrderAttachTokenType).
			AsBuiltIn().
			MustBuild(),
		NewDescriptor(StageSignOut).
			Named("complete-sign-out").
			UseFunc(handleCompleteSignOut).
			AddFilter(FilterNotRejected).
			SetOrder(OrderCompleteSignOut).
			AsBuiltIn().
			MustBuild(),
		NewDescriptor(StageProcessError).
			Named("map-error-status").
			UseFunc(handleMapErrorStatus).
			SetOrder(OrderMapErrorStatus).
			AsBuiltIn().
			MustBuild(),
		NewDescriptor(StageProcessError).
			Named("render-error-parameters").
			UseFunc(handleRenderErrorParameters).
			SetOrder(OrderRenderErrorParameters).
			AsBuiltIn().
			MustBuild(),
		NewDescriptor(StageAny).
			Named("attach-cache-headers").
			UseFunc(handleAttachCacheHeaders).
			SetOrder(OrderAttachCacheHeaders).
			AsBuiltIn().
			MustBuild(),
	}

	if cfg.Nonces != nil {
		ds = append(ds, NewDescriptor(StageChallenge).
			Named("attach-nonce-header").
			Use(&nonceHeaderHandler{nonces: cfg.Nonces, limiter: cfg.ChallengeLimiter}).
			SetOrder(OrderAttachNonceHeader).
			AsBuiltIn().
			MustBuild())
	}
	if cfg.Authorizations != nil {
		ds = append(ds, NewDescriptor(StageSignIn).
			Named("persist-authorization").
			Use(&authorizationPersistenceHandler{authorizations: cfg.Authorizations}).
			AddFilter(FilterNotRejected).
			SetOrder(OrderPersistAuthorization).
			AsBuiltIn().
			MustBuild())
	}
	if cfg.TokenEntries != nil {
		ds = append(ds, NewDescriptor(StageSignOut).
			Named("revoke-token").
			Use(&tokenRevocationHandler{entries: cfg.TokenEntries}).
			AddFilter(FilterNotRejected).
			SetOrder(OrderRevokeToken).
			AsBuiltIn().
			MustBuild())
	}
	return ds
}
