package host

import (
	"context"
	"encoding/json"
	"net/http"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/token"
)

type principalKey struct{}

// PrincipalFromContext returns the principal attached by Protect, or nil.
func PrincipalFromContext(ctx context.Context) *token.Principal {
	p, _ := ctx.Value(principalKey{}).(*token.Principal)
	return p
}

// WriteResult copies the transaction's response headers, status and body
// parameters to the ResponseWriter. Parameters render as a flat JSON
// object; multi-valued parameters render as arrays.
func WriteResult(w http.ResponseWriter, tx *oauth.Transaction) error {
	for name, values := range tx.ResponseHeader {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}

	status := tx.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	if len(tx.Response) == 0 {
		w.WriteHeader(status)
		return nil
	}

	body := make(map[string]any, len(tx.Response))
	for name, values := range tx.Response {
		if len(values) == 1 {
			body[name] = values[0]
		} else {
			body[name] = values
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

// Protect wraps a handler with the pipeline's intake and authentication
// stages. Rejections render an authentication challenge; faults render a
// generic error response; on success the validated principal is attached
// to the request context.
func (h *Host) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tx, err := h.NewTransaction(r)
		if err != nil {
			h.logger.Error("failed to build transaction", "error", err)
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}

		rc, err := h.pipeline.ProcessRequest(tx)
		if err != nil {
			h.fail(w, tx, err)
			return
		}
		if rc.IsRejected() {
			h.renderError(w, tx, rc.Rejection())
			return
		}
		if rc.IsRequestHandled() {
			h.write(w, tx)
			return
		}

		ac, err := h.pipeline.Authenticate(tx)
		if err != nil {
			h.fail(w, tx, err)
			return
		}
		if ac.IsRejected() {
			h.renderChallenge(w, tx, ac.Rejection())
			return
		}
		if ac.IsRequestHandled() {
			h.write(w, tx)
			return
		}

		if ac.AccessTokenPrincipal != nil {
			r = r.WithContext(context.WithValue(r.Context(), principalKey{}, ac.AccessTokenPrincipal))
		}
		next.ServeHTTP(w, r)
	})
}

// renderChallenge runs the challenge stage and writes the result.
func (h *Host) renderChallenge(w http.ResponseWriter, tx *oauth.Transaction, rejection *oauth.Error) {
	if _, err := h.pipeline.Challenge(tx, rejection); err != nil {
		h.fail(w, tx, err)
		return
	}
	if _, err := h.pipeline.ProcessError(tx, rejection); err != nil {
		h.fail(w, tx, err)
		return
	}
	h.write(w, tx)
}

// renderError runs the error stage and writes the result.
func (h *Host) renderError(w http.ResponseWriter, tx *oauth.Transaction, rejection *oauth.Error) {
	if _, err := h.pipeline.ProcessError(tx, rejection); err != nil {
		h.fail(w, tx, err)
		return
	}
	h.write(w, tx)
}

// fail handles dispatch failures: the exchange is aborted with an opaque
// server error, never with handler error details.
func (h *Host) fail(w http.ResponseWriter, tx *oauth.Transaction, err error) {
	h.logger.Error("pipeline dispatch failed",
		"endpoint", tx.Endpoint.String(),
		"error", err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             oauth.ErrorCodeServerError,
		"error_description": "an internal error occurred while processing the request",
	})
}

func (h *Host) write(w http.ResponseWriter, tx *oauth.Transaction) {
	if err := WriteResult(w, tx); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
