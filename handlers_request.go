package oauth

import (
	"fmt"
	"strings"

	"github.com/giantswarm/oauth-core/security"
)

// Built-in handler order keys. Orders are scoped per stage; lower runs
// first and registration order breaks ties.
const (
	OrderResolveRequestURI = 100
	OrderValidateTransport = 200
	OrderAttachRequestID   = 300
)

// Common activation filters.

// FilterNotRejected gates stage-specific work so it stops once the context
// is rejected. Housekeeping handlers omit it and keep running.
func FilterNotRejected(c Context) bool { return !c.IsRejected() }

// FilterEndpoint passes only for the listed endpoint types.
func FilterEndpoint(types ...EndpointType) Filter {
	return func(c Context) bool {
		for _, t := range types {
			if c.Transaction().Endpoint == t {
				return true
			}
		}
		return false
	}
}

// handleResolveRequestURI checks the host supplied an absolute request URI
// and method, derives the base URI, and records the htu comparison form
// (absolute URI, query and fragment stripped). A missing URI is a host
// integration fault, not a protocol rejection.
func handleResolveRequestURI(c Context) error {
	tx := c.Transaction()
	if tx.Method == "" {
		return fmt.Errorf("process request: the host did not supply the HTTP method")
	}
	if tx.RequestURI == nil || !tx.RequestURI.IsAbs() || tx.RequestURI.Host == "" {
		return fmt.Errorf("process request: the host did not supply an absolute request URI")
	}

	if tx.BaseURI == nil {
		base := *tx.RequestURI
		base.Path = ""
		base.RawPath = ""
		base.RawQuery = ""
		base.Fragment = ""
		base.RawFragment = ""
		tx.BaseURI = &base
	}

	htu := *tx.RequestURI
	htu.RawQuery = ""
	htu.Fragment = ""
	htu.RawFragment = ""
	htu.Scheme = strings.ToLower(htu.Scheme)
	htu.Host = strings.ToLower(htu.Host)
	tx.SetProperty(PropertyHTU, htu.String())
	return nil
}

// handleValidateTransport rejects plaintext requests when the options
// require TLS.
func handleValidateTransport(c Context) error {
	tx := c.Transaction()
	if !tx.Options.RequireHTTPS {
		return nil
	}
	if tx.RequestURI.Scheme != "https" {
		c.Reject(ErrorCodeInvalidRequest, "this server only accepts HTTPS requests", "")
	}
	return nil
}

// handleAttachRequestID assigns (or safely propagates) the exchange's
// correlation ID.
func handleAttachRequestID(c Context) error {
	tx := c.Transaction()
	id := security.EnsureRequestID(tx.Header.Get(security.RequestIDHeader))
	tx.ResponseHeader.Set(security.RequestIDHeader, id)
	tx.SetProperty(PropertyRequestID, id)
	return nil
}

// processRequestDescriptors is the built-in intake handler set.
func processRequestDescriptors() []Descriptor {
	return []Descriptor{
		NewDescriptor(StageProcessRequest).
			Named("resolve-request-uri").
			UseFunc(handleResolveRequestURI).
			SetOrder(OrderResolveRequestURI).
			AsBuiltIn().
			MustBuild(),
		NewDescriptor(StageProcessRequest).
			Named("validate-transport").
			UseFunc(handleValidateTransport).
			AddFilter(FilterNotRejected).
			SetOrder(OrderValidateTransport).
			AsBuiltIn().
			MustBuild(),
		NewDescriptor(StageProcessRequest).
			Named("attach-request-id").
			UseFunc(handleAttachRequestID).
			SetOrder(OrderAttachRequestID).
			AsBuiltIn().
			MustBuild(),
	}
}
