package oauth

import (
	"context"
	"net/http"
	"net/url"
)

// EndpointType classifies the endpoint an exchange is addressed to.
type EndpointType int

const (
	EndpointUnknown EndpointType = iota
	EndpointAuthorization
	EndpointToken
	EndpointIntrospection
	EndpointRevocation
	EndpointUserinfo
	EndpointDevice
)

// String returns the endpoint name for logging and metrics.
func (e EndpointType) String() string {
	switch e {
	case EndpointAuthorization:
		return "authorization"
	case EndpointToken:
		return "token"
	case EndpointIntrospection:
		return "introspection"
	case EndpointRevocation:
		return "revocation"
	case EndpointUserinfo:
		return "userinfo"
	case EndpointDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Parameters is a bag of protocol parameters (query string, form body or
// response body), keyed by parameter name. Values preserve multiplicity so
// duplicate-parameter attacks stay detectable.
type Parameters map[string][]string

// Get returns the first value for the named parameter, or "".
func (p Parameters) Get(name string) string {
	if v := p[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns all values for the named parameter.
func (p Parameters) Values(name string) []string { return p[name] }

// Has reports whether the named parameter is present.
func (p Parameters) Has(name string) bool { return len(p[name]) > 0 }

// Set replaces the values of the named parameter.
func (p Parameters) Set(name, value string) { p[name] = []string{value} }

// Add appends a value to the named parameter.
func (p Parameters) Add(name, value string) { p[name] = append(p[name], value) }

// Del removes the named parameter.
func (p Parameters) Del(name string) { delete(p, name) }

// Well-known transaction property keys. Properties carry values attached by
// one handler for consumption by later handlers in the same exchange.
const (
	// PropertyHTU is the request's absolute URI with query and fragment
	// stripped, as compared against the DPoP htu claim.
	PropertyHTU = "dpop.htu"

	// PropertyDPoPProof is the verified compact DPoP proof.
	PropertyDPoPProof = "dpop.proof"

	// PropertyDPoPThumbprint is the base64url JWK SHA-256 thumbprint of the
	// proof's embedded key (the jkt confirmation value).
	PropertyDPoPThumbprint = "dpop.jkt"

	// PropertyRequestID is the correlation ID assigned to the exchange.
	PropertyRequestID = "request.id"

	// PropertyClientID is the authenticated client identifier.
	PropertyClientID = "client.id"
)

// Transaction is the per-exchange state container threaded through the
// pipeline. One Transaction is created per inbound exchange, exclusively
// owned by the task processing that exchange, and discarded at its end.
// Contexts are typed views over a Transaction and never outlive it.
type Transaction struct {
	// Request holds the inbound protocol parameters (query + form).
	Request Parameters

	// Response holds the outbound protocol parameters (body fields).
	Response Parameters

	// Endpoint is the classification of the addressed endpoint.
	Endpoint EndpointType

	// Method is the HTTP method of the inbound request, host-supplied.
	Method string

	// BaseURI is the absolute base URI of the server (scheme + host).
	BaseURI *url.URL

	// RequestURI is the absolute URI of the inbound request.
	RequestURI *url.URL

	// Header holds the raw inbound protocol headers (Authorization, DPoP).
	Header http.Header

	// ResponseHeader collects headers to be written back by the host
	// (WWW-Authenticate, DPoP-Nonce, cache directives).
	ResponseHeader http.Header

	// ResponseStatus is the HTTP status the host should write. Zero means
	// no handler has decided yet.
	ResponseStatus int

	// Options is the immutable configuration snapshot for this exchange.
	Options *Options

	ctx        context.Context
	properties map[string]any
}

// NewTransaction creates a Transaction for one inbound exchange. The given
// context is the exchange's cancellation signal; handlers performing I/O
// must observe it.
func NewTransaction(ctx context.Context, opts *Options) *Transaction {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Transaction{
		Request:        Parameters{},
		Response:       Parameters{},
		Header:         http.Header{},
		ResponseHeader: http.Header{},
		Options:        opts,
		ctx:            ctx,
		properties:     map[string]any{},
	}
}

// Context returns the cancellation signal for this exchange.
func (t *Transaction) Context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// SetProperty attaches a cross-handler value to the exchange.
func (t *Transaction) SetProperty(key string, value any) {
	if t.properties == nil {
		t.properties = map[string]any{}
	}
	t.properties[key] = value
}

// Property returns a previously attached value, or nil.
func (t *Transaction) Property(key string) any {
	return t.properties[key]
}

// StringProperty returns a previously attached string value, or "".
func (t *Transaction) StringProperty(key string) string {
	s, _ := t.properties[key].(string)
	return s
}
