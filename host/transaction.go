package host

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	oauth "github.com/giantswarm/oauth-core"
)

// maxFormSize bounds request bodies parsed into protocol parameters.
const maxFormSize = 1 << 20 // 1 MiB

// defaultEndpointPaths maps the conventional endpoint paths to their
// classifications. Hosts with different routing call MapEndpoint.
func defaultEndpointPaths() map[string]oauth.EndpointType {
	return map[string]oauth.EndpointType{
		"/authorize":         oauth.EndpointAuthorization,
		"/oauth/authorize":   oauth.EndpointAuthorization,
		"/token":             oauth.EndpointToken,
		"/oauth/token":       oauth.EndpointToken,
		"/introspect":        oauth.EndpointIntrospection,
		"/oauth/introspect":  oauth.EndpointIntrospection,
		"/revoke":            oauth.EndpointRevocation,
		"/oauth/revoke":      oauth.EndpointRevocation,
		"/userinfo":          oauth.EndpointUserinfo,
		"/device":            oauth.EndpointDevice,
		"/oauth/device_code": oauth.EndpointDevice,
	}
}

// classifyEndpoint resolves the endpoint type for a request path.
func (h *Host) classifyEndpoint(path string) oauth.EndpointType {
	if e, ok := h.endpoints[path]; ok {
		return e
	}
	return oauth.EndpointUnknown
}

// NewTransaction builds a pipeline Transaction from an inbound request.
// Query and form parameters merge into the request parameter bag; the
// request URI is reconstructed as an absolute URI from the Host header and
// TLS state (honoring X-Forwarded-Proto from a trusted proxy).
func (h *Host) NewTransaction(r *http.Request) (*oauth.Transaction, error) {
	tx := oauth.NewTransaction(r.Context(), h.pipeline.Options())
	tx.Method = r.Method
	tx.Endpoint = h.classifyEndpoint(r.URL.Path)
	tx.Header = r.Header.Clone()

	uri, err := absoluteRequestURI(r)
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	tx.RequestURI = uri

	for name, values := range r.URL.Query() {
		for _, v := range values {
			tx.Request.Add(name, v)
		}
	}
	if isFormRequest(r) {
		r.Body = http.MaxBytesReader(nil, r.Body, maxFormSize)
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("host: parsing form body: %w", err)
		}
		for name, values := range r.PostForm {
			for _, v := range values {
				tx.Request.Add(name, v)
			}
		}
	}
	return tx, nil
}

// absoluteRequestURI reconstructs the absolute URI the client addressed.
func absoluteRequestURI(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		return r.URL, nil
	}
	if r.Host == "" {
		return nil, fmt.Errorf("request carries no Host header")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" {
		scheme = "https"
	}
	uri := *r.URL
	uri.Scheme = scheme
	uri.Host = r.Host
	return &uri, nil
}

// isFormRequest reports whether the request body is a URL-encoded form.
func isFormRequest(r *http.Request) bool {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return false
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, _ := strings.Cut(ct, ";")
	return strings.TrimSpace(mediaType) == "application/x-www-form-urlencoded"
}
