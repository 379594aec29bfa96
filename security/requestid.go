package security

import (
	"regexp"

	"github.com/google/uuid"
)

// RequestIDHeader is the HTTP header request IDs travel in.
const RequestIDHeader = "X-Request-ID"

// requestIDPattern validates upstream request IDs to prevent header
// injection. Allows alphanumeric, hyphens, underscores (1-128 chars),
// which covers the formats common proxies emit.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// GenerateRequestID returns a fresh random request ID used to correlate an
// exchange across logs, traces and audit records.
func GenerateRequestID() string {
	return uuid.NewString()
}

// ValidRequestID reports whether an upstream-supplied request ID is safe to
// propagate: no CRLF injection, bounded length.
func ValidRequestID(requestID string) bool {
	return requestIDPattern.MatchString(requestID)
}

// EnsureRequestID returns the upstream ID when it is safe to reuse, or a
// freshly generated one.
func EnsureRequestID(upstream string) string {
	if upstream != "" && ValidRequestID(upstream) {
		return upstream
	}
	return GenerateRequestID()
}
