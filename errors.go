package oauth

import (
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest     = "invalid_request"
	ErrorCodeInvalidGrant       = "invalid_grant"
	ErrorCodeInvalidClient      = "invalid_client"
	ErrorCodeInvalidScope       = "invalid_scope"
	ErrorCodeInvalidToken       = "invalid_token"
	ErrorCodeMissingToken       = "missing_token"
	ErrorCodeInvalidDPoPProof   = "invalid_dpop_proof"
	ErrorCodeInsufficientAccess = "insufficient_access"
	ErrorCodeInsufficientScope  = "insufficient_scope"
	ErrorCodeUnauthorizedClient = "unauthorized_client"
	ErrorCodeServerError        = "server_error"
	ErrorCodeAccessDenied       = "access_denied"
)

// Challenge schemes used in WWW-Authenticate headers
const (
	ChallengeSchemeBearer = "Bearer"
	ChallengeSchemeDPoP   = "DPoP"
	ChallengeSchemeBasic  = "Basic"
)

// Error represents an OAuth 2.0 protocol error. It is the payload of the
// context Reject protocol and is rendered to the remote client as a
// structured error response. It is distinct from dispatch failures, which
// indicate a misconfigured host integration and never reach the client.
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_dpop_proof")
	Description string // Human-readable error description
	URI         string // Optional documentation URI
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// StatusForError maps an OAuth error code to an HTTP status code for the
// resource-server/validation stack:
//
//	invalid_token, missing_token            -> 401
//	insufficient_access, insufficient_scope -> 403
//	server_error                            -> 500
//	everything else                         -> 400
func StatusForError(code string) int {
	switch code {
	case ErrorCodeInvalidToken, ErrorCodeMissingToken:
		return http.StatusUnauthorized
	case ErrorCodeInsufficientAccess, ErrorCodeInsufficientScope:
		return http.StatusForbidden
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// StatusForServerError maps an OAuth error code to an HTTP status code for
// the authorization-server stack. It extends the resource-server mapping
// with invalid_client -> 401, paired with a Basic challenge so clients
// retry with credentials.
func StatusForServerError(code string) int {
	if code == ErrorCodeInvalidClient {
		return http.StatusUnauthorized
	}
	return StatusForError(code)
}

// ChallengeSchemeForError picks the WWW-Authenticate challenge scheme for a
// rejection, given the endpoint the rejection occurred on and whether the
// request presented a DPoP-bound token. Userinfo-endpoint errors always use
// the Bearer scheme.
func ChallengeSchemeForError(code string, endpoint EndpointType, usedDPoP bool) string {
	if endpoint == EndpointUserinfo {
		return ChallengeSchemeBearer
	}
	if code == ErrorCodeInvalidClient {
		return ChallengeSchemeBasic
	}
	if usedDPoP {
		return ChallengeSchemeDPoP
	}
	return ChallengeSchemeBearer
}
