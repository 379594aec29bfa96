package dpop

import "fmt"

// ProofError describes why a DPoP proof was refused. Every proof failure is
// reported to the remote client with the invalid_dpop_proof error code; the
// Description carries the specific reason.
type ProofError struct {
	Description string
}

// Error implements the error interface.
func (e *ProofError) Error() string {
	return "invalid DPoP proof: " + e.Description
}

func errInvalid(format string, args ...any) *ProofError {
	return &ProofError{Description: fmt.Sprintf(format, args...)}
}
