// Package dpop validates DPoP proof JWTs (RFC 9449).
//
// A proof is self-certifying: the public key that verifies its signature
// travels in the proof's own jwk header parameter. Validation therefore
// runs all cheap claim checks (typ, htm, htu, iat freshness, nonce binding)
// before the asymmetric signature verification, so malformed or replayed
// proofs fail fast.
//
// The validator produces the verified proof plus the key's JWK SHA-256
// thumbprint (the jkt confirmation value), which callers use to bind issued
// access tokens to the client-held key.
package dpop
