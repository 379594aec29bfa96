// Package oauth implements a host-agnostic OAuth 2.1 / OpenID Connect
// processing pipeline for authorization servers and resource servers.
//
// The package is built around three pieces:
//
//   - A per-request Transaction carrying the evolving protocol exchange
//     (request/response parameters, endpoint classification, request URIs,
//     cancellation) and typed stage contexts over it.
//   - A declarative handler registry and dispatcher: units of protocol logic
//     are described by immutable descriptors (stage, filters, order,
//     lifetime) and executed strictly in order for each stage of an
//     exchange.
//   - DPoP proof-of-possession validation (RFC 9449) with a server-side
//     nonce manager for proof replay protection.
//
// The core never reads or writes the wire directly. A host adapter (see the
// host subpackage for a net/http binding) constructs a Transaction from an
// inbound request, runs the stages through a Pipeline, and renders the
// outcome back to the caller.
package oauth
