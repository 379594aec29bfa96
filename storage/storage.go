// Package storage defines the abstract stores the pipeline consults during
// token validation and sign-in/sign-out processing. The core only calls
// these lookup/validate/revoke operations; persistence details belong to
// implementations (in-memory, Redis, databases).
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entry does not exist.
var ErrNotFound = errors.New("storage: entry not found")

// Entry statuses.
const (
	StatusValid    = "valid"
	StatusRevoked  = "revoked"
	StatusRedeemed = "redeemed"
)

// Token kinds tracked by the token entry store.
const (
	TokenTypeAccess            = "access_token"
	TokenTypeIdentity          = "id_token"
	TokenTypeAuthorizationCode = "authorization_code"
	TokenTypeDeviceCode        = "device_code"
	TokenTypeRefresh           = "refresh_token"
	TokenTypeUserCode          = "user_code"
)

// TokenEntry is the stored record of an issued token. The payload itself is
// opaque to the pipeline; only identity, status and expiry drive decisions.
type TokenEntry struct {
	// ID is the token's unique identifier (typically the jti claim).
	ID string

	// AuthorizationID links the token to the authorization it was issued
	// under, so revoking the authorization cascades.
	AuthorizationID string

	// Subject and ClientID identify who the token was issued to.
	Subject  string
	ClientID string

	// Type is one of the TokenType constants.
	Type string

	// Status is one of the Status constants.
	Status string

	// CreatedAt and ExpiresAt bound the token's validity window.
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuthorizationEntry is the stored record of a granted authorization.
type AuthorizationEntry struct {
	ID        string
	Subject   string
	ClientID  string
	Scopes    []string
	Status    string
	CreatedAt time.Time
}

// Client is a registered OAuth client as the pipeline needs it for client
// authentication.
type Client struct {
	// ID is the client identifier.
	ID string

	// SecretHash is the bcrypt hash of the client secret. Empty for public
	// clients.
	SecretHash []byte

	// AuthMethod is the client authentication method the client registered
	// for (client_secret_basic, client_secret_post or none).
	AuthMethod string
}

// TokenEntryStore persists issued-token records. All methods accept a
// context for tracing and cancellation.
type TokenEntryStore interface {
	// Save stores a token entry.
	Save(ctx context.Context, entry *TokenEntry) error

	// Get retrieves a token entry by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*TokenEntry, error)

	// Revoke marks the entry revoked. Revoking an unknown ID returns
	// ErrNotFound.
	Revoke(ctx context.Context, id string) error

	// DeleteExpired removes entries whose expiry has passed, returning the
	// number removed. Called by the host's background sweeper.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// AuthorizationStore persists authorization grants.
type AuthorizationStore interface {
	// Save stores an authorization entry.
	Save(ctx context.Context, entry *AuthorizationEntry) error

	// Get retrieves an authorization by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*AuthorizationEntry, error)

	// Revoke marks the authorization revoked.
	Revoke(ctx context.Context, id string) error
}

// ClientStore resolves registered clients for client authentication.
type ClientStore interface {
	// Get retrieves a client by ID, or ErrNotFound.
	Get(ctx context.Context, clientID string) (*Client, error)
}
