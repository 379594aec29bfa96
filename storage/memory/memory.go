// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-core/storage"
)

// Store is an in-memory implementation of TokenEntryStore,
// AuthorizationStore and ClientStore. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	tokens         map[string]*storage.TokenEntry
	authorizations map[string]*storage.AuthorizationEntry
	clients        map[string]*storage.Client

	logger *slog.Logger
}

// New creates an empty in-memory store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		tokens:         map[string]*storage.TokenEntry{},
		authorizations: map[string]*storage.AuthorizationEntry{},
		clients:        map[string]*storage.Client{},
		logger:         logger,
	}
}

// Save implements storage.TokenEntryStore.
func (s *Store) Save(_ context.Context, entry *storage.TokenEntry) error {
	cp := *entry
	s.mu.Lock()
	s.tokens[entry.ID] = &cp
	s.mu.Unlock()
	return nil
}

// Get implements storage.TokenEntryStore.
func (s *Store) Get(_ context.Context, id string) (*storage.TokenEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

// Revoke implements storage.TokenEntryStore.
func (s *Store) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tokens[id]
	if !ok {
		return storage.ErrNotFound
	}
	entry.Status = storage.StatusRevoked
	return nil
}

// DeleteExpired implements storage.TokenEntryStore.
func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, entry := range s.tokens {
		if !entry.ExpiresAt.IsZero() && !entry.ExpiresAt.After(now) {
			delete(s.tokens, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("removed expired token entries", "count", removed)
	}
	return removed, nil
}

// Authorizations returns the store as a storage.AuthorizationStore. The
// authorization methods live on a view so one Store can serve every
// interface without method-name clashes.
func (s *Store) Authorizations() storage.AuthorizationStore {
	return authorizationView{s}
}

type authorizationView struct{ s *Store }

func (v authorizationView) Save(_ context.Context, entry *storage.AuthorizationEntry) error {
	cp := *entry
	v.s.mu.Lock()
	v.s.authorizations[entry.ID] = &cp
	v.s.mu.Unlock()
	return nil
}

func (v authorizationView) Get(_ context.Context, id string) (*storage.AuthorizationEntry, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	entry, ok := v.s.authorizations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (v authorizationView) Revoke(_ context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	entry, ok := v.s.authorizations[id]
	if !ok {
		return storage.ErrNotFound
	}
	entry.Status = storage.StatusRevoked
	return nil
}

// Clients returns the store as a storage.ClientStore.
func (s *Store) Clients() storage.ClientStore {
	return clientView{s}
}

type clientView struct{ s *Store }

func (v clientView) Get(_ context.Context, clientID string) (*storage.Client, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	client, ok := v.s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *client
	return &cp, nil
}

// RegisterClient hashes the secret with bcrypt and stores the client.
// Convenience for hosts and tests.
func (s *Store) RegisterClient(clientID, secret, authMethod string) error {
	var hash []byte
	if secret != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.clients[clientID] = &storage.Client{ID: clientID, SecretHash: hash, AuthMethod: authMethod}
	s.mu.Unlock()
	return nil
}
