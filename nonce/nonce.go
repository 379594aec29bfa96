// Package nonce implements the server-side store of short-lived,
// high-entropy replay-protection nonces used as the DPoP nonce claim
// (RFC 9449 section 8).
//
// The manager is the one piece of shared mutable state touched by every
// concurrent request task plus the background refresher, so all operations
// are internally synchronized; callers never hold external locks. Entries
// are kept in insertion order, which is also expiration order since every
// nonce is minted with the same fixed lifetime.
package nonce

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/giantswarm/oauth-core/instrumentation"
)

const (
	// Length is the length of generated nonce values.
	Length = 24

	// alphabet is the unreserved URI character set (RFC 3986 section 2.3)
	// nonces are drawn from, so values are safe in headers and URLs.
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

	// DefaultTTL is the lifetime assigned to minted nonces.
	DefaultTTL = 10 * time.Minute

	// DefaultRefreshInterval is the cadence the background refresher mints
	// a fresh nonce and sweeps expired ones on.
	DefaultRefreshInterval = 2 * time.Minute
)

// entry is one stored nonce with its absolute expiration.
type entry struct {
	value     string
	expiresAt time.Time
}

// Manager mints, stores, validates and expires replay-protection nonces.
// All methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	entries []entry // FIFO, oldest first

	ttl     time.Duration
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTTL overrides the nonce lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithInstrumentation enables metric recording.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(m *Manager) {
		if inst != nil {
			m.metrics = inst.Metrics()
		}
	}
}

// withNow overrides the time source. Tests only.
func withNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a nonce manager with the default 10-minute TTL.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		ttl:    DefaultTTL,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateAndAddNonce mints a fresh 24-character nonce, assigns it the
// configured lifetime and appends it to the store.
func (m *Manager) GenerateAndAddNonce() {
	value, err := generate()
	if err != nil {
		// crypto/rand failure means the platform RNG is broken; there is no
		// secure way to continue issuing replay protection.
		panic(fmt.Sprintf("nonce: crypto/rand failed: %v", err))
	}
	m.AddNonce(value, m.now().Add(m.ttl))
	m.count(func(mm *instrumentation.Metrics, ctx context.Context) {
		mm.NoncesMinted.Add(ctx, 1)
	})
}

// AddNonce appends an externally supplied nonce/expiry pair.
func (m *Manager) AddNonce(value string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{value: value, expiresAt: expiresAt})
}

// ValidateNonce reports whether a stored entry with the exact value exists
// and its expiry is strictly in the future. Validation does not consume the
// entry: a nonce may validate multiple times until it expires, since the
// server advances nonces on its own refresh cadence rather than per proof.
func (m *Manager) ValidateNonce(value string) bool {
	now := m.now()

	m.mu.Lock()
	ok := false
	for i := range m.entries {
		if m.entries[i].value == value && m.entries[i].expiresAt.After(now) {
			ok = true
			break
		}
	}
	m.mu.Unlock()

	m.count(func(mm *instrumentation.Metrics, ctx context.Context) {
		mm.NonceValidations.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("valid", ok),
		))
	})
	return ok
}

// CleanExpiredNonces evicts all entries whose expiry has passed. Entries
// expire in insertion order, so eviction pops from the front until the
// first live entry. Safe to call concurrently with reads and idempotent.
func (m *Manager) CleanExpiredNonces() {
	now := m.now()

	m.mu.Lock()
	evicted := 0
	for evicted < len(m.entries) && !m.entries[evicted].expiresAt.After(now) {
		evicted++
	}
	if evicted > 0 {
		m.entries = append(m.entries[:0], m.entries[evicted:]...)
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.Debug("evicted expired nonces", "count", evicted)
		n := int64(evicted)
		m.count(func(mm *instrumentation.Metrics, ctx context.Context) {
			mm.NoncesExpired.Add(ctx, n)
		})
	}
}

// GetLatestNonce returns the most recently minted, still-unexpired nonce,
// or "" when none is live. Hosts hand it to clients in the DPoP-Nonce
// response header for use in their next proof.
func (m *Manager) GetLatestNonce() string {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].expiresAt.After(now) {
			return m.entries[i].value
		}
	}
	return ""
}

// Len returns the current number of stored entries, live or expired.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) count(record func(*instrumentation.Metrics, context.Context)) {
	if m.metrics != nil {
		record(m.metrics, context.Background())
	}
}

// generate draws Length characters uniformly from the unreserved alphabet
// using rejection sampling, so no character is biased.
func generate() (string, error) {
	const limit = byte(len(alphabet)) * (255 / byte(len(alphabet))) // largest multiple of 66 below 256

	out := make([]byte, 0, Length)
	buf := make([]byte, Length*2)
	for len(out) < Length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == Length {
				break
			}
		}
	}
	return string(out), nil
}
