// Package host adapts the transport-agnostic pipeline to net/http. It
// builds Transactions from inbound requests, writes pipeline outcomes back
// to the ResponseWriter, and runs the background tasks (nonce refresher,
// expired-entry sweeper) under one lifecycle.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/nonce"
	"github.com/giantswarm/oauth-core/storage"
)

// Config assembles the host around an existing pipeline.
type Config struct {
	// Pipeline is the assembled processing engine. Required.
	Pipeline *oauth.Pipeline

	// Nonces is refreshed in the background when set.
	Nonces *nonce.Manager

	// NonceRefreshInterval overrides the refresher cadence. Zero uses the
	// nonce package default.
	NonceRefreshInterval time.Duration

	// TokenEntries is swept for expired entries when set.
	TokenEntries storage.TokenEntryStore

	// SweepInterval is the cadence of the expired-entry sweeper. Zero
	// defaults to 5 minutes.
	SweepInterval time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Host runs the pipeline over net/http and owns its background tasks.
type Host struct {
	pipeline  *oauth.Pipeline
	nonces    *nonce.Manager
	refresher *nonce.Refresher
	entries   storage.TokenEntryStore
	sweepEach time.Duration
	logger    *slog.Logger

	endpoints map[string]oauth.EndpointType
}

// New creates a host for the given configuration.
func New(cfg Config) (*Host, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("host: pipeline is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sweepEach := cfg.SweepInterval
	if sweepEach <= 0 {
		sweepEach = 5 * time.Minute
	}

	h := &Host{
		pipeline:  cfg.Pipeline,
		nonces:    cfg.Nonces,
		entries:   cfg.TokenEntries,
		sweepEach: sweepEach,
		logger:    logger,
		endpoints: defaultEndpointPaths(),
	}
	if cfg.Nonces != nil {
		h.refresher = nonce.NewRefresher(cfg.Nonces, cfg.NonceRefreshInterval, logger)
	}
	return h, nil
}

// MapEndpoint overrides the path used to classify an endpoint type. Call
// before serving traffic.
func (h *Host) MapEndpoint(path string, endpoint oauth.EndpointType) {
	h.endpoints[path] = endpoint
}

// Run starts the host's background tasks and blocks until the context is
// cancelled, then waits for them to wind down. It returns the context
// error after a clean shutdown.
func (h *Host) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if h.refresher != nil {
		g.Go(func() error {
			return h.refresher.Run(ctx)
		})
	}
	if h.entries != nil {
		g.Go(func() error {
			return h.sweepLoop(ctx)
		})
	}

	h.logger.Info("host started")
	err := g.Wait()
	h.logger.Info("host stopped")
	return err
}

// sweepLoop periodically removes expired token entries.
func (h *Host) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.sweepEach)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := h.entries.DeleteExpired(ctx, time.Now())
			if err != nil {
				h.logger.Error("expired token sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				h.logger.Debug("swept expired token entries", "removed", removed)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
