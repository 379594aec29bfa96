package nonce

import (
	"context"
	"log/slog"
	"time"
)

// Refresher periodically mints one fresh nonce and sweeps expired entries.
// It runs independently of request handling: request tasks only ever read
// or validate, so a slow tick never blocks them.
//
// The refresher has an explicit lifecycle. Run blocks until the context is
// cancelled or Stop is called, making it convenient to start under an
// errgroup alongside the host's other background tasks.
type Refresher struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewRefresher creates a refresher for the given manager. A zero interval
// uses DefaultRefreshInterval.
func NewRefresher(manager *Manager, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		manager:  manager,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Run mints an initial nonce so GetLatestNonce has a value immediately,
// then ticks on the configured interval until the context is cancelled or
// Stop is called. It always returns nil on Stop and the context error on
// cancellation.
func (r *Refresher) Run(ctx context.Context) error {
	r.manager.GenerateAndAddNonce()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.manager.GenerateAndAddNonce()
			r.manager.CleanExpiredNonces()
		case <-r.stop:
			r.logger.Debug("nonce refresher stopped")
			return nil
		case <-ctx.Done():
			r.logger.Debug("nonce refresher cancelled")
			return ctx.Err()
		}
	}
}

// Stop terminates Run. Safe to call once.
func (r *Refresher) Stop() {
	close(r.stop)
}
