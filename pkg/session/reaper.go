package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rhuss/tabula/pkg/debug"
	"github.com/rhuss/tabula/pkg/observability"
	"github.com/rhuss/tabula/pkg/storage"
)

const (
	// DefaultIdleTimeout is the idle time after which a session is reaped.
	DefaultIdleTimeout = time.Hour

	// DefaultInterval is the time between sweeps.
	DefaultInterval = 10 * time.Minute
)

// Reaper deletes idle sessions.
type Reaper struct {
	Store       storage.Store
	IdleTimeout time.Duration
	Interval    time.Duration

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Scanned int
	Deleted int
	Failed  int
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	if r.Store == nil {
		return fmt.Errorf("reaper: store must not be nil")
	}
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	slog.Info("session reaper started", "idle_timeout", r.idleTimeout(), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("session sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("session reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep deletes every session idle for strictly longer than IdleTimeout.
// A failed deletion is logged and counted; the sweep continues with the
// next session. The error is non-nil only when listing fails.
func (r *Reaper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	sessions, err := r.Store.ListSessions(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing sessions: %w", err)
	}

	now := r.now()
	timeout := r.idleTimeout()
	for _, sess := range sessions {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Scanned++

		idle := now.Sub(sess.LastActivity)
		if idle <= timeout {
			continue
		}

		err := r.Store.DeleteSession(ctx, sess.ID)
		switch {
		case err == nil:
			stats.Deleted++
			observability.SessionsReapedTotal.Inc()
			slog.Info("idle session reaped", "session_id", sess.ID, "idle", idle.Truncate(time.Second))
		case errors.Is(err, storage.ErrNotFound):
			// Cleared by its owner since the listing.
			debug.Log("reaper", "session already gone", "session_id", sess.ID)
		default:
			stats.Failed++
			observability.ReaperFailuresTotal.Inc()
			slog.Warn("reaping session failed", "session_id", sess.ID, "error", err)
		}
	}

	debug.Log("reaper", "sweep complete", "scanned", stats.Scanned, "deleted", stats.Deleted, "failed", stats.Failed)
	return stats, nil
}

func (r *Reaper) idleTimeout() time.Duration {
	if r.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return r.IdleTimeout
}

func (r *Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
