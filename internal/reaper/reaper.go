// Package reaper runs the periodic session scan that enforces setup and
// duration deadlines.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/sebas/voicebridge/internal/session"
)

// TerminateFunc ends a session through the dispatcher's terminal path.
type TerminateFunc func(callID string, event session.CallEvent, reason string)

// Config holds the reaper's deadlines.
type Config struct {
	// Interval is the scan period.
	Interval time.Duration
	// EstablishTimeout bounds how long a session may sit outside the
	// established set before it is marked failed.
	EstablishTimeout time.Duration
	// MaxCallDuration bounds total session lifetime. Zero disables it.
	MaxCallDuration time.Duration
}

// DefaultConfig returns the default reaper settings.
func DefaultConfig() Config {
	return Config{
		Interval:         15 * time.Second,
		EstablishTimeout: 2 * time.Minute,
		MaxCallDuration:  1 * time.Hour,
	}
}

// Reaper periodically walks store snapshots and terminates overdue
// sessions. It only ever reads List() copies, so a scan never blocks
// concurrent session updates.
type Reaper struct {
	cfg       Config
	store     *session.Store
	terminate TerminateFunc
}

// New creates a reaper.
func New(cfg Config, store *session.Store, terminate TerminateFunc) *Reaper {
	return &Reaper{cfg: cfg, store: store, terminate: terminate}
}

// Run scans until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("[Reaper] Started",
		"interval", r.cfg.Interval,
		"establish_timeout", r.cfg.EstablishTimeout,
		"max_call_duration", r.cfg.MaxCallDuration)

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Reaper] Stopped")
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// Sweep runs one scan over the current snapshot.
func (r *Reaper) Sweep(now time.Time) {
	for _, sess := range r.store.List() {
		age := now.Sub(sess.CreatedAt)
		switch {
		case !sess.State.InEstablishedSet() && age > r.cfg.EstablishTimeout:
			slog.Warn("[Reaper] Session never established",
				"call_id", sess.ID, "state", sess.State.String(), "age", age.Round(time.Second))
			r.terminate(sess.ID, session.EventFailed, "establish deadline exceeded")
		case r.cfg.MaxCallDuration > 0 && age > r.cfg.MaxCallDuration:
			slog.Warn("[Reaper] Session exceeded max duration",
				"call_id", sess.ID, "age", age.Round(time.Second))
			r.terminate(sess.ID, session.EventFinished, "max call duration exceeded")
		}
	}
}
