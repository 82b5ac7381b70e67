package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"msgrelay/metrics"
	"msgrelay/store"
)

// Reaper periodically evicts sessions whose last-seen time is older than the
// session timeout. It only drops the logical mapping; connections are left to
// the transport.
type Reaper struct {
	sessions store.SessionStore
	timeout  time.Duration
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewReaper(sessions store.SessionStore, timeout, interval time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		sessions: sessions,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With().Str("component", "reaper").Logger(),
		now:      time.Now,
	}
}

// Run ticks every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Dur("timeout", r.timeout).Msg("reaper started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick evicts every session still idle at removal time and returns how many
// were removed.
// A scan in progress is not interrupted by cancellation of ctx; an
// interrupted or failed tick is safe to repeat.
func (r *Reaper) Tick(ctx context.Context) int {
	ctx = context.WithoutCancel(ctx)

	now := r.now()
	cutoff := store.IdleCutoff(r.timeout, now)

	idle, err := r.sessions.ListIdleOlderThan(ctx, r.timeout, now)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_idle").Inc()
		r.logger.Error().Err(err).Msg("failed to list idle sessions")
		return 0
	}

	removed := 0
	for _, sess := range idle {
		// The session may have reconnected or sent a heartbeat since the
		// scan; RemoveIdle re-checks the cutoff in the same step as the delete.
		ok, err := r.sessions.RemoveIdle(ctx, sess.Address, cutoff)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("remove").Inc()
			r.logger.Error().Err(err).Str("address", sess.Address).Msg("failed to evict session")
			continue
		}
		if !ok {
			continue
		}
		removed++
		metrics.SessionsReaped.Inc()
		r.logger.Info().
			Str("address", sess.Address).
			Time("last_seen", sess.LastSeen).
			Msg("evicted idle session")
	}
	return removed
}
