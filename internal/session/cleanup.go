package session

import (
	"context"
	"time"

	"github.com/opencode-ai/agentd/internal/logging"
)

// Cleaner reclaims sessions that have sat idle past the configured
// threshold. Sessions that are starting, running or in error state are
// left to their own transitions; an in-flight execution is never
// killed just for being old.
type Cleaner struct {
	manager   *Manager
	interval  time.Duration
	threshold time.Duration
}

// NewCleaner creates a cleanup worker over the manager's registry.
// Zero values fall back to the manager's configured interval and
// threshold.
func NewCleaner(m *Manager, interval, threshold time.Duration) *Cleaner {
	if interval <= 0 {
		interval = m.cfg.SweepInterval
	}
	if threshold <= 0 {
		threshold = m.cfg.IdleThreshold
	}
	return &Cleaner{manager: m, interval: interval, threshold: threshold}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	log := logging.Component("cleaner")
	log.Info().Dur("interval", c.interval).Dur("threshold", c.threshold).Msg("cleanup worker started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("cleanup worker stopped")
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep destroys every idle session whose last activity is older than
// the threshold. Failures are logged per session and never abort the
// rest of the sweep. Returns the number of sessions reclaimed.
func (c *Cleaner) Sweep(ctx context.Context) int {
	log := logging.Component("cleaner")
	reclaimed := 0

	for _, s := range c.manager.Sessions() {
		if s.Status() != StatusIdle {
			continue
		}
		age := time.Since(s.LastActivity())
		if age <= c.threshold {
			continue
		}
		if err := c.manager.Destroy(ctx, s.ID()); err != nil {
			log.Warn().Err(err).Str("session", s.ID()).Msg("idle reclamation failed")
			continue
		}
		log.Info().Str("session", s.ID()).Dur("idle", age).Msg("idle session reclaimed")
		reclaimed++
	}
	return reclaimed
}
