package manager

import (
	"context"
	"time"

	"github.com/boxlite-ai/claudebox/internal/workspace"
)

// Sweep destroys sessions that have been idle past the configured TTL.
// Sessions with a live lease are skipped regardless of age. Returns how
// many sessions were reaped.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	idleTTL := m.cfg.Reaper.IdleTTL()
	cutoff := time.Now().Add(-idleTTL)

	sessions, err := m.List()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, meta := range sessions {
		if meta.State == workspace.StateDestroyed {
			continue
		}
		if meta.LastActive.After(cutoff) {
			continue
		}

		if err := m.Cleanup(ctx, meta.ID, !meta.Persistent); err != nil {
			// A held lease or transient failure skips this session; the
			// next sweep retries.
			m.logger.Warn("reaper could not clean session",
				"session_id", meta.ID,
				"error", err,
			)
			continue
		}
		m.logger.Info("reaped idle session",
			"session_id", meta.ID,
			"idle_since", meta.LastActive,
		)
		reaped++
	}
	return reaped, nil
}

// StartReaper sweeps periodically until the context ends. No-op when the
// reaper is disabled in configuration.
func (m *Manager) StartReaper(ctx context.Context) {
	if !m.cfg.Reaper.Enabled {
		return
	}

	interval := m.cfg.Reaper.IdleTTL() / 4
	if interval < time.Minute {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Sweep(ctx); err != nil {
					m.logger.Error("reaper sweep failed", "error", err)
				}
			}
		}
	}()
}
