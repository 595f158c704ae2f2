package research

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/coderelay/internal/state"
)

var tickInterval = 30 * time.Second

// kick clears the cool-down so the next tick considers this conversation
// immediately (called after a run finished with valid metrics).
func (m *Manager) kick(convKey string) {
	m.tickMu.Lock()
	delete(m.lastTick, convKey)
	m.tickMu.Unlock()
}

// AutoTick drives unattended stepping. The cron expression gates whole tick
// rounds; the per-conversation cool-down spaces out consecutive steps.
// Blocks until ctx is done.
func (m *Manager) AutoTick(ctx context.Context) {
	g := gronx.New()
	if !g.IsValid(m.cfg.Research.TickCron) {
		slog.Error("invalid research tick cron, auto ticking disabled", "cron", m.cfg.Research.TickCron)
		return
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := g.IsDue(m.cfg.Research.TickCron, time.Now())
			if err != nil || !due {
				continue
			}
			m.tickRound(ctx)
		}
	}
}

func (m *Manager) tickRound(ctx context.Context) {
	type candidate struct {
		convKey   string
		channelID string
	}
	var cands []candidate
	m.store.Each(func(key string, s *state.Session) {
		if s.Research == nil || !s.Research.Enabled || s.LastChannelID == "" {
			return
		}
		cands = append(cands, candidate{key, s.LastChannelID})
	})

	cooldown := time.Duration(m.cfg.Research.TickCooldownSec) * time.Second
	for _, c := range cands {
		m.tickMu.Lock()
		last := m.lastTick[c.convKey]
		m.tickMu.Unlock()
		if time.Since(last) < cooldown {
			continue
		}

		root, err := m.projectRoot(c.convKey)
		if err != nil {
			continue
		}
		st, err := loadState(root)
		if err != nil || !st.AutoRun || st.Status != StatusRunning {
			continue
		}

		m.tickMu.Lock()
		m.lastTick[c.convKey] = time.Now()
		m.tickMu.Unlock()

		if err := m.Step(ctx, c.convKey, c.channelID, false); err != nil {
			slog.Debug("auto tick step skipped", "conv", c.convKey, "reason", err)
		}
	}
}
