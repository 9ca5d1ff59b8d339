package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashita-ai/musubi/internal/model"
)

// Monitor scans the record store on a fixed interval and transitions
// component health based on heartbeat age. Two thresholds distinguish a
// transient hiccup from process death: past the soft TTL a component is
// marked UNHEALTHY but its registration survives; past the hard TTL the
// record is evicted exactly as if it had unregistered.
type Monitor struct {
	service  *Service
	interval time.Duration
	softTTL  time.Duration
	hardTTL  time.Duration
	logger   *slog.Logger

	now func() time.Time // injectable for tests
}

// NewMonitor creates a heartbeat monitor. Call Start to begin scanning.
func NewMonitor(service *Service, interval, softTTL, hardTTL time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		service:  service,
		interval: interval,
		softTTL:  softTTL,
		hardTTL:  hardTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs the scan loop until ctx is cancelled. It blocks, so call it in
// a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("heartbeat monitor started",
		"interval", m.interval, "soft_ttl", m.softTTL, "hard_ttl", m.hardTTL)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one scan. A failure in one tick is contained — logged and
// retried on the next tick, never allowed to take the process down.
func (m *Monitor) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("heartbeat monitor tick panicked", "panic", r)
		}
	}()

	now := m.now().UTC()

	// Hard TTL first: anything this stale is removed outright, so the soft
	// pass below never touches it.
	for _, id := range m.service.Store().Stale(now, m.hardTTL) {
		if m.service.Evict(ctx, id, "hard ttl exceeded") {
			m.logger.Warn("component evicted", "component_id", id, "hard_ttl", m.hardTTL)
		}
	}

	for _, id := range m.service.Store().Stale(now, m.softTTL) {
		changed := false
		m.service.Store().Mutate(id, func(c *model.Component) {
			if c.Status != model.StatusUnhealthy {
				c.Status = model.StatusUnhealthy
				changed = true
			}
		})
		if changed {
			m.logger.Warn("component marked unhealthy", "component_id", id, "soft_ttl", m.softTTL)
		}
	}
}
