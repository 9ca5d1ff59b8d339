package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashita-ai/musubi/internal/bus"
	"github.com/ashita-ai/musubi/internal/registry"
)

// Runner snapshots the hub's in-memory state on a fixed interval and
// restores it at startup.
type Runner struct {
	snap     Snapshotter
	store    *registry.Store
	bus      *bus.Bus
	interval time.Duration
	logger   *slog.Logger
}

// NewRunner wires a snapshot loop over the given backend.
func NewRunner(snap Snapshotter, store *registry.Store, b *bus.Bus, interval time.Duration, logger *slog.Logger) *Runner {
	return &Runner{snap: snap, store: store, bus: b, interval: interval, logger: logger}
}

// Restore loads the last snapshot into the store and bus. A missing snapshot
// is a normal first boot, not an error. Restored records keep their saved
// heartbeat timestamps; components that do not report back age out through
// the heartbeat monitor.
func (r *Runner) Restore(ctx context.Context) error {
	snap, err := r.snap.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		r.logger.Info("no snapshot found, starting empty")
		return nil
	}
	if err != nil {
		return err
	}

	r.store.Import(snap.Components)
	for _, ch := range snap.Channels {
		r.bus.RestoreChannel(ch.Name, ch.Description, ch.Messages)
	}
	r.logger.Info("snapshot restored",
		"taken_at", snap.TakenAt,
		"components", len(snap.Components),
		"channels", len(snap.Channels))
	return nil
}

// Run saves snapshots until ctx is cancelled, then takes one final snapshot
// so a clean shutdown loses nothing. It blocks, so call it in a goroutine.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("snapshot loop started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			r.save(shutdownCtx)
			cancel()
			r.logger.Info("snapshot loop stopped")
			return
		case <-ticker.C:
			r.save(ctx)
		}
	}
}

func (r *Runner) save(ctx context.Context) {
	snap := Snapshot{
		TakenAt:    time.Now().UTC(),
		Components: r.store.Export(),
	}
	for _, info := range r.bus.Channels() {
		history, err := r.bus.History(info.Name)
		if err != nil {
			continue // channel raced away between listing and reading
		}
		snap.Channels = append(snap.Channels, ChannelSnapshot{
			Name:        info.Name,
			Description: info.Description,
			Messages:    history,
		})
	}

	if err := r.snap.Save(ctx, snap); err != nil {
		r.logger.Error("snapshot save failed", "error", err)
		return
	}
	r.logger.Debug("snapshot saved",
		"components", len(snap.Components), "channels", len(snap.Channels))
}
