// Package storage persists hub state snapshots so a restart does not lose
// registrations or channel history. Two backends share one interface: an
// embedded SQLite file for single-node deployments and PostgreSQL for
// anything with shared infrastructure.
//
// Restored component records keep their saved heartbeat timestamps, so
// components that do not come back after a restart age out through the
// normal heartbeat monitor instead of lingering forever.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/registry"
)

// ErrNotFound is returned by Load when no snapshot has been saved yet.
var ErrNotFound = errors.New("storage: not found")

// ChannelSnapshot captures one bus channel and its replay buffer.
type ChannelSnapshot struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Messages    []model.Message `json:"messages"`
}

// Snapshot is a point-in-time copy of the hub's in-memory state.
type Snapshot struct {
	TakenAt    time.Time         `json:"taken_at"`
	Components []registry.Record `json:"components"`
	Channels   []ChannelSnapshot `json:"channels"`
}

// Snapshotter saves and loads hub snapshots. Save replaces the previous
// snapshot wholesale.
type Snapshotter interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Close(ctx context.Context) error
}
