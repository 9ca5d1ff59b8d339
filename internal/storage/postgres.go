package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/musubi/internal/registry"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS musubi_snapshot_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	taken_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS musubi_components (
	component_id TEXT PRIMARY KEY,
	record JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS musubi_channels (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	messages JSONB NOT NULL
);
`

// Postgres persists snapshots through a pgx connection pool, for hubs that
// already run next to shared infrastructure.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects a pool, verifies connectivity, and ensures the
// snapshot schema exists.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: create postgres schema: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Save replaces the stored snapshot in one transaction, batching the inserts.
func (p *Postgres) Save(ctx context.Context, snap Snapshot) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue("DELETE FROM musubi_components")
	batch.Queue("DELETE FROM musubi_channels")

	for _, rec := range snap.Components {
		blob, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("storage: marshal component %s: %w", rec.Component.ID, err)
		}
		batch.Queue("INSERT INTO musubi_components (component_id, record) VALUES ($1, $2)",
			rec.Component.ID, blob)
	}
	for _, ch := range snap.Channels {
		blob, err := json.Marshal(ch.Messages)
		if err != nil {
			return fmt.Errorf("storage: marshal channel %s: %w", ch.Name, err)
		}
		batch.Queue("INSERT INTO musubi_channels (name, description, messages) VALUES ($1, $2, $3)",
			ch.Name, ch.Description, blob)
	}
	batch.Queue(`
		INSERT INTO musubi_snapshot_meta (id, taken_at) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET taken_at = excluded.taken_at`,
		snap.TakenAt.UTC())

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("storage: write snapshot batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot, or ErrNotFound when none was ever saved.
func (p *Postgres) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	err := p.pool.QueryRow(ctx, "SELECT taken_at FROM musubi_snapshot_meta WHERE id = 1").
		Scan(&snap.TakenAt)
	if err == pgx.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("storage: read snapshot meta: %w", err)
	}

	rows, err := p.pool.Query(ctx, "SELECT record FROM musubi_components")
	if err != nil {
		return Snapshot{}, fmt.Errorf("storage: read components: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return Snapshot{}, fmt.Errorf("storage: scan component: %w", err)
		}
		var rec registry.Record
		if err := json.Unmarshal(blob, &rec); err != nil {
			return Snapshot{}, fmt.Errorf("storage: decode component: %w", err)
		}
		snap.Components = append(snap.Components, rec)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("storage: iterate components: %w", err)
	}
	rows.Close()

	chRows, err := p.pool.Query(ctx, "SELECT name, description, messages FROM musubi_channels")
	if err != nil {
		return Snapshot{}, fmt.Errorf("storage: read channels: %w", err)
	}
	defer chRows.Close()
	for chRows.Next() {
		var ch ChannelSnapshot
		var blob []byte
		if err := chRows.Scan(&ch.Name, &ch.Description, &blob); err != nil {
			return Snapshot{}, fmt.Errorf("storage: scan channel: %w", err)
		}
		if err := json.Unmarshal(blob, &ch.Messages); err != nil {
			return Snapshot{}, fmt.Errorf("storage: decode channel %s: %w", ch.Name, err)
		}
		snap.Channels = append(snap.Channels, ch)
	}
	if err := chRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("storage: iterate channels: %w", err)
	}

	return snap, nil
}

// Ping checks connectivity, for health reporting.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts the pool down.
func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}
