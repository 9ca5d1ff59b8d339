package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/musubi/internal/registry"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshot_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	taken_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS components (
	component_id TEXT PRIMARY KEY,
	record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS channels (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	messages TEXT NOT NULL
);
`

// SQLite persists snapshots to an embedded database file. Safe for a single
// hub process; WAL mode keeps readers from blocking the snapshot writer.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the snapshot database at path and
// ensures the schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	// modernc sqlite is in-process; a single connection avoids SQLITE_BUSY
	// between the snapshot writer and loaders.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Save replaces the stored snapshot in one transaction.
func (s *SQLite) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM components", "DELETE FROM channels"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: clear previous snapshot: %w", err)
		}
	}

	for _, rec := range snap.Components {
		blob, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("storage: marshal component %s: %w", rec.Component.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO components (component_id, record) VALUES (?, ?)",
			rec.Component.ID, string(blob)); err != nil {
			return fmt.Errorf("storage: insert component %s: %w", rec.Component.ID, err)
		}
	}

	for _, ch := range snap.Channels {
		blob, err := json.Marshal(ch.Messages)
		if err != nil {
			return fmt.Errorf("storage: marshal channel %s: %w", ch.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO channels (name, description, messages) VALUES (?, ?, ?)",
			ch.Name, ch.Description, string(blob)); err != nil {
			return fmt.Errorf("storage: insert channel %s: %w", ch.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_meta (id, taken_at) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET taken_at = excluded.taken_at`,
		snap.TakenAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("storage: update snapshot meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot, or ErrNotFound when none was ever saved.
func (s *SQLite) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	var takenAt string
	err := s.db.QueryRowContext(ctx, "SELECT taken_at FROM snapshot_meta WHERE id = 1").Scan(&takenAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("storage: read snapshot meta: %w", err)
	}
	if snap.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
		return Snapshot{}, fmt.Errorf("storage: parse snapshot timestamp: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT record FROM components")
	if err != nil {
		return Snapshot{}, fmt.Errorf("storage: read components: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return Snapshot{}, fmt.Errorf("storage: scan component: %w", err)
		}
		var rec registry.Record
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return Snapshot{}, fmt.Errorf("storage: decode component: %w", err)
		}
		snap.Components = append(snap.Components, rec)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("storage: iterate components: %w", err)
	}

	chRows, err := s.db.QueryContext(ctx, "SELECT name, description, messages FROM channels")
	if err != nil {
		return Snapshot{}, fmt.Errorf("storage: read channels: %w", err)
	}
	defer chRows.Close()
	for chRows.Next() {
		var ch ChannelSnapshot
		var blob string
		if err := chRows.Scan(&ch.Name, &ch.Description, &blob); err != nil {
			return Snapshot{}, fmt.Errorf("storage: scan channel: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &ch.Messages); err != nil {
			return Snapshot{}, fmt.Errorf("storage: decode channel %s: %w", ch.Name, err)
		}
		snap.Channels = append(snap.Channels, ch)
	}
	if err := chRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("storage: iterate channels: %w", err)
	}

	return snap, nil
}

// Close releases the database handle.
func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}
