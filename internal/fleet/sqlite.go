// ABOUTME: SQLite implementation of the snapshot Store using modernc.org/sqlite
// ABOUTME: Rewrites the machines table in one transaction per Save

package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Save deletes and reinserts the
// machines table inside one transaction, keeping the full-snapshot-rewrite
// contract of the file store.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "fleet-store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite fleet store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS machines (
			id            TEXT PRIMARY KEY,
			provider      TEXT NOT NULL,
			ip            TEXT NOT NULL,
			status        TEXT NOT NULL,
			metadata_json TEXT,
			created_at    TEXT NOT NULL,
			last_seen     TEXT,

			CHECK (status IN ('registered', 'connected', 'disconnected', 'removed'))
		);

		CREATE INDEX IF NOT EXISTS idx_machines_status ON machines(status);
		CREATE INDEX IF NOT EXISTS idx_machines_provider ON machines(provider);

		CREATE TABLE IF NOT EXISTS fleet_meta (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Load reads the full snapshot. An empty database yields an empty snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()

	var updatedAtStr string
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM fleet_meta WHERE id = 1`).Scan(&updatedAtStr)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("querying fleet meta: %w", err)
	}
	if err == nil {
		snap.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, ip, status, metadata_json, created_at, last_seen
		FROM machines
	`)
	if err != nil {
		return nil, fmt.Errorf("querying machines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Machine
		var status, createdAtStr string
		var metadataJSON, lastSeenStr sql.NullString

		if err := rows.Scan(&m.ID, &m.Provider, &m.IP, &status, &metadataJSON, &createdAtStr, &lastSeenStr); err != nil {
			return nil, fmt.Errorf("scanning machine row: %w", err)
		}

		m.Status = Status(status)
		m.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if lastSeenStr.Valid {
			m.LastSeen, err = time.Parse(time.RFC3339, lastSeenStr.String)
			if err != nil {
				return nil, fmt.Errorf("parsing last_seen: %w", err)
			}
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("parsing metadata for machine %s: %w", m.ID, err)
			}
		}

		snap.Machines[m.ID] = &m
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating machine rows: %w", err)
	}

	return snap, nil
}

// Save rewrites the machines table and the meta row in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM machines`); err != nil {
		return fmt.Errorf("clearing machines: %w", err)
	}

	insert := `
		INSERT INTO machines (id, provider, ip, status, metadata_json, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for _, m := range snap.Machines {
		var metadataJSON any
		if len(m.Metadata) > 0 {
			data, err := json.Marshal(m.Metadata)
			if err != nil {
				return fmt.Errorf("encoding metadata for machine %s: %w", m.ID, err)
			}
			metadataJSON = string(data)
		}

		var lastSeen any
		if !m.LastSeen.IsZero() {
			lastSeen = m.LastSeen.UTC().Format(time.RFC3339)
		}

		if _, err := tx.ExecContext(ctx, insert,
			m.ID,
			m.Provider,
			m.IP,
			string(m.Status),
			metadataJSON,
			m.CreatedAt.UTC().Format(time.RFC3339),
			lastSeen,
		); err != nil {
			return fmt.Errorf("inserting machine %s: %w", m.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO fleet_meta (id, updated_at) VALUES (1, ?)
	`, snap.UpdatedAt.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("writing fleet meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}

	s.logger.Debug("saved fleet snapshot", "machines", len(snap.Machines))
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite fleet store")
	return s.db.Close()
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
