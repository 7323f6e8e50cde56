// Package persistence provides SQLite-backed durable state for the
// bridge: dedup fingerprints of dispatched responses and per-channel
// activity counters. Both survive bridge restarts so correlation and
// suppression keep working for responses already in flight.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Dispatch records the fingerprint of the most recent output dispatched
// to a channel.
type Dispatch struct {
	ChannelID    string
	Fingerprint  string
	DispatchedAt time.Time
}

// ChannelActivity tracks inbound traffic per channel for status reporting.
type ChannelActivity struct {
	ChannelID    string
	MessageCount int
	LastActivity time.Time
}

// Store provides durable bridge state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the dispatch fingerprint and channel activity tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dispatches (
			channel_id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			dispatched_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS channel_activity (
			channel_id TEXT PRIMARY KEY,
			message_count INTEGER NOT NULL DEFAULT 0,
			last_activity TEXT NOT NULL
		);
	`)
	return err
}

// RecordDispatch stores the fingerprint of the output just dispatched to
// a channel, replacing any previous record for that channel.
func (s *Store) RecordDispatch(channelID, fingerprint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO dispatches (channel_id, fingerprint, dispatched_at) VALUES (?, ?, ?)`,
		channelID, fingerprint, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// LastDispatch returns the most recent dispatch record for a channel.
// Returns nil, nil when the channel has no record.
func (s *Store) LastDispatch(channelID string) (*Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d Dispatch
	var at string
	err := s.db.QueryRow(
		`SELECT channel_id, fingerprint, dispatched_at FROM dispatches WHERE channel_id = ?`,
		channelID,
	).Scan(&d.ChannelID, &d.Fingerprint, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch: %w", err)
	}

	d.DispatchedAt, err = time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, fmt.Errorf("parse dispatch time: %w", err)
	}
	return &d, nil
}

// RecordActivity bumps the message counter for a channel.
func (s *Store) RecordActivity(channelID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO channel_activity (channel_id, message_count, last_activity)
		VALUES (?, 1, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			message_count = message_count + 1,
			last_activity = excluded.last_activity`,
		channelID, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// Activity returns the counters for one channel. Returns nil, nil when
// the channel has seen no traffic.
func (s *Store) Activity(channelID string) (*ChannelActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a ChannelActivity
	var last string
	err := s.db.QueryRow(
		`SELECT channel_id, message_count, last_activity FROM channel_activity WHERE channel_id = ?`,
		channelID,
	).Scan(&a.ChannelID, &a.MessageCount, &last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get activity: %w", err)
	}

	a.LastActivity, err = time.Parse(time.RFC3339Nano, last)
	if err != nil {
		return nil, fmt.Errorf("parse activity time: %w", err)
	}
	return &a, nil
}

// AllActivity returns counters for every channel, ordered by channel ID.
func (s *Store) AllActivity() ([]ChannelActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT channel_id, message_count, last_activity FROM channel_activity ORDER BY channel_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []ChannelActivity
	for rows.Next() {
		var a ChannelActivity
		var last string
		if err := rows.Scan(&a.ChannelID, &a.MessageCount, &last); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.LastActivity, err = time.Parse(time.RFC3339Nano, last)
		if err != nil {
			return nil, fmt.Errorf("parse activity time: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return out, nil
}
