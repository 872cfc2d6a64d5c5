// Package snapshotstore provides a SQLite-backed durable snapshot store. Rows
// written by Save survive a full process restart and are loaded back as
// restored representations on the next Open.
package snapshotstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/goliatone/go-retain"
)

// Store implements retain.DurableStore on top of a SQLite database. Restored
// representations are loaded once at Open; Save flushes every registered
// provider's current output back to disk.
type Store struct {
	db   *sql.DB
	path string

	restored  map[string]any
	providers map[string]*providerRegistration
}

type providerRegistration struct {
	owner    *Store
	key      string
	provider func() any
}

// Unregister implements retain.Entry.
func (r *providerRegistration) Unregister() {
	if r == nil || r.owner == nil {
		return
	}
	if current, ok := r.owner.providers[r.key]; ok && current == r {
		delete(r.owner.providers, r.key)
	}
	r.owner = nil
}

// Open opens (or creates) the snapshot database at the given path, configures
// pragmas, runs migrations, and loads previously saved snapshots.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return initStore(sqlDB, path)
}

// OpenMemory opens an in-memory snapshot database for testing.
func OpenMemory() (*Store, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	return initStore(sqlDB, ":memory:")
}

func initStore(sqlDB *sql.DB, path string) (*Store, error) {
	s := &Store{
		db:        sqlDB,
		path:      path,
		restored:  make(map[string]any),
		providers: make(map[string]*providerRegistration),
	}
	if err := s.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.loadRestored(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			key         TEXT PRIMARY KEY,
			snapshot_id TEXT NOT NULL,
			payload     TEXT NOT NULL,
			saved_at    INTEGER NOT NULL
		)
	`)
	return err
}

func (s *Store) loadRestored() error {
	rows, err := s.db.Query(`SELECT key, payload FROM snapshots`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return err
		}
		var value any
		if err := json.Unmarshal([]byte(payload), &value); err != nil {
			// A corrupt row is skipped rather than blocking the restore of
			// every other key.
			continue
		}
		s.restored[key] = value
	}
	return rows.Err()
}

// ConsumeRestored removes and returns the restored representation under key.
func (s *Store) ConsumeRestored(key string) (any, bool) {
	value, ok := s.restored[key]
	if !ok {
		return nil, false
	}
	delete(s.restored, key)
	return value, true
}

// RegisterProvider installs a storable provider under key, rejecting
// duplicates.
func (s *Store) RegisterProvider(key string, provider func() any) (retain.Entry, error) {
	if _, exists := s.providers[key]; exists {
		return nil, retain.ErrAlreadyRegistered
	}
	registration := &providerRegistration{owner: s, key: key, provider: provider}
	s.providers[key] = registration
	return registration, nil
}

// CanBeSaved reports whether value survives the store's JSON representation.
func (s *Store) CanBeSaved(value any) bool {
	if value == nil {
		return false
	}
	_, err := json.Marshal(value)
	return err == nil
}

// Save runs every registered provider and upserts its output. Keys whose
// provider returns nil or an unmarshalable value keep their previous row.
func (s *Store) Save() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for key, registration := range s.providers {
		if registration.provider == nil {
			continue
		}
		out := registration.provider()
		if out == nil {
			continue
		}
		payload, err := json.Marshal(out)
		if err != nil {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO snapshots (key, snapshot_id, payload, saved_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				snapshot_id = excluded.snapshot_id,
				payload = excluded.payload,
				saved_at = excluded.saved_at
		`, key, uuid.NewString(), string(payload), now); err != nil {
			return fmt.Errorf("save key %q: %w", key, err)
		}
	}
	return tx.Commit()
}

// Delete removes the saved snapshot for key, if any.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM snapshots WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

// Len returns the number of unconsumed restored representations.
func (s *Store) Len() int {
	return len(s.restored)
}

// Path returns the database path, ":memory:" for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
