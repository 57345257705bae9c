// Copyright 2025 RightFit Services
// SPDX-License-Identifier: Apache-2.0

// Package fieldsync implements the offline-first synchronization core of
// the RightFit field app: a durable SQLite-backed local store, an outbox of
// pending mutations, a debounced connectivity monitor, and the sync engine
// that reconciles local state with the backend REST API.
package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Collection names for the local records table.
const (
	CollectionProperties  = "properties"
	CollectionWorkOrders  = "work_orders"
	CollectionContractors = "contractors"
	CollectionPhotos      = "photos"
)

// ErrNotFound is returned when a record lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// ErrInvariant is returned when a write would violate the synced/server_id
// invariant (synced records must carry a server identity).
var ErrInvariant = errors.New("synced record requires a server id")

// Record is a locally stored domain entity. LocalID is assigned at
// creation and never reused; ServerID is empty until the server has
// accepted the record. A record with Synced=true always has a ServerID.
type Record struct {
	LocalID    string
	Collection string
	ServerID   string
	Synced     bool
	Deleted    bool
	Fields     map[string]any
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store owns all entity and outbox rows. Every mutation goes through its
// documented operations inside a write transaction, so the synced/server_id
// invariants are enforced in one place even under concurrent access from
// the UI write path and the sync engine.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize write transactions to prevent SQLite locking issues
}

// NewStore initializes the schema on db and returns a Store. The caller
// retains ownership of db and is responsible for closing it.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// initializeSchema creates the records and sync_queue tables.
func initializeSchema(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Domain entities, one row per record regardless of collection.
		// fields holds the schemaless JSON payload; server identity and
		// sync status live in dedicated columns so invariants can be
		// enforced with SQL checks.
		`CREATE TABLE IF NOT EXISTS records (
			local_id   TEXT NOT NULL,          -- client-assigned UUIDv4
			collection TEXT NOT NULL,
			server_id  TEXT,                   -- NULL until accepted by server
			synced     INTEGER NOT NULL DEFAULT 0,
			deleted    INTEGER NOT NULL DEFAULT 0,
			fields     TEXT NOT NULL DEFAULT '{}',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (collection, local_id),
			CHECK (synced = 0 OR (server_id IS NOT NULL AND server_id != ''))
		)`,

		`CREATE INDEX IF NOT EXISTS idx_records_server_id
			ON records (collection, server_id)`,

		// Outbox of pending mutations, drained FIFO by the sync engine.
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,          -- local identity of the owning record
			action      TEXT NOT NULL CHECK (action IN ('create','update','delete')),
			payload     TEXT,                   -- JSON captured at enqueue time (NULL for delete)
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Write runs fn inside a single transaction, committing on nil and rolling
// back on error. Write transactions are serialized so a UI write and a
// sync-engine write never interleave their read-modify-write sequences.
func (s *Store) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateRecord inserts a new record. serverID may be empty for local-only
// records; passing synced=true with an empty serverID is rejected.
func (s *Store) CreateRecord(ctx context.Context, collection string, fields map[string]any, serverID string, synced bool) (*Record, error) {
	if synced && serverID == "" {
		return nil, ErrInvariant
	}
	rec := &Record{
		LocalID:    uuid.New().String(),
		Collection: collection,
		ServerID:   serverID,
		Synced:     synced,
		Fields:     fields,
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	err = s.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records (local_id, collection, server_id, synced, fields)
			VALUES (?, ?, ?, ?, ?)
		`, rec.LocalID, collection, nullable(serverID), boolToInt(synced), string(payload))
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, collection, rec.LocalID)
}

// UpdateFields merges patch into the record's fields. synced=false marks
// the record as carrying local changes not yet acknowledged by the server.
func (s *Store) UpdateFields(ctx context.Context, collection, localID string, patch map[string]any, synced bool) (*Record, error) {
	err := s.Write(ctx, func(tx *sql.Tx) error {
		rec, err := findInTx(ctx, tx, collection, localID)
		if err != nil {
			return err
		}
		if synced && rec.ServerID == "" {
			return ErrInvariant
		}
		for k, v := range patch {
			rec.Fields[k] = v
		}
		payload, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE records
			SET fields = ?, synced = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE collection = ? AND local_id = ?
		`, string(payload), boolToInt(synced), collection, localID)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, collection, localID)
}

// MarkSynced records that the server accepted the record, attaching the
// server identity and clearing any stale sync error.
func (s *Store) MarkSynced(ctx context.Context, collection, localID, serverID string) error {
	if serverID == "" {
		return ErrInvariant
	}
	return s.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE records
			SET server_id = ?, synced = 1, last_error = '',
			    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE collection = ? AND local_id = ?
		`, serverID, collection, localID)
		if err != nil {
			return fmt.Errorf("failed to mark record synced: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetLastError preserves a sync failure on the record for operator
// visibility. The record stays unsynced.
func (s *Store) SetLastError(ctx context.Context, collection, localID, msg string) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE records SET last_error = ?, synced = 0
			WHERE collection = ? AND local_id = ?
		`, msg, collection, localID)
		if err != nil {
			return fmt.Errorf("failed to set last error: %w", err)
		}
		return nil
	})
}

// Find returns a record by local identity.
func (s *Store) Find(ctx context.Context, collection, localID string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectRecord+`WHERE collection = ? AND local_id = ?`, collection, localID))
}

// FindByServerID returns a record by server identity.
func (s *Store) FindByServerID(ctx context.Context, collection, serverID string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectRecord+`WHERE collection = ? AND server_id = ?`, collection, serverID))
}

// Resolve looks a record up by server identity first, falling back to
// local identity, so callers can address both server-known and purely
// local records with one id.
func (s *Store) Resolve(ctx context.Context, collection, id string) (*Record, error) {
	rec, err := s.FindByServerID(ctx, collection, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.Find(ctx, collection, id)
}

// UpsertByServerID applies authoritative server state during a pull. If a
// local row carries the server identity its fields are overwritten and it
// is marked synced (server wins, no field-level merge); otherwise a new
// local row is inserted. Rows without a server identity are never touched,
// so in-flight local creations survive pulls.
func (s *Store) UpsertByServerID(ctx context.Context, collection, serverID string, fields map[string]any) (*Record, error) {
	if serverID == "" {
		return nil, ErrInvariant
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	var localID string
	err = s.Write(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT local_id FROM records WHERE collection = ? AND server_id = ?
		`, collection, serverID).Scan(&localID)
		if errors.Is(err, sql.ErrNoRows) {
			localID = uuid.New().String()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO records (local_id, collection, server_id, synced, fields)
				VALUES (?, ?, ?, 1, ?)
			`, localID, collection, serverID, string(payload))
			if err != nil {
				return fmt.Errorf("failed to insert pulled record: %w", err)
			}
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to look up record by server id: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE records
			SET fields = ?, synced = 1, deleted = 0, last_error = '',
			    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE collection = ? AND local_id = ?
		`, string(payload), collection, localID)
		if err != nil {
			return fmt.Errorf("failed to overwrite pulled record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, collection, localID)
}

// MarkDeleted soft-deletes a record pending remote application.
func (s *Store) MarkDeleted(ctx context.Context, collection, localID string) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE records SET deleted = 1, synced = 0
			WHERE collection = ? AND local_id = ?
		`, collection, localID)
		if err != nil {
			return fmt.Errorf("failed to mark record deleted: %w", err)
		}
		return nil
	})
}

// DeleteRecord removes a record permanently.
func (s *Store) DeleteRecord(ctx context.Context, collection, localID string) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM records WHERE collection = ? AND local_id = ?
		`, collection, localID)
		if err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		return nil
	})
}

// List returns all non-deleted records in a collection, newest first.
func (s *Store) List(ctx context.Context, collection string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+`
		WHERE collection = ? AND deleted = 0
		ORDER BY created_at DESC, local_id
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

const selectRecord = `
	SELECT local_id, collection, COALESCE(server_id, ''), synced, deleted,
	       fields, last_error, created_at, updated_at
	FROM records
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var synced, deleted int
	var fields, createdAt, updatedAt string
	err := row.Scan(&rec.LocalID, &rec.Collection, &rec.ServerID, &synced,
		&deleted, &fields, &rec.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.Synced = synced != 0
	rec.Deleted = deleted != 0
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record fields: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

func findInTx(ctx context.Context, tx *sql.Tx, collection, localID string) (*Record, error) {
	return scanRecord(tx.QueryRowContext(ctx, selectRecord+`WHERE collection = ? AND local_id = ?`, collection, localID))
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
