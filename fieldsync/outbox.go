// Copyright 2025 RightFit Services
// SPDX-License-Identifier: Apache-2.0

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

	"github.com/rightfit/fieldsync/fieldapi"
)

// EntityType discriminates outbox payloads; the sync engine dispatches on
// it exhaustively.
type EntityType string

const (
	EntityProperty   EntityType = "property"
	EntityWorkOrder  EntityType = "work_order"
	EntityContractor EntityType = "contractor"
	EntityPhoto      EntityType = "photo"
)

// Collection returns the records-table collection backing this entity type.
func (t EntityType) Collection() string {
	switch t {
	case EntityProperty:
		return CollectionProperties
	case EntityWorkOrder:
		return CollectionWorkOrders
	case EntityContractor:
		return CollectionContractors
	case EntityPhoto:
		return CollectionPhotos
	}
	return string(t)
}

// Action is the mutation kind carried by an outbox entry.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// DefaultMaxAttempts is the poison ceiling: an entry failing this many
// times is evicted rather than retried forever.
const DefaultMaxAttempts = 5

// Entry is a pending mutation awaiting remote application.
type Entry struct {
	ID         int64
	EntityType EntityType
	EntityID   string // local identity of the owning record
	Action     Action
	Payload    map[string]any
	Attempts   int
	LastError  string
	CreatedAt  time.Time
}

// Outbox is a durable FIFO log of pending mutations backed by the store's
// sync_queue table. Entries for a given entity are applied in creation
// order; out-of-order application could resurrect deleted records or apply
// stale updates over newer ones.
type Outbox struct {
	store       *Store
	maxAttempts int
	logger      *slog.Logger

	mu      sync.Mutex
	notify  func() // fire-and-forget drain kick, set by the engine
	drainMu sync.Mutex
}

// NewOutbox returns an outbox over the store's sync_queue table.
// maxAttempts <= 0 uses DefaultMaxAttempts.
func NewOutbox(store *Store, maxAttempts int, logger *slog.Logger) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{store: store, maxAttempts: maxAttempts, logger: logger}
}

// OnEnqueue registers a callback invoked after every successful enqueue.
// The engine uses it to attempt an immediate drain when online; failures of
// that attempt are absorbed, the entry stays queued.
func (q *Outbox) OnEnqueue(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
}

// Enqueue appends a pending mutation. A second create for an entity that
// already has a queued create replaces the queued payload instead of
// appending, so at most one create per entity is ever outstanding.
func (q *Outbox) Enqueue(ctx context.Context, entityType EntityType, entityID string, action Action, payload map[string]any) error {
	var raw any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = string(data)
	}

	err := q.store.Write(ctx, func(tx *sql.Tx) error {
		if action == ActionCreate {
			var existing int64
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM sync_queue
				WHERE entity_type = ? AND entity_id = ? AND action = 'create'
			`, string(entityType), entityID).Scan(&existing)
			if err == nil {
				_, err = tx.ExecContext(ctx, `UPDATE sync_queue SET payload = ? WHERE id = ?`, raw, existing)
				if err != nil {
					return fmt.Errorf("failed to coalesce create entry: %w", err)
				}
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to look up queued create: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_queue (entity_type, entity_id, action, payload)
			VALUES (?, ?, ?, ?)
		`, string(entityType), entityID, string(action), raw)
		if err != nil {
			return fmt.Errorf("failed to enqueue: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

// Len returns the number of queued entries, for the UI badge.
func (q *Outbox) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// Entries returns a snapshot of the queue in FIFO order.
func (q *Outbox) Entries(ctx context.Context) ([]*Entry, error) {
	rows, err := q.store.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, payload, attempts, last_error, created_at
		FROM sync_queue
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var entityType, action, createdAt string
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &entityType, &e.EntityID, &action, &payload, &e.Attempts, &e.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.EntityType = EntityType(entityType)
		e.Action = Action(action)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload for entry %d: %w", e.ID, err)
			}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return entries, nil
}

// Drain applies queued entries one at a time in FIFO order. On success the
// entry is deleted. A transient failure increments attempts and records the
// error; once attempts reach the ceiling the entry is evicted (poison) and
// the owning record keeps the error with synced=false. A permanent failure
// evicts immediately: retrying a payload the server rejected outright can
// never succeed. An auth failure aborts the drain with entries untouched.
//
// Entries are never applied concurrently; that preserves per-entity
// ordering and avoids duplicate remote creates from racing retries.
func (q *Outbox) Drain(ctx context.Context, apply func(context.Context, *Entry) error) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	entries, err := q.Entries(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		applyErr := apply(ctx, entry)
		if applyErr == nil {
			if err := q.remove(ctx, entry.ID); err != nil {
				return err
			}
			continue
		}

		if errors.Is(applyErr, fieldapi.ErrAuth) {
			return applyErr
		}

		entry.Attempts++
		permanent := fieldapi.IsPermanent(applyErr)
		poisoned := entry.Attempts >= q.maxAttempts

		if err := q.store.SetLastError(ctx, entry.EntityType.Collection(), entry.EntityID, applyErr.Error()); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if permanent || poisoned {
			q.logger.Warn("evicting outbox entry",
				"entity_type", entry.EntityType, "entity_id", entry.EntityID,
				"action", entry.Action, "attempts", entry.Attempts,
				"permanent", permanent, "error", applyErr)
			if err := q.remove(ctx, entry.ID); err != nil {
				return err
			}
			continue
		}

		q.logger.Warn("outbox entry failed, will retry",
			"entity_type", entry.EntityType, "entity_id", entry.EntityID,
			"action", entry.Action, "attempts", entry.Attempts, "error", applyErr)
		if err := q.recordFailure(ctx, entry.ID, entry.Attempts, applyErr.Error()); err != nil {
			return err
		}
	}
	return nil
}

func (q *Outbox) remove(ctx context.Context, id int64) error {
	return q.store.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove queue entry: %w", err)
		}
		return nil
	})
}

func (q *Outbox) recordFailure(ctx context.Context, id int64, attempts int, msg string) error {
	return q.store.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET attempts = ?, last_error = ? WHERE id = ?
		`, attempts, msg, id); err != nil {
			return fmt.Errorf("failed to record queue failure: %w", err)
		}
		return nil
	})
}
