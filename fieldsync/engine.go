// Copyright 2025 RightFit Services
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rightfit/fieldsync/fieldapi"
)

// DefaultSyncInterval is the periodic sync cadence while the engine is
// started.
const DefaultSyncInterval = 5 * time.Minute

// ErrSyncInProgress is returned when a sync cycle is already running; the
// trigger is dropped, not queued, and the next tick or connectivity event
// will retry.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrOffline is returned when a sync is requested while the device is
// offline.
var ErrOffline = errors.New("device is offline")

// EngineStatus is the snapshot backing the always-present sync affordance.
type EngineStatus struct {
	Online  bool
	Syncing bool
	Queued  int
}

// Engine runs the reconciliation cycle: pull authoritative server state
// into the store, then drain the outbox against the gateway. One cycle at
// a time; triggers are the periodic ticker, an offline-to-online
// transition, an enqueue while online, and the manual SyncAll hook.
type Engine struct {
	store   *Store
	queue   *Outbox
	gateway *Gateway
	monitor *Monitor
	logger  *slog.Logger

	interval   time.Duration
	backoffMin time.Duration
	backoffMax time.Duration

	mu        sync.Mutex
	syncing   bool
	started   bool
	wasOnline bool
	backoff   time.Duration
	nextAuto  time.Time
	stop      chan struct{}
	unsub     func()
}

// NewEngine wires the reconciliation loop over its collaborators and
// registers the enqueue-triggered drain attempt.
func NewEngine(store *Store, queue *Outbox, gateway *Gateway, monitor *Monitor, config *Config, logger *slog.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      store,
		queue:      queue,
		gateway:    gateway,
		monitor:    monitor,
		logger:     logger,
		interval:   config.SyncInterval,
		backoffMin: config.BackoffMin,
		backoffMax: config.BackoffMax,
	}
	// Fire-and-forget drain attempt on enqueue while online; the guard
	// absorbs it if a cycle is already running, and failures leave the
	// entry queued. Inactive until Start, so a backgrounded app does not
	// sync behind the platform's scheduling policy.
	queue.OnEnqueue(func() {
		e.mu.Lock()
		started := e.started
		e.mu.Unlock()
		if !started || !e.monitor.Current().Online {
			return
		}
		go func() {
			if err := e.SyncAll(context.Background()); err != nil &&
				!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
				e.logger.Debug("enqueue-triggered sync failed", "error", err)
			}
		}()
	})
	return e
}

// Start begins the periodic ticker and subscribes to connectivity
// transitions. It returns immediately; Close tears both down.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.wasOnline = e.monitor.Current().Online
	stop := make(chan struct{})
	e.stop = stop
	e.mu.Unlock()

	e.unsub = e.monitor.Subscribe(func(st State) {
		e.mu.Lock()
		was := e.wasOnline
		e.wasOnline = st.Online
		e.mu.Unlock()
		if !was && st.Online {
			go e.autoSync(ctx)
		}
	})

	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				e.autoSync(ctx)
			}
		}
	}()
	return nil
}

// Close stops the ticker and unsubscribes from connectivity events. An
// in-flight cycle is not cancelled; it finishes on its own.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	e.started = false
	unsub := e.unsub
	e.unsub = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Status returns the state backing the offline/sync indicator.
func (e *Engine) Status(ctx context.Context) (EngineStatus, error) {
	queued, err := e.queue.Len(ctx)
	if err != nil {
		return EngineStatus{}, err
	}
	e.mu.Lock()
	syncing := e.syncing
	e.mu.Unlock()
	return EngineStatus{
		Online:  e.monitor.Current().Online,
		Syncing: syncing,
		Queued:  queued,
	}, nil
}

// SyncAll runs one full reconciliation cycle: pull, then push. It is the
// manual "sync now" hook. Only one cycle runs at a time; a concurrent call
// returns ErrSyncInProgress. A total pull failure skips the push for this
// cycle so server-id resolution never runs against stale state.
func (e *Engine) SyncAll(ctx context.Context) error {
	if !e.monitor.Current().Online {
		return ErrOffline
	}

	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return ErrSyncInProgress
	}
	e.syncing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	if err := e.pull(ctx); err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}
	return e.push(ctx)
}

// pulled is one authoritative server record in store form.
type pulled struct {
	serverID string
	fields   map[string]any
}

// pull fetches the authoritative collections concurrently and upserts
// them keyed by server id. Per-record apply errors are logged and do not
// abort the rest; a fetch failure for any collection fails the cycle, but
// collections that did arrive are applied first (partial pulls are
// accepted as-is). Local records without a server id are never touched.
func (e *Engine) pull(ctx context.Context) error {
	fetchers := []struct {
		collection string
		fetch      func(context.Context) ([]pulled, error)
	}{
		{CollectionProperties, e.fetchProperties},
		{CollectionWorkOrders, e.fetchWorkOrders},
		{CollectionContractors, e.fetchContractors},
	}

	type result struct {
		collection string
		records    []pulled
		err        error
	}
	results := make([]result, len(fetchers))

	var wg sync.WaitGroup
	for i, f := range fetchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records, err := f.fetch(ctx)
			results[i] = result{collection: f.collection, records: records, err: err}
		}()
	}
	wg.Wait()

	var fetchErr error
	for _, res := range results {
		if res.err != nil {
			e.logger.Warn("pull fetch failed", "collection", res.collection, "error", res.err)
			if fetchErr == nil {
				fetchErr = fmt.Errorf("fetch %s: %w", res.collection, res.err)
			}
			continue
		}
		for _, rec := range res.records {
			if _, err := e.store.UpsertByServerID(ctx, res.collection, rec.serverID, rec.fields); err != nil {
				e.logger.Error("pull apply failed", "collection", res.collection,
					"server_id", rec.serverID, "error", err)
			}
		}
	}
	return fetchErr
}

func (e *Engine) fetchProperties(ctx context.Context) ([]pulled, error) {
	props, err := e.gateway.ListProperties(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]pulled, 0, len(props))
	for _, p := range props {
		fields, err := fieldapi.FieldMap(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pulled{serverID: p.ID, fields: fields})
	}
	return out, nil
}

func (e *Engine) fetchWorkOrders(ctx context.Context) ([]pulled, error) {
	orders, err := e.gateway.ListWorkOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]pulled, 0, len(orders))
	for _, wo := range orders {
		fields, err := fieldapi.FieldMap(wo)
		if err != nil {
			return nil, err
		}
		out = append(out, pulled{serverID: wo.ID, fields: fields})
	}
	return out, nil
}

func (e *Engine) fetchContractors(ctx context.Context) ([]pulled, error) {
	contractors, err := e.gateway.ListContractors(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]pulled, 0, len(contractors))
	for _, c := range contractors {
		fields, err := fieldapi.FieldMap(c)
		if err != nil {
			return nil, err
		}
		out = append(out, pulled{serverID: c.ID, fields: fields})
	}
	return out, nil
}

// push drains the outbox against the gateway.
func (e *Engine) push(ctx context.Context) error {
	return e.queue.Drain(ctx, e.applyEntry)
}

// applyEntry dispatches one outbox entry by entity type.
func (e *Engine) applyEntry(ctx context.Context, entry *Entry) error {
	switch entry.EntityType {
	case EntityWorkOrder:
		return e.pushEntity(ctx, entry,
			func(ctx context.Context, payload map[string]any) (string, map[string]any, error) {
				wo, err := e.gateway.CreateWorkOrder(ctx, payload)
				if err != nil {
					return "", nil, err
				}
				fields, err := fieldapi.FieldMap(wo)
				return wo.ID, fields, err
			},
			func(ctx context.Context, serverID string, payload map[string]any) (map[string]any, error) {
				wo, err := e.gateway.UpdateWorkOrder(ctx, serverID, payload)
				if err != nil {
					return nil, err
				}
				return fieldapi.FieldMap(wo)
			},
			e.gateway.DeleteWorkOrder)
	case EntityProperty:
		return e.pushEntity(ctx, entry,
			func(ctx context.Context, payload map[string]any) (string, map[string]any, error) {
				p, err := e.gateway.CreateProperty(ctx, payload)
				if err != nil {
					return "", nil, err
				}
				fields, err := fieldapi.FieldMap(p)
				return p.ID, fields, err
			},
			func(ctx context.Context, serverID string, payload map[string]any) (map[string]any, error) {
				p, err := e.gateway.UpdateProperty(ctx, serverID, payload)
				if err != nil {
					return nil, err
				}
				return fieldapi.FieldMap(p)
			},
			e.gateway.DeleteProperty)
	case EntityPhoto:
		return e.pushPhoto(ctx, entry)
	case EntityContractor:
		// Contractors are pull-only; nothing enqueues them.
		return fmt.Errorf("contractor mutations are not pushed")
	default:
		return fmt.Errorf("unknown entity type %q", entry.EntityType)
	}
}

// pushEntity applies a queued create/update/delete for a record-shaped
// entity. Per-entity FIFO makes the server-id gating safe: an update whose
// create has not been pushed yet fails transiently and is retried after
// the create lands.
func (e *Engine) pushEntity(ctx context.Context, entry *Entry,
	create func(context.Context, map[string]any) (string, map[string]any, error),
	update func(context.Context, string, map[string]any) (map[string]any, error),
	remove func(context.Context, string) error,
) error {
	collection := entry.EntityType.Collection()
	rec, err := e.store.Find(ctx, collection, entry.EntityID)
	if errors.Is(err, ErrNotFound) {
		// Owning record is gone locally; nothing left to apply.
		return nil
	}
	if err != nil {
		return err
	}

	switch entry.Action {
	case ActionCreate:
		if rec.ServerID != "" {
			// A previous attempt succeeded server-side but the response
			// was lost. Replaying as an update keeps the server at
			// exactly one record for this entity.
			merged, err := update(ctx, rec.ServerID, entry.Payload)
			if err != nil {
				return err
			}
			_, err = e.store.UpdateFields(ctx, collection, rec.LocalID, merged, true)
			return err
		}
		serverID, merged, err := create(ctx, entry.Payload)
		if err != nil {
			return err
		}
		if _, err := e.store.UpdateFields(ctx, collection, rec.LocalID, merged, false); err != nil {
			return err
		}
		return e.store.MarkSynced(ctx, collection, rec.LocalID, serverID)

	case ActionUpdate:
		if rec.ServerID == "" {
			return fmt.Errorf("%s %s is awaiting its create", entry.EntityType, entry.EntityID)
		}
		merged, err := update(ctx, rec.ServerID, entry.Payload)
		if err != nil {
			return err
		}
		_, err = e.store.UpdateFields(ctx, collection, rec.LocalID, merged, true)
		return err

	case ActionDelete:
		if rec.ServerID != "" {
			if err := remove(ctx, rec.ServerID); err != nil && !isRemoteNotFound(err) {
				return err
			}
		}
		// A record that never reached the server only needs the local
		// delete.
		return e.store.DeleteRecord(ctx, collection, rec.LocalID)

	default:
		return fmt.Errorf("unknown action %q", entry.Action)
	}
}

// pushPhoto re-uploads the binary from the persisted local reference and
// attaches the server-assigned identity and URLs.
func (e *Engine) pushPhoto(ctx context.Context, entry *Entry) error {
	collection := CollectionPhotos
	rec, err := e.store.Find(ctx, collection, entry.EntityID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.ServerID != "" {
		// Upload landed on an earlier attempt whose response was lost.
		return nil
	}

	localURI, _ := rec.Fields["local_uri"].(string)
	if localURI == "" {
		localURI, _ = entry.Payload["local_uri"].(string)
	}
	if localURI == "" {
		return fmt.Errorf("photo %s has no local file reference", entry.EntityID)
	}

	photo, err := e.gateway.UploadPhoto(ctx, entry.Payload, localURI)
	if err != nil {
		return err
	}
	merged, err := fieldapi.FieldMap(photo)
	if err != nil {
		return err
	}
	merged["local_uri"] = localURI
	if _, err := e.store.UpdateFields(ctx, collection, rec.LocalID, merged, false); err != nil {
		return err
	}
	return e.store.MarkSynced(ctx, collection, rec.LocalID, photo.ID)
}

// autoSync runs a cycle from a non-manual trigger, backing off after
// consecutive failures so a struggling backend is not hammered every tick.
func (e *Engine) autoSync(ctx context.Context) {
	e.mu.Lock()
	if time.Now().Before(e.nextAuto) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	err := e.SyncAll(ctx)
	switch {
	case err == nil:
		e.mu.Lock()
		e.backoff = 0
		e.nextAuto = time.Time{}
		e.mu.Unlock()
	case errors.Is(err, ErrOffline), errors.Is(err, ErrSyncInProgress):
		// Not a failure; the next trigger handles it.
	default:
		e.mu.Lock()
		if e.backoff == 0 {
			e.backoff = e.backoffMin
		} else {
			e.backoff *= 2
			if e.backoff > e.backoffMax {
				e.backoff = e.backoffMax
			}
		}
		e.nextAuto = time.Now().Add(e.backoff)
		backoff := e.backoff
		e.mu.Unlock()
		e.logger.Warn("automatic sync failed", "error", err, "retry_in", backoff)
	}
}

func isRemoteNotFound(err error) bool {
	var remote *fieldapi.RemoteError
	return errors.As(err, &remote) && remote.StatusCode == http.StatusNotFound
}
