// Copyright 2025 RightFit Services
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"log/slog"

	"github.com/rightfit/fieldsync/fieldapi"
)

// DataService is the write path used by UI actions: it attempts an
// immediate remote write when online and degrades to a local-only write
// plus a queued outbox entry when offline or on a transient remote
// failure. Permanent remote errors (validation, auth) surface to the
// caller immediately instead of being queued for retries that can never
// succeed. Local-storage failures always propagate.
type DataService struct {
	store   *Store
	queue   *Outbox
	gateway *Gateway
	monitor *Monitor
	logger  *slog.Logger
}

// WriteResult is the outcome of a UI write. Offline is true when the
// record only exists locally so far, letting the caller render an
// "unsynced" affordance.
type WriteResult struct {
	Record  *Record
	Offline bool
}

// NewDataService wires the write path over its collaborators.
func NewDataService(store *Store, queue *Outbox, gateway *Gateway, monitor *Monitor, logger *slog.Logger) *DataService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataService{store: store, queue: queue, gateway: gateway, monitor: monitor, logger: logger}
}

// CreateWorkOrder creates a work order, remote-first when online.
func (s *DataService) CreateWorkOrder(ctx context.Context, fields map[string]any) (*WriteResult, error) {
	return s.create(ctx, EntityWorkOrder, fields, func(ctx context.Context) (string, map[string]any, error) {
		wo, err := s.gateway.CreateWorkOrder(ctx, fields)
		if err != nil {
			return "", nil, err
		}
		merged, err := fieldapi.FieldMap(wo)
		return wo.ID, merged, err
	})
}

// CreateProperty creates a property, remote-first when online.
func (s *DataService) CreateProperty(ctx context.Context, fields map[string]any) (*WriteResult, error) {
	return s.create(ctx, EntityProperty, fields, func(ctx context.Context) (string, map[string]any, error) {
		p, err := s.gateway.CreateProperty(ctx, fields)
		if err != nil {
			return "", nil, err
		}
		merged, err := fieldapi.FieldMap(p)
		return p.ID, merged, err
	})
}

// create implements the shared online-first branch. remote performs the
// gateway call and returns the server identity plus the server's view of
// the fields.
func (s *DataService) create(ctx context.Context, entityType EntityType, fields map[string]any, remote func(context.Context) (string, map[string]any, error)) (*WriteResult, error) {
	collection := entityType.Collection()

	if s.monitor.Current().Online {
		serverID, merged, err := remote(ctx)
		if err == nil {
			rec, err := s.store.CreateRecord(ctx, collection, merged, serverID, true)
			if err != nil {
				return nil, err
			}
			return &WriteResult{Record: rec}, nil
		}
		if fieldapi.IsPermanent(err) {
			return nil, err
		}
		s.logger.Warn("remote create failed, falling back to offline write",
			"entity_type", entityType, "error", err)
	}

	rec, err := s.store.CreateRecord(ctx, collection, fields, "", false)
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, entityType, rec.LocalID, ActionCreate, fields); err != nil {
		return nil, err
	}
	return &WriteResult{Record: rec, Offline: true}, nil
}

// UpdateWorkOrder applies a partial update. id may be either a server or a
// local identity; purely local records are patched locally and queued.
func (s *DataService) UpdateWorkOrder(ctx context.Context, id string, patch map[string]any) (*WriteResult, error) {
	return s.update(ctx, EntityWorkOrder, id, patch, func(ctx context.Context, serverID string) (map[string]any, error) {
		wo, err := s.gateway.UpdateWorkOrder(ctx, serverID, patch)
		if err != nil {
			return nil, err
		}
		return fieldapi.FieldMap(wo)
	})
}

// UpdateProperty applies a partial update to a property.
func (s *DataService) UpdateProperty(ctx context.Context, id string, patch map[string]any) (*WriteResult, error) {
	return s.update(ctx, EntityProperty, id, patch, func(ctx context.Context, serverID string) (map[string]any, error) {
		p, err := s.gateway.UpdateProperty(ctx, serverID, patch)
		if err != nil {
			return nil, err
		}
		return fieldapi.FieldMap(p)
	})
}

func (s *DataService) update(ctx context.Context, entityType EntityType, id string, patch map[string]any, remote func(context.Context, string) (map[string]any, error)) (*WriteResult, error) {
	collection := entityType.Collection()
	rec, err := s.store.Resolve(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	if s.monitor.Current().Online && rec.ServerID != "" {
		merged, err := remote(ctx, rec.ServerID)
		if err == nil {
			updated, err := s.store.UpdateFields(ctx, collection, rec.LocalID, merged, true)
			if err != nil {
				return nil, err
			}
			return &WriteResult{Record: updated}, nil
		}
		if fieldapi.IsPermanent(err) {
			return nil, err
		}
		s.logger.Warn("remote update failed, falling back to offline write",
			"entity_type", entityType, "id", id, "error", err)
	}

	updated, err := s.store.UpdateFields(ctx, collection, rec.LocalID, patch, false)
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, entityType, rec.LocalID, ActionUpdate, patch); err != nil {
		return nil, err
	}
	return &WriteResult{Record: updated, Offline: true}, nil
}

// DeleteWorkOrder deletes a work order. Server-known records are deleted
// remotely when online; otherwise the record is soft-deleted locally and a
// delete entry is queued behind any earlier mutations for the same entity.
func (s *DataService) DeleteWorkOrder(ctx context.Context, id string) error {
	collection := EntityWorkOrder.Collection()
	rec, err := s.store.Resolve(ctx, collection, id)
	if err != nil {
		return err
	}

	if s.monitor.Current().Online && rec.ServerID != "" {
		err := s.gateway.DeleteWorkOrder(ctx, rec.ServerID)
		if err == nil {
			return s.store.DeleteRecord(ctx, collection, rec.LocalID)
		}
		if fieldapi.IsPermanent(err) {
			return err
		}
		s.logger.Warn("remote delete failed, falling back to offline delete",
			"id", id, "error", err)
	}

	if err := s.store.MarkDeleted(ctx, collection, rec.LocalID); err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, EntityWorkOrder, rec.LocalID, ActionDelete, nil)
}

// SavePhoto stores a work-order photo. The local file reference is
// persisted before any network attempt so the asset is never lost even if
// the upload crashes mid-flight.
func (s *DataService) SavePhoto(ctx context.Context, fields map[string]any, localURI string) (*WriteResult, error) {
	collection := EntityPhoto.Collection()
	if fields == nil {
		fields = map[string]any{}
	}
	fields["local_uri"] = localURI

	rec, err := s.store.CreateRecord(ctx, collection, fields, "", false)
	if err != nil {
		return nil, err
	}

	if s.monitor.Current().Online {
		photo, err := s.gateway.UploadPhoto(ctx, fields, localURI)
		if err == nil {
			merged, err := fieldapi.FieldMap(photo)
			if err != nil {
				return nil, err
			}
			merged["local_uri"] = localURI
			updated, err := s.store.UpdateFields(ctx, collection, rec.LocalID, merged, false)
			if err != nil {
				return nil, err
			}
			if err := s.store.MarkSynced(ctx, collection, rec.LocalID, photo.ID); err != nil {
				return nil, err
			}
			updated.ServerID = photo.ID
			updated.Synced = true
			return &WriteResult{Record: updated}, nil
		}
		if fieldapi.IsPermanent(err) {
			if serr := s.store.SetLastError(ctx, collection, rec.LocalID, err.Error()); serr != nil {
				s.logger.Error("failed to record photo upload error", "error", serr)
			}
			return nil, err
		}
		s.logger.Warn("photo upload failed, queueing for retry", "local_uri", localURI, "error", err)
	}

	if err := s.queue.Enqueue(ctx, EntityPhoto, rec.LocalID, ActionCreate, fields); err != nil {
		return nil, err
	}
	return &WriteResult{Record: rec, Offline: true}, nil
}

// QueuedOperationsCount reports the number of pending outbox entries, for
// the sync badge.
func (s *DataService) QueuedOperationsCount(ctx context.Context) (int, error) {
	return s.queue.Len(ctx)
}
