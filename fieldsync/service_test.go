package fieldsync

import (
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/rightfit/fieldsync/fieldapi"
)

// newTestClient wires a full client against the fake backend. The monitor
// starts offline; tests flip it with goOnline/goOffline.
func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	client, err := NewClient(db, backend.url(), StaticToken(testToken), nil, testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestCreateWorkOrderOnline(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)
	goOnline(t, client.Monitor)

	res, err := client.Data.CreateWorkOrder(t.Context(), map[string]any{
		"property_id": "srv-10",
		"title":       "Fix boiler",
	})
	require.NoError(t, err)
	require.False(t, res.Offline)
	require.True(t, res.Record.Synced)
	require.NotEmpty(t, res.Record.ServerID)
	requireQueueLen(t, client.Queue, 0)
}

func TestCreateWorkOrderOffline(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)

	res, err := client.Data.CreateWorkOrder(t.Context(), map[string]any{"title": "Fix boiler"})
	require.NoError(t, err)
	require.True(t, res.Offline)
	require.False(t, res.Record.Synced)
	require.Empty(t, res.Record.ServerID)
	requireQueueLen(t, client.Queue, 1)

	// Nothing hit the network
	require.Zero(t, backend.createCalls)
}

func TestCreateWorkOrderFallsBackOnTransientFailure(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)
	goOnline(t, client.Monitor)

	backend.failWith(http.StatusBadGateway)
	res, err := client.Data.CreateWorkOrder(t.Context(), map[string]any{"title": "Fix boiler"})
	require.NoError(t, err)
	require.True(t, res.Offline)
	requireQueueLen(t, client.Queue, 1)
}

func TestCreateWorkOrderSurfacesValidationError(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)
	goOnline(t, client.Monitor)

	backend.failWith(http.StatusUnprocessableEntity)
	_, err := client.Data.CreateWorkOrder(t.Context(), map[string]any{"title": ""})
	require.Error(t, err)
	require.True(t, fieldapi.IsPermanent(err))

	// A payload the server rejected outright is not queued for retry
	requireQueueLen(t, client.Queue, 0)
	records, lerr := client.Store.List(t.Context(), CollectionWorkOrders)
	require.NoError(t, lerr)
	require.Empty(t, records)
}

func TestUpdateWorkOrderOnlineByServerID(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)
	goOnline(t, client.Monitor)

	created, err := client.Data.CreateWorkOrder(t.Context(), map[string]any{
		"title":  "Fix boiler",
		"status": "open",
	})
	require.NoError(t, err)

	// Address the record by its server identity
	res, err := client.Data.UpdateWorkOrder(t.Context(), created.Record.ServerID,
		map[string]any{"status": "done"})
	require.NoError(t, err)
	require.False(t, res.Offline)
	require.True(t, res.Record.Synced)
	require.Equal(t, "done", res.Record.Fields["status"])
}

func TestUpdateWorkOrderWithoutServerIDQueues(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)

	created, err := client.Data.CreateWorkOrder(t.Context(), map[string]any{"title": "x"})
	require.NoError(t, err)
	requireQueueLen(t, client.Queue, 1)

	goOnline(t, client.Monitor)

	// Online, but the record has no server id yet: local patch + queue
	res, err := client.Data.UpdateWorkOrder(t.Context(), created.Record.LocalID,
		map[string]any{"status": "done"})
	require.NoError(t, err)
	require.True(t, res.Offline)
	require.Equal(t, "done", res.Record.Fields["status"])
	requireQueueLen(t, client.Queue, 2)
}

func TestDeleteWorkOrderOfflineQueues(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)

	created, err := client.Data.CreateWorkOrder(t.Context(), map[string]any{"title": "x"})
	require.NoError(t, err)

	require.NoError(t, client.Data.DeleteWorkOrder(t.Context(), created.Record.LocalID))

	got, err := client.Store.Find(t.Context(), CollectionWorkOrders, created.Record.LocalID)
	require.NoError(t, err)
	require.True(t, got.Deleted)
	requireQueueLen(t, client.Queue, 2) // create then delete, FIFO per entity
}

func TestSavePhotoPersistsLocalURIBeforeUpload(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)

	dir := t.TempDir()
	localURI := filepath.Join(dir, "kitchen.jpg")
	require.NoError(t, os.WriteFile(localURI, []byte("jpeg-bytes"), 0o644))

	res, err := client.Data.SavePhoto(t.Context(), map[string]any{
		"work_order_id": "srv-1",
		"caption":       "kitchen leak",
	}, localURI)
	require.NoError(t, err)
	require.True(t, res.Offline)
	require.Equal(t, localURI, res.Record.Fields["local_uri"])
	requireQueueLen(t, client.Queue, 1)
}

func TestSavePhotoOnlineUploads(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)
	goOnline(t, client.Monitor)

	dir := t.TempDir()
	localURI := filepath.Join(dir, "kitchen.jpg")
	require.NoError(t, os.WriteFile(localURI, []byte("jpeg-bytes"), 0o644))

	res, err := client.Data.SavePhoto(t.Context(), map[string]any{
		"work_order_id": "srv-1",
	}, localURI)
	require.NoError(t, err)
	require.False(t, res.Offline)
	require.True(t, res.Record.Synced)
	require.NotEmpty(t, res.Record.ServerID)
	require.NotEmpty(t, res.Record.Fields["s3_url"])
	// The local reference is kept even after a successful upload
	require.Equal(t, localURI, res.Record.Fields["local_uri"])
	requireQueueLen(t, client.Queue, 0)
}

func TestQueuedOperationsCount(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)

	n, err := client.Data.QueuedOperationsCount(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = client.Data.CreateWorkOrder(t.Context(), map[string]any{"title": "x"})
	require.NoError(t, err)

	n, err = client.Data.QueuedOperationsCount(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
