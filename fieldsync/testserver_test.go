package fieldsync

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

// fakeBackend is an in-memory stand-in for the property-management REST
// API: {"data": ...} envelopes, bearer auth, per-entity CRUD.
type fakeBackend struct {
	mu          sync.Mutex
	nextID      int
	properties  map[string]map[string]any
	workOrders  map[string]map[string]any
	contractors map[string]map[string]any
	photos      map[string]map[string]any

	createCalls      int // mutation counters for idempotency assertions
	uploadCalls      int
	failStatus       int // when non-zero, mutation endpoints return this status
	failPropertyList int // when non-zero, GET /api/properties returns this status

	server *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		properties:  map[string]map[string]any{},
		workOrders:  map[string]map[string]any{},
		contractors: map[string]map[string]any{},
		photos:      map[string]map[string]any{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/properties", b.list(&b.properties, &b.failPropertyList))
	mux.HandleFunc("GET /api/work-orders", b.list(&b.workOrders, nil))
	mux.HandleFunc("GET /api/contractors", b.list(&b.contractors, nil))
	mux.HandleFunc("POST /api/properties", b.create(&b.properties))
	mux.HandleFunc("POST /api/work-orders", b.create(&b.workOrders))
	mux.HandleFunc("PATCH /api/properties/{id}", b.update(&b.properties))
	mux.HandleFunc("PATCH /api/work-orders/{id}", b.update(&b.workOrders))
	mux.HandleFunc("DELETE /api/properties/{id}", b.remove(&b.properties))
	mux.HandleFunc("DELETE /api/work-orders/{id}", b.remove(&b.workOrders))
	mux.HandleFunc("POST /api/photos", b.uploadPhoto)

	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) url() string { return b.server.URL }

// failWith makes every mutation endpoint answer with status until reset to
// zero.
func (b *fakeBackend) failWith(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failStatus = status
}

func (b *fakeBackend) seed(collection *map[string]map[string]any, fields map[string]any) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("srv-%d", b.nextID)
	row := map[string]any{"id": id}
	for k, v := range fields {
		row[k] = v
	}
	(*collection)[id] = row
	return id
}

func (b *fakeBackend) list(collection *map[string]map[string]any, failFlag *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		if failFlag != nil && *failFlag != 0 {
			status := *failFlag
			b.mu.Unlock()
			writeJSON(w, status, map[string]any{"error": "injected list failure"})
			return
		}
		rows := make([]map[string]any, 0, len(*collection))
		for _, row := range *collection {
			rows = append(rows, row)
		}
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"data": rows})
	}
}

func (b *fakeBackend) create(collection *map[string]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.createCalls++
		if b.failStatus != 0 {
			writeJSON(w, b.failStatus, map[string]any{"error": "injected failure"})
			return
		}
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad json"})
			return
		}
		b.nextID++
		id := fmt.Sprintf("srv-%d", b.nextID)
		fields["id"] = id
		(*collection)[id] = fields
		writeJSON(w, http.StatusCreated, map[string]any{"data": fields})
	}
}

func (b *fakeBackend) update(collection *map[string]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.failStatus != 0 {
			writeJSON(w, b.failStatus, map[string]any{"error": "injected failure"})
			return
		}
		id := r.PathValue("id")
		row, ok := (*collection)[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad json"})
			return
		}
		for k, v := range patch {
			row[k] = v
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": row})
	}
}

func (b *fakeBackend) remove(collection *map[string]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.failStatus != 0 {
			writeJSON(w, b.failStatus, map[string]any{"error": "injected failure"})
			return
		}
		id := r.PathValue("id")
		if _, ok := (*collection)[id]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		delete(*collection, id)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"deleted": true}})
	}
}

func (b *fakeBackend) uploadPhoto(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploadCalls++
	if b.failStatus != 0 {
		writeJSON(w, b.failStatus, map[string]any{"error": "injected failure"})
		return
	}
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad multipart"})
		return
	}
	var meta map[string]any
	if raw := r.FormValue("meta"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad meta"})
			return
		}
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing file"})
		return
	}
	defer file.Close()
	if _, err := io.Copy(io.Discard, file); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable file"})
		return
	}

	b.nextID++
	id := fmt.Sprintf("srv-%d", b.nextID)
	row := map[string]any{
		"id":            id,
		"s3_url":        "https://bucket.example.com/" + id + ".jpg",
		"thumbnail_url": "https://bucket.example.com/" + id + "_thumb.jpg",
	}
	if wo, ok := meta["work_order_id"]; ok {
		row["work_order_id"] = wo
	}
	if caption, ok := meta["caption"]; ok {
		row["caption"] = caption
	}
	b.photos[id] = row
	writeJSON(w, http.StatusCreated, map[string]any{"data": row})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// testConfig shrinks timers so tests run fast.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Debounce = 2 * time.Millisecond
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

// goOnline feeds an online event through the debounce and waits for it to
// land.
func goOnline(t *testing.T, m *Monitor) {
	t.Helper()
	m.Notify(true)
	require.Eventually(t, func() bool { return m.Current().Online },
		time.Second, time.Millisecond)
}

func goOffline(t *testing.T, m *Monitor) {
	t.Helper()
	m.Notify(false)
	require.Eventually(t, func() bool { return !m.Current().Online },
		time.Second, time.Millisecond)
}

// requireQueueLen asserts the outbox length.
func requireQueueLen(t *testing.T, q *Outbox, want int) {
	t.Helper()
	n, err := q.Len(t.Context())
	require.NoError(t, err)
	require.Equal(t, want, n)
}
