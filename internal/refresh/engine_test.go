// Package refresh provides tests for the scheduled refresh engine.
package refresh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/commandcenter/servicevirt-go/internal/capture"
	"github.com/commandcenter/servicevirt-go/internal/model"
	"github.com/commandcenter/servicevirt-go/internal/storage"
)

// mockPublisher implements event.Publisher for testing purposes.
type mockPublisher struct {
	refreshed []int64
}

func (m *mockPublisher) PublishMockPublished(ctx context.Context, record model.MockRecord) error {
	return nil
}

func (m *mockPublisher) PublishMockRefreshed(ctx context.Context, recordID int64, statusCode int, elapsedMS int64) error {
	m.refreshed = append(m.refreshed, recordID)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

func newTestEngine(store storage.Store, pub *mockPublisher) *Engine {
	return New(store, capture.New(0), pub, nil, time.Minute, 2*time.Second, 1)
}

func insertLive(t *testing.T, store storage.Store, name, url string) int64 {
	t.Helper()
	id, err := store.Insert(context.Background(), model.MockRecord{
		Name:        name,
		OriginalURL: url,
		Operation:   "GET",
		RoutingURL:  "/" + name,
		Headers:     "{}",
		Parameters:  "{}",
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return id
}

// TestCycleFailureIsolation tests that one unreachable source leaves the
// other records refreshed and the failing record untouched.
func TestCycleFailureIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"fresh":true}`))
	}))
	t.Cleanup(srv.Close)

	store := storage.NewMemory()
	okA := insertLive(t, store, "a", srv.URL+"/a")
	bad := insertLive(t, store, "b", "http://127.0.0.1:1/unreachable")
	okB := insertLive(t, store, "c", srv.URL+"/c")

	pub := &mockPublisher{}
	engine := newTestEngine(store, pub)

	before, err := store.GetByID(context.Background(), bad)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	engine.runCycle(context.Background())

	for _, id := range []int64{okA, okB} {
		rec, err := store.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("GetByID(%d) error = %v", id, err)
		}
		if rec.Response == nil || *rec.Response != `{"fresh":true}` {
			t.Errorf("record %d response = %v, want refreshed body", id, rec.Response)
		}
	}

	after, err := store.GetByID(context.Background(), bad)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if after.Response != nil {
		t.Errorf("failing record response = %v, want untouched nil", *after.Response)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("failing record UpdatedAt advanced from %v to %v, want unchanged", before.UpdatedAt, after.UpdatedAt)
	}

	if len(pub.refreshed) != 2 {
		t.Errorf("refreshed events = %v, want exactly the two reachable records", pub.refreshed)
	}
}

// TestCycleSkipsSourceless tests that sourceless records are never selected
// for refresh.
func TestCycleSkipsSourceless(t *testing.T) {
	store := storage.NewMemory()
	id, err := store.Insert(context.Background(), model.MockRecord{
		Name:        "static",
		OriginalURL: "Not Applicable",
		RoutingURL:  "/static",
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	pub := &mockPublisher{}
	engine := newTestEngine(store, pub)
	engine.runCycle(context.Background())

	rec, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if rec.Response != nil {
		t.Errorf("sourceless record response = %v, want untouched nil", *rec.Response)
	}
	if len(pub.refreshed) != 0 {
		t.Errorf("refreshed events = %v, want none", pub.refreshed)
	}
}

// TestCycleMalformedHeadersDegrade tests that a record with corrupt stored
// headers is still refreshed with an empty header set.
func TestCycleMalformedHeadersDegrade(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Expected")
		_, _ = w.Write([]byte(`{"ok":1}`))
	}))
	t.Cleanup(srv.Close)

	store := storage.NewMemory()
	id, err := store.Insert(context.Background(), model.MockRecord{
		Name:        "corrupt",
		OriginalURL: srv.URL,
		Operation:   "GET",
		RoutingURL:  "/corrupt",
		Headers:     "{not json",
		Parameters:  "{also not json",
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	engine := newTestEngine(store, &mockPublisher{})
	engine.runCycle(context.Background())

	rec, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if rec.Response == nil || *rec.Response != `{"ok":1}` {
		t.Errorf("record response = %v, want refreshed despite corrupt headers", rec.Response)
	}
	if gotHeader != "" {
		t.Errorf("upstream saw header %q, want empty set", gotHeader)
	}
}

// TestCycleUnknownOperationDegradesToGet tests the stored-operation fallback.
func TestCycleUnknownOperationDegradesToGet(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	store := storage.NewMemory()
	insertRec := model.MockRecord{
		Name:        "odd",
		OriginalURL: srv.URL,
		Operation:   "FETCH",
		RoutingURL:  "/odd",
	}
	if _, err := store.Insert(context.Background(), insertRec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	engine := newTestEngine(store, &mockPublisher{})
	engine.runCycle(context.Background())

	if gotMethod != http.MethodGet {
		t.Errorf("upstream saw method %q, want GET", gotMethod)
	}
}

// TestCycleNon2xxStillUpdates tests that an upstream 500 replaces the stored
// response even though the cycle counts it as a failure.
func TestCycleNon2xxStillUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	t.Cleanup(srv.Close)

	store := storage.NewMemory()
	id := insertLive(t, store, "erroring", srv.URL)

	engine := newTestEngine(store, &mockPublisher{})
	engine.runCycle(context.Background())

	rec, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if rec.Response == nil || *rec.Response != `{"error":"boom"}` {
		t.Errorf("record response = %v, want the 500 body stored", rec.Response)
	}
}

// TestRefreshRecordOutcome tests the per-record success bookkeeping directly.
func TestRefreshRecordOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	store := storage.NewMemory()
	okID := insertLive(t, store, "ok", srv.URL+"/ok")
	failID := insertLive(t, store, "fail", srv.URL+"/fail")

	engine := newTestEngine(store, &mockPublisher{})
	ctx := context.Background()

	okRec, _ := store.GetByID(ctx, okID)
	failRec, _ := store.GetByID(ctx, failID)

	if got := engine.refreshRecord(ctx, "cycle-1", *okRec); !got.Success {
		t.Errorf("refreshRecord(2xx) Success = false, want true (outcome %+v)", got)
	}
	if got := engine.refreshRecord(ctx, "cycle-1", *failRec); got.Success {
		t.Errorf("refreshRecord(502) Success = true, want false in the bookkeeping")
	}
}

// TestRunStopsOnCancel tests that the engine returns promptly once its
// context is cancelled.
func TestRunStopsOnCancel(t *testing.T) {
	store := storage.NewMemory()
	engine := New(store, capture.New(time.Second), &mockPublisher{}, nil, time.Hour, time.Second, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after context cancellation")
	}
}
