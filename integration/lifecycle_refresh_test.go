// integration/lifecycle_refresh_test.go
// Package integration exercises the full lifecycle end to end: publish a
// live-sourced mock over the admin API, run a refresh cycle against a real
// (test) upstream, and verify the refreshed response is served by routing key.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/commandcenter/servicevirt-go/internal/capture"
	"github.com/commandcenter/servicevirt-go/internal/model"
	"github.com/commandcenter/servicevirt-go/internal/refresh"
	"github.com/commandcenter/servicevirt-go/internal/server"
	"github.com/commandcenter/servicevirt-go/internal/storage"
	"github.com/commandcenter/servicevirt-go/internal/workflow"
)

// testPublisher records lifecycle events for assertions.
type testPublisher struct {
	published []int64
	refreshed []int64
}

func (p *testPublisher) PublishMockPublished(ctx context.Context, record model.MockRecord) error {
	p.published = append(p.published, record.ID)
	return nil
}

func (p *testPublisher) PublishMockRefreshed(ctx context.Context, recordID int64, statusCode int, elapsedMS int64) error {
	p.refreshed = append(p.refreshed, recordID)
	return nil
}

func (p *testPublisher) Close() error { return nil }

// postJSON posts a JSON body to the admin server and decodes the enveloped
// data field.
func postJSON(t *testing.T, url string, body, dataOut any) int {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	if dataOut != nil && resp.StatusCode < 300 {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if err := json.Unmarshal(envelope.Data, dataOut); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return resp.StatusCode
}

// TestLiveMockLifecycleWithRefresh publishes a live-sourced mock, lets the
// upstream change, runs a refresh cycle, and verifies the routing surface
// serves the refreshed payload.
func TestLiveMockLifecycleWithRefresh(t *testing.T) {
	// Upstream whose payload changes between the initial capture and the
	// refresh cycle.
	var version atomic.Int64
	version.Store(1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"version":%d}`, version.Load())
	}))
	t.Cleanup(upstream.Close)

	store := storage.NewMemory()
	pub := &testPublisher{}
	captureClient := capture.New(5 * time.Second)
	svc := workflow.New(store, captureClient, pub)
	admin := httptest.NewServer(server.NewMux(svc, store))
	t.Cleanup(admin.Close)

	def := model.RequestDefinition{
		Name:   "Version Feed",
		Method: "GET",
		URL:    upstream.URL + "/feed",
	}

	var validated struct {
		ValidationID string `json:"validationId"`
		StatusCode   int    `json:"statusCode"`
	}
	if status := postJSON(t, admin.URL+"/v1/mocks/validate", def, &validated); status != http.StatusOK {
		t.Fatalf("validate returned %d", status)
	}
	if validated.StatusCode != http.StatusOK {
		t.Fatalf("validate captured status %d, want 200", validated.StatusCode)
	}

	var published struct {
		ID int64 `json:"id"`
	}
	status := postJSON(t, admin.URL+"/v1/mocks", map[string]any{
		"definition":   def,
		"validationId": validated.ValidationID,
	}, &published)
	if status != http.StatusCreated {
		t.Fatalf("publish returned %d", status)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published events = %v, want one", pub.published)
	}

	// The initial capture is served by routing key
	resp, err := http.Get(admin.URL + "/route?routing_url=/feed")
	if err != nil {
		t.Fatalf("GET /route: %v", err)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if buf.String() != `{"version":1}` {
		t.Fatalf("route body = %q, want the initial capture", buf.String())
	}

	// Upstream moves on; a refresh cycle picks up the change
	version.Store(2)
	engine := refresh.New(store, captureClient, pub, nil, time.Minute, 5*time.Second, 1)
	engineCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(engineCtx) // first cycle fires immediately
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		rec, err := store.GetByID(context.Background(), published.ID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if rec.Response != nil && *rec.Response == `{"version":2}` {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("refresh cycle never updated the record; response = %v", rec.Response)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh engine did not stop after cancellation")
	}

	// The routing surface now serves the refreshed payload
	resp, err = http.Get(admin.URL + "/route?routing_url=/feed")
	if err != nil {
		t.Fatalf("GET /route after refresh: %v", err)
	}
	buf.Reset()
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if buf.String() != `{"version":2}` {
		t.Errorf("route body after refresh = %q, want the refreshed payload", buf.String())
	}

	if len(pub.refreshed) == 0 {
		t.Error("no refreshed events recorded, want at least one")
	}
}
