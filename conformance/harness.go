// Package conformance provides a test harness for verifying virtualization
// service implementations against the expected admin API behavior.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/commandcenter/servicevirt-go/internal/capture"
	"github.com/commandcenter/servicevirt-go/internal/event"
	"github.com/commandcenter/servicevirt-go/internal/model"
	"github.com/commandcenter/servicevirt-go/internal/server"
	"github.com/commandcenter/servicevirt-go/internal/storage"
	"github.com/commandcenter/servicevirt-go/internal/workflow"
)

// Harness provides a test harness for admin API conformance testing.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	pub    event.Publisher
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// UsePostgres determines whether to use PostgreSQL or in-memory storage.
	// A test database DSN would be needed for the former; the harness falls
	// back to memory when none is wired.
	UsePostgres bool

	// CaptureTimeout bounds live captures issued through the harness.
	CaptureTimeout time.Duration
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	store := storage.NewMemory()

	pub := event.Publisher(&noopPublisher{})

	timeout := cfg.CaptureTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	svc := workflow.New(store, capture.New(timeout), pub)
	mux := server.NewMux(svc, store)

	return &Harness{
		server: httptest.NewServer(mux),
		store:  store,
		pub:    pub,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Store exposes the backing store for direct state assertions.
func (h *Harness) Store() storage.Store {
	return h.store
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
}

// RunConformanceTests runs all conformance tests against the implementation.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("SourcelessLifecycle", h.testSourcelessLifecycle)
	t.Run("PublishRequiresValidation", h.testPublishRequiresValidation)
	t.Run("ListMocks", h.testListMocks)
	t.Run("ClearResponse", h.testClearResponse)
}

// noopPublisher is a no-op implementation of event.Publisher for testing.
type noopPublisher struct{}

func (n *noopPublisher) PublishMockPublished(ctx context.Context, record model.MockRecord) error {
	return nil
}

func (n *noopPublisher) PublishMockRefreshed(ctx context.Context, recordID int64, statusCode int, elapsedMS int64) error {
	return nil
}

func (n *noopPublisher) Close() error {
	return nil
}

// postJSON issues a POST with a JSON body and decodes the enveloped data.
func (h *Harness) postJSON(t *testing.T, path string, body, dataOut any) (int, []byte) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}

	resp, err := http.Post(h.URL()+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read response body: %v", err)
	}

	if dataOut != nil && resp.StatusCode < 300 {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw.Bytes(), &envelope); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if err := json.Unmarshal(envelope.Data, dataOut); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}

	return resp.StatusCode, raw.Bytes()
}

// publishSourceless pushes one sourceless mock through validate and publish.
func (h *Harness) publishSourceless(t *testing.T, name, payload string) int64 {
	t.Helper()
	def := model.RequestDefinition{Name: name, URL: "Not Applicable", MockPayload: payload}

	var validated struct {
		ValidationID string `json:"validationId"`
	}
	status, body := h.postJSON(t, "/v1/mocks/validate", def, &validated)
	if status != http.StatusOK {
		t.Fatalf("validate returned %d: %s", status, body)
	}

	var published struct {
		ID int64 `json:"id"`
	}
	status, body = h.postJSON(t, "/v1/mocks", map[string]any{
		"definition":   def,
		"validationId": validated.ValidationID,
	}, &published)
	if status != http.StatusCreated {
		t.Fatalf("publish returned %d: %s", status, body)
	}
	return published.ID
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, endpoint := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + endpoint)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", endpoint, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", endpoint, resp.StatusCode)
		}
	}
}

// testSourcelessLifecycle tests validate, publish, and routing for a
// sourceless definition.
func (h *Harness) testSourcelessLifecycle(t *testing.T) {
	id := h.publishSourceless(t, "Quote Engine", `{"quote":1250}`)
	if id < 1 {
		t.Fatalf("publish returned id %d", id)
	}

	resp, err := http.Get(h.URL() + "/route?routing_url=/quote-engine")
	if err != nil {
		t.Fatalf("failed to GET /route: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("route returned %d, want 200", resp.StatusCode)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if buf.String() != `{"quote":1250}` {
		t.Errorf("route body = %q, want the published payload", buf.String())
	}
}

// testPublishRequiresValidation tests the validate-before-publish gate.
func (h *Harness) testPublishRequiresValidation(t *testing.T) {
	status, body := h.postJSON(t, "/v1/mocks", map[string]any{
		"definition": model.RequestDefinition{Name: "Orphan", URL: "n/a", MockPayload: `{}`},
	}, nil)
	if status != http.StatusConflict {
		t.Errorf("publish without validation returned %d, want 409: %s", status, body)
	}
}

// testListMocks tests the listing endpoint against the store contents.
func (h *Harness) testListMocks(t *testing.T) {
	h.publishSourceless(t, "Listing Probe", `{"probe":true}`)

	resp, err := http.Get(h.URL() + "/v1/mocks")
	if err != nil {
		t.Fatalf("failed to GET /v1/mocks: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list returned %d, want 200", resp.StatusCode)
	}

	var envelope struct {
		Data []model.MockRecord `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode list response: %v", err)
	}

	stored, err := h.store.ListAll(context.Background(), false)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(envelope.Data) != len(stored) {
		t.Errorf("list returned %d records, store holds %d", len(envelope.Data), len(stored))
	}
}

// testClearResponse tests the clear endpoint and the resulting routing miss.
func (h *Harness) testClearResponse(t *testing.T) {
	id := h.publishSourceless(t, "Clearable", `{"x":1}`)

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/mocks/%d/response", h.URL(), id), nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear returned %d, want 200", resp.StatusCode)
	}

	rec, err := h.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if rec.Response != nil {
		t.Errorf("response after clear = %v, want nil with the row retained", *rec.Response)
	}
}
