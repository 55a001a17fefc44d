// internal/server/mux_test.go
// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/commandcenter/servicevirt-go/internal/capture"
	"github.com/commandcenter/servicevirt-go/internal/model"
	"github.com/commandcenter/servicevirt-go/internal/storage"
	"github.com/commandcenter/servicevirt-go/internal/workflow"
)

// mockPublisher implements event.Publisher for testing purposes.
type mockPublisher struct{}

func (m *mockPublisher) PublishMockPublished(ctx context.Context, record model.MockRecord) error {
	return nil
}

func (m *mockPublisher) PublishMockRefreshed(ctx context.Context, recordID int64, statusCode int, elapsedMS int64) error {
	return nil
}

func (m *mockPublisher) Close() error { return nil }

// newTestMux builds a mux over an in-memory store.
func newTestMux(t *testing.T) (*http.ServeMux, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	svc := workflow.New(store, capture.New(5*time.Second), &mockPublisher{})
	return NewMux(svc, store), store
}

// doJSON issues a request with a JSON body and returns the recorder.
func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

// TestHealthzEndpoint tests the healthz endpoint.
func TestHealthzEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), "ok")
	}
}

// TestReadyzEndpoint tests the readyz endpoint.
func TestReadyzEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
}

// TestValidatePublishRouteFlow walks the full sourceless lifecycle over the
// wire: validate, publish with the returned token, then serve by routing key.
func TestValidatePublishRouteFlow(t *testing.T) {
	mux, _ := newTestMux(t)

	def := model.RequestDefinition{
		Name:        "Policy Lookup",
		URL:         "Not Applicable",
		MockPayload: `{"policy":"P-100"}`,
	}

	rr := doJSON(t, mux, "POST", "/v1/mocks/validate", def)
	if rr.Code != http.StatusOK {
		t.Fatalf("validate returned status %d: %s", rr.Code, rr.Body.String())
	}

	var validateResp struct {
		Data struct {
			ValidationID string `json:"validationId"`
			Sourceless   bool   `json:"sourceless"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &validateResp); err != nil {
		t.Fatalf("decode validate response: %v", err)
	}
	if validateResp.Data.ValidationID == "" {
		t.Fatal("validate returned empty validationId")
	}
	if !validateResp.Data.Sourceless {
		t.Error("validate Sourceless = false, want true")
	}

	rr = doJSON(t, mux, "POST", "/v1/mocks", map[string]any{
		"definition":   def,
		"validationId": validateResp.Data.ValidationID,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("publish returned status %d: %s", rr.Code, rr.Body.String())
	}

	var publishResp struct {
		Data struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &publishResp); err != nil {
		t.Fatalf("decode publish response: %v", err)
	}
	if publishResp.Data.ID < 1 {
		t.Fatalf("publish returned id %d, want >= 1", publishResp.Data.ID)
	}

	req := httptest.NewRequest("GET", "/route?routing_url=/policy-lookup", nil)
	routeRR := httptest.NewRecorder()
	mux.ServeHTTP(routeRR, req)

	if routeRR.Code != http.StatusOK {
		t.Fatalf("route returned status %d: %s", routeRR.Code, routeRR.Body.String())
	}
	if routeRR.Body.String() != `{"policy":"P-100"}` {
		t.Errorf("route body = %q, want the published payload verbatim", routeRR.Body.String())
	}
	if ct := routeRR.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("route Content-Type = %q, want application/json", ct)
	}
}

// TestPublishWithoutValidation tests that publish without a redeemable token
// is rejected with 409 and no record is stored.
func TestPublishWithoutValidation(t *testing.T) {
	mux, store := newTestMux(t)

	rr := doJSON(t, mux, "POST", "/v1/mocks", map[string]any{
		"definition": model.RequestDefinition{Name: "Orphan", URL: "n/a", MockPayload: `{}`},
	})
	if rr.Code != http.StatusConflict {
		t.Errorf("publish without validation returned %d, want 409", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "SV_NO_VALIDATED_RESPONSE") {
		t.Errorf("publish error body = %s, want SV_NO_VALIDATED_RESPONSE", rr.Body.String())
	}

	records, _ := store.ListAll(context.Background(), false)
	if len(records) != 0 {
		t.Errorf("store holds %d records, want 0", len(records))
	}
}

// TestValidationTokenSingleUse tests that a validation token cannot be
// redeemed twice.
func TestValidationTokenSingleUse(t *testing.T) {
	mux, _ := newTestMux(t)

	def := model.RequestDefinition{Name: "Claims", URL: "n/a", MockPayload: `{"a":1}`}

	rr := doJSON(t, mux, "POST", "/v1/mocks/validate", def)
	if rr.Code != http.StatusOK {
		t.Fatalf("validate returned status %d", rr.Code)
	}
	var validateResp struct {
		Data struct {
			ValidationID string `json:"validationId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &validateResp); err != nil {
		t.Fatalf("decode validate response: %v", err)
	}

	body := map[string]any{"definition": def, "validationId": validateResp.Data.ValidationID}
	if rr := doJSON(t, mux, "POST", "/v1/mocks", body); rr.Code != http.StatusCreated {
		t.Fatalf("first publish returned %d", rr.Code)
	}
	if rr := doJSON(t, mux, "POST", "/v1/mocks", body); rr.Code != http.StatusConflict {
		t.Errorf("second publish with same token returned %d, want 409", rr.Code)
	}
}

// TestValidateRejectsBadPayload tests the wire mapping of an invalid
// sourceless payload.
func TestValidateRejectsBadPayload(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := doJSON(t, mux, "POST", "/v1/mocks/validate", model.RequestDefinition{
		Name:        "Broken",
		URL:         "n/a",
		MockPayload: `{not json`,
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("validate returned %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "SV_INVALID_PAYLOAD") {
		t.Errorf("validate error body = %s, want SV_INVALID_PAYLOAD", rr.Body.String())
	}
}

// publishMock pushes one sourceless mock through the full flow and returns
// its id.
func publishMock(t *testing.T, mux *http.ServeMux, name, payload string) int64 {
	t.Helper()
	def := model.RequestDefinition{Name: name, URL: "n/a", MockPayload: payload}

	rr := doJSON(t, mux, "POST", "/v1/mocks/validate", def)
	if rr.Code != http.StatusOK {
		t.Fatalf("validate returned status %d: %s", rr.Code, rr.Body.String())
	}
	var validateResp struct {
		Data struct {
			ValidationID string `json:"validationId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &validateResp); err != nil {
		t.Fatalf("decode validate response: %v", err)
	}

	rr = doJSON(t, mux, "POST", "/v1/mocks", map[string]any{
		"definition":   def,
		"validationId": validateResp.Data.ValidationID,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("publish returned status %d: %s", rr.Code, rr.Body.String())
	}
	var publishResp struct {
		Data struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &publishResp); err != nil {
		t.Fatalf("decode publish response: %v", err)
	}
	return publishResp.Data.ID
}

// TestListAndGetMocks tests the listing and single-record endpoints.
func TestListAndGetMocks(t *testing.T) {
	mux, _ := newTestMux(t)

	id := publishMock(t, mux, "Claims", `{"claims":[]}`)
	publishMock(t, mux, "Policies", `{"policies":[]}`)

	rr := doJSON(t, mux, "GET", "/v1/mocks", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list returned status %d", rr.Code)
	}
	var listResp struct {
		Data []model.MockRecord `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(listResp.Data) != 2 {
		t.Errorf("list returned %d records, want 2", len(listResp.Data))
	}

	rr = doJSON(t, mux, "GET", fmt.Sprintf("/v1/mocks/%d", id), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get returned status %d", rr.Code)
	}
	var getResp struct {
		Data model.MockRecord `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &getResp); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if getResp.Data.Name != "Claims" {
		t.Errorf("get returned record %q, want Claims", getResp.Data.Name)
	}

	rr = doJSON(t, mux, "GET", "/v1/mocks/999", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get missing record returned %d, want 404", rr.Code)
	}
}

// TestClearResponseEndpoint tests DELETE /v1/mocks/{id}/response.
func TestClearResponseEndpoint(t *testing.T) {
	mux, store := newTestMux(t)

	id := publishMock(t, mux, "Claims", `{"claims":[]}`)

	rr := doJSON(t, mux, "DELETE", fmt.Sprintf("/v1/mocks/%d/response", id), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("clear returned status %d: %s", rr.Code, rr.Body.String())
	}

	rec, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if rec.Response != nil {
		t.Errorf("response after clear = %v, want nil (row retained)", *rec.Response)
	}

	// Route lookup must now report no mock available
	req := httptest.NewRequest("GET", "/route?routing_url=/claims", nil)
	routeRR := httptest.NewRecorder()
	mux.ServeHTTP(routeRR, req)
	if routeRR.Code != http.StatusNotFound {
		t.Errorf("route after clear returned %d, want 404", routeRR.Code)
	}
}

// TestMethodNotAllowed tests the method guards on the lifecycle endpoints.
func TestMethodNotAllowed(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := doJSON(t, mux, "GET", "/v1/mocks/validate", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("GET validate returned %d, want 400", rr.Code)
	}

	rr = doJSON(t, mux, "POST", "/route?routing_url=/x", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("POST route returned %d, want 400", rr.Code)
	}
}

// TestCorrelationIDHeader tests that every response carries a correlation id.
func TestCorrelationIDHeader(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := doJSON(t, mux, "GET", "/v1/mocks", nil)
	if rr.Header().Get("X-Correlation-Id") == "" {
		t.Error("response missing X-Correlation-Id header")
	}

	req := httptest.NewRequest("GET", "/v1/mocks", nil)
	req.Header.Set("X-Correlation-Id", "fixed-id")
	rr2 := httptest.NewRecorder()
	mux.ServeHTTP(rr2, req)
	if got := rr2.Header().Get("X-Correlation-Id"); got != "fixed-id" {
		t.Errorf("X-Correlation-Id = %q, want the caller-supplied fixed-id", got)
	}
}
