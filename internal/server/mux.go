// internal/server/mux.go
// Package server implements the admin HTTP surface of the virtualization
// service: validate and publish mock definitions, list and inspect records,
// clear cached responses, and serve published mocks by routing key.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	errordefs "github.com/commandcenter/servicevirt-go/internal/errors"
	"github.com/commandcenter/servicevirt-go/internal/metrics"
	"github.com/commandcenter/servicevirt-go/internal/model"
	"github.com/commandcenter/servicevirt-go/internal/storage"
	"github.com/commandcenter/servicevirt-go/internal/workflow"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// ContextKeyCorrelationID stores the unique ID for request tracking
	ContextKeyCorrelationID ContextKey = "correlationId"

	// validationTTL bounds how long a validate result stays redeemable.
	// A publish presenting an expired token is treated the same as a
	// publish with no prior validate.
	validationTTL = 10 * time.Minute
)

// Mux handles HTTP requests for the virtualization service.
type Mux struct {
	mux     *http.ServeMux
	svc     *workflow.Service
	store   storage.Store // readiness probing only; all data access goes through svc
	metrics *metrics.Metrics

	// Pending validations keyed by token, redeemed (at most once) by a
	// subsequent publish.
	valMu       sync.Mutex
	validations map[string]pendingValidation
}

// pendingValidation is one redeemable validate result.
type pendingValidation struct {
	val       *model.Validation
	expiresAt time.Time
}

// NewMux creates a new HTTP mux with all admin endpoints.
// Parameters:
//   - svc: Workflow service carrying the validate/publish/list/clear contract
//   - store: Record store, used only by the readiness probe
func NewMux(svc *workflow.Service, store storage.Store) *http.ServeMux {
	m := &Mux{
		mux:         http.NewServeMux(),
		svc:         svc,
		store:       store,
		metrics:     metrics.NewMetrics(),
		validations: make(map[string]pendingValidation),
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Register mock lifecycle endpoints
	m.mux.HandleFunc("/v1/mocks/validate", m.method("POST", m.withMiddleware(m.handleValidate)))
	m.mux.HandleFunc("/v1/mocks", m.withMiddleware(m.handleMocks))
	m.mux.HandleFunc("/v1/mocks/", m.withMiddleware(m.handleMockByID))

	// Routing surface: serve a published mock by its routing key
	m.mux.HandleFunc("/route", m.method("GET", m.withMiddleware(m.handleRoute)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			err := errordefs.New(errordefs.SV_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// withMiddleware applies common middleware to handlers
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		h(w, r)
	}
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the service error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}

	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}

	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// writeWorkflowError maps an error surfaced by the workflow service onto the
// wire format, defaulting unknown errors to SV_INTERNAL.
func (m *Mux) writeWorkflowError(w http.ResponseWriter, err error, correlationID string) {
	var errDef *errordefs.Error
	if errors.As(err, &errDef) {
		errDef.CorrelationID = correlationID
		m.writeErrorDef(w, errDef)
		return
	}
	m.writeErrorDef(w, errordefs.New(errordefs.SV_INTERNAL, err.Error(), correlationID))
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// A lookup for a record that can't exist still proves the store answers
	_, err := m.store.GetByID(ctx, -1)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// validateResponse is the wire shape returned by a successful validate call.
type validateResponse struct {
	ValidationID  string            `json:"validationId"`
	StatusCode    int               `json:"statusCode"`
	ElapsedMS     int64             `json:"elapsedMs"`
	Headers       map[string]string `json:"headers,omitempty"`
	ContentLength int               `json:"contentLength"`
	Sourceless    bool              `json:"sourceless"`
	ResponseText  string            `json:"responseText"`
	ExpiresAt     time.Time         `json:"expiresAt"`
}

// handleValidate handles POST /v1/mocks/validate. A successful validation is
// parked under a one-time token that the subsequent publish must present.
func (m *Mux) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("svirt-service").Start(r.Context(), "handleValidate")
	defer span.End()
	defer r.Body.Close()

	start := time.Now()
	correlationID := ctx.Value(ContextKeyCorrelationID).(string)

	var def model.RequestDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		err := errordefs.New(errordefs.SV_VALIDATION, "invalid JSON", correlationID)
		m.writeErrorDef(w, err)
		return
	}

	span.SetAttributes(
		attribute.String("url", def.URL),
		attribute.String("method", def.Method),
		attribute.Bool("sourceless", def.Sourceless()),
	)

	val, err := m.svc.Validate(ctx, def)
	if err != nil {
		span.SetStatus(codes.Error, "validation failed")
		m.writeWorkflowError(w, err, correlationID)
		m.logRequest(r, statusOf(err), time.Since(start), correlationID, err)
		return
	}

	token := uuid.New().String()
	expiresAt := time.Now().Add(validationTTL)

	m.valMu.Lock()
	m.pruneExpiredLocked()
	m.validations[token] = pendingValidation{val: val, expiresAt: expiresAt}
	m.valMu.Unlock()

	m.writeSuccess(w, http.StatusOK, validateResponse{
		ValidationID:  token,
		StatusCode:    val.StatusCode,
		ElapsedMS:     val.ElapsedMS,
		Headers:       val.Headers,
		ContentLength: val.ContentLength,
		Sourceless:    val.Sourceless,
		ResponseText:  val.ResponseText,
		ExpiresAt:     expiresAt,
	})
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// pruneExpiredLocked drops expired validation tokens. Caller holds valMu.
func (m *Mux) pruneExpiredLocked() {
	now := time.Now()
	for token, pending := range m.validations {
		if now.After(pending.expiresAt) {
			delete(m.validations, token)
		}
	}
}

// redeemValidation consumes a validation token. Each token is redeemable at
// most once; a second publish must validate again.
func (m *Mux) redeemValidation(token string) *model.Validation {
	m.valMu.Lock()
	defer m.valMu.Unlock()

	pending, ok := m.validations[token]
	if !ok || time.Now().After(pending.expiresAt) {
		delete(m.validations, token)
		return nil
	}
	delete(m.validations, token)
	return pending.val
}

// publishRequest is the wire shape of POST /v1/mocks.
type publishRequest struct {
	Definition   model.RequestDefinition `json:"definition"`
	ValidationID string                  `json:"validationId"`
}

// handleMocks dispatches the /v1/mocks collection endpoint:
// POST publishes a validated definition, GET lists all records.
func (m *Mux) handleMocks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		m.handlePublish(w, r)
	case http.MethodGet:
		m.handleList(w, r)
	default:
		m.writeErrorDef(w, errordefs.New(errordefs.SV_BAD_REQUEST, "method not allowed", ""))
	}
}

// handlePublish handles POST /v1/mocks
func (m *Mux) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("svirt-service").Start(r.Context(), "handlePublish")
	defer span.End()
	defer r.Body.Close()

	start := time.Now()
	correlationID := ctx.Value(ContextKeyCorrelationID).(string)

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		err := errordefs.New(errordefs.SV_VALIDATION, "invalid JSON", correlationID)
		m.writeErrorDef(w, err)
		return
	}

	span.SetAttributes(
		attribute.String("url", req.Definition.URL),
		attribute.Bool("has_validation_id", req.ValidationID != ""),
	)

	val := m.redeemValidation(req.ValidationID)
	if val == nil {
		err := errordefs.New(errordefs.SV_NO_VALIDATED_RESPONSE, "no validated response for this publish; validate first", correlationID)
		m.writeErrorDef(w, err)
		m.logRequest(r, err.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	id, err := m.svc.Publish(ctx, req.Definition, val)
	if err != nil {
		span.SetStatus(codes.Error, "publish failed")
		m.writeWorkflowError(w, err, correlationID)
		m.logRequest(r, statusOf(err), time.Since(start), correlationID, err)
		return
	}

	span.SetAttributes(attribute.Int64("record.id", id))
	m.writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"id":         id,
		"routingUrl": model.DeriveRoutingURL(req.Definition.Name, req.Definition.URL),
	})
	m.logRequest(r, http.StatusCreated, time.Since(start), correlationID, nil)
}

// handleList handles GET /v1/mocks
func (m *Mux) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("svirt-service").Start(r.Context(), "handleList")
	defer span.End()

	records := m.svc.ListMocks(ctx)
	span.SetAttributes(attribute.Int("records", len(records)))

	m.writeSuccess(w, http.StatusOK, records)
}

// handleMockByID dispatches /v1/mocks/{id} and /v1/mocks/{id}/response:
// GET fetches one record, DELETE on the /response suffix clears its payload.
func (m *Mux) handleMockByID(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("svirt-service").Start(r.Context(), "handleMockByID")
	defer span.End()

	start := time.Now()
	correlationID := ctx.Value(ContextKeyCorrelationID).(string)

	path := strings.TrimPrefix(r.URL.Path, "/v1/mocks/")
	wantsClear := strings.HasSuffix(path, "/response")
	idText := strings.TrimSuffix(path, "/response")

	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil || id < 1 {
		span.SetStatus(codes.Error, "invalid id")
		errDef := errordefs.New(errordefs.SV_BAD_REQUEST, "invalid record id", correlationID)
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.Int64("record.id", id))

	switch {
	case r.Method == http.MethodGet && !wantsClear:
		rec, err := m.svc.GetMock(ctx, id)
		if err != nil {
			m.writeWorkflowError(w, err, correlationID)
			m.logRequest(r, statusOf(err), time.Since(start), correlationID, err)
			return
		}
		m.writeSuccess(w, http.StatusOK, rec)

	case r.Method == http.MethodDelete && wantsClear:
		if err := m.svc.ClearMockResponse(ctx, id); err != nil {
			m.writeWorkflowError(w, err, correlationID)
			m.logRequest(r, statusOf(err), time.Since(start), correlationID, err)
			return
		}
		m.writeSuccess(w, http.StatusOK, map[string]interface{}{"id": id, "cleared": true})
		m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)

	default:
		m.writeErrorDef(w, errordefs.New(errordefs.SV_BAD_REQUEST, "method not allowed", correlationID))
	}
}

// handleRoute handles GET /route?routing_url=... — the serving surface that
// returns a published mock's stored response verbatim. JSON payloads are
// served as application/json; everything else as plain text.
func (m *Mux) handleRoute(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("svirt-service").Start(r.Context(), "handleRoute")
	defer span.End()

	start := time.Now()
	correlationID := ctx.Value(ContextKeyCorrelationID).(string)

	routingURL := r.URL.Query().Get("routing_url")
	if routingURL == "" {
		span.SetStatus(codes.Error, "routing_url is required")
		errDef := errordefs.New(errordefs.SV_BAD_REQUEST, "routing_url is required", correlationID)
		m.writeErrorDef(w, errDef)
		return
	}
	span.SetAttributes(attribute.String("routing_url", routingURL))

	rec, err := m.svc.RouteMock(ctx, routingURL)
	if err != nil {
		span.SetStatus(codes.Error, "route lookup failed")
		m.writeWorkflowError(w, err, correlationID)
		m.logRequest(r, statusOf(err), time.Since(start), correlationID, err)
		return
	}

	body := *rec.Response
	if json.Valid([]byte(body)) {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// statusOf extracts the HTTP status carried by a service error, defaulting
// to 500 for untyped errors.
func statusOf(err error) int {
	var errDef *errordefs.Error
	if errors.As(err, &errDef) {
		return errDef.HTTPStatus
	}
	return http.StatusInternalServerError
}
