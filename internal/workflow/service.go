// internal/workflow/service.go
// Package workflow orchestrates the validate-and-publish lifecycle: take a
// request definition, either execute it live once or accept an
// operator-supplied mock payload, then persist a new mock record under a
// derived routing key.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	errordefs "github.com/commandcenter/servicevirt-go/internal/errors"
	"github.com/commandcenter/servicevirt-go/internal/capture"
	"github.com/commandcenter/servicevirt-go/internal/event"
	"github.com/commandcenter/servicevirt-go/internal/metrics"
	"github.com/commandcenter/servicevirt-go/internal/model"
	"github.com/commandcenter/servicevirt-go/internal/schema"
	"github.com/commandcenter/servicevirt-go/internal/storage"
)

// Service ties the capture client and record store together behind the
// function-level contract the console consumes: validate, publish, list,
// and clear.
type Service struct {
	store     storage.Store
	capture   *capture.Client
	pub       event.Publisher
	validator *schema.Validator
	metrics   *metrics.Metrics
}

// New creates a workflow service.
// Parameters:
//   - store: Record store for persistence
//   - cap: Capture client for live validation
//   - pub: Event publisher for lifecycle notifications (best-effort)
func New(store storage.Store, cap *capture.Client, pub event.Publisher) *Service {
	return &Service{
		store:     store,
		capture:   cap,
		pub:       pub,
		validator: schema.NewValidator(),
		metrics:   metrics.NewMetrics(),
	}
}

// Validate runs the pre-publish check for a definition and returns the
// short-lived Validation that a subsequent Publish must present.
//
// Sourceless definitions (URL matching the "not applicable" sentinel) must
// carry a well-formed JSON mock payload; no outbound request is made. Live
// definitions are executed against their upstream exactly once, with no
// retry; any HTTP status is an acceptable capture, since a 4xx/5xx response
// is still a valid thing to mock.
func (s *Service) Validate(ctx context.Context, def model.RequestDefinition) (*model.Validation, error) {
	if def.URL == "" {
		return nil, errordefs.New(errordefs.SV_VALIDATION, "url is required", "")
	}

	if def.Sourceless() {
		return s.validateSourceless(def)
	}

	return s.validateLive(ctx, def)
}

// validateSourceless checks the operator-supplied payload: it must parse as
// JSON, and when the definition attaches a JSON Schema it must satisfy it.
func (s *Service) validateSourceless(def model.RequestDefinition) (*model.Validation, error) {
	if def.MockPayload == "" {
		return nil, errordefs.New(errordefs.SV_INVALID_PAYLOAD, "mock payload is required for sourceless definitions", "")
	}

	var parsed any
	if err := json.Unmarshal([]byte(def.MockPayload), &parsed); err != nil {
		return nil, errordefs.NewWithDetails(errordefs.SV_INVALID_PAYLOAD, "mock payload is not valid JSON", "", err.Error())
	}

	if def.MockSchema != "" {
		if err := s.validator.Validate(def.MockSchema, def.MockPayload); err != nil {
			return nil, errordefs.NewWithDetails(errordefs.SV_SCHEMA_REJECT, "mock payload rejected by schema", "", err.Error())
		}
	}

	return &model.Validation{
		ResponseText:  def.MockPayload,
		Sourceless:    true,
		ContentLength: len(def.MockPayload),
		ValidatedAt:   time.Now().UTC(),
	}, nil
}

// validateLive issues the real request once and captures whatever comes back.
func (s *Service) validateLive(ctx context.Context, def model.RequestDefinition) (*model.Validation, error) {
	result, err := s.capture.Execute(ctx, capture.Request{
		Method:     model.ParseOperation(def.Method),
		URL:        def.URL,
		Headers:    def.Headers,
		Parameters: def.Parameters,
		Body:       def.Body,
		BodyKind:   def.BodyKind,
		Auth:       def.Auth,
	})
	if err != nil {
		s.metrics.CaptureTotal.WithLabelValues("validate", "error").Inc()
		if errors.Is(err, capture.ErrTimeout) {
			return nil, errordefs.NewWithDetails(errordefs.SV_UPSTREAM_TIMEOUT, "capture timed out", "", err.Error())
		}
		return nil, errordefs.NewWithDetails(errordefs.SV_UPSTREAM_UNREACHABLE, "capture failed", "", err.Error())
	}

	s.metrics.CaptureTotal.WithLabelValues("validate", fmt.Sprintf("%d", result.StatusCode)).Inc()
	s.metrics.CaptureDuration.WithLabelValues("validate", fmt.Sprintf("%d", result.StatusCode)).Observe(float64(result.ElapsedMS) / 1000)

	return &model.Validation{
		ResponseText:  result.RawBody,
		StatusCode:    result.StatusCode,
		ElapsedMS:     result.ElapsedMS,
		Headers:       result.Headers,
		ContentLength: result.ContentLength,
		ValidatedAt:   time.Now().UTC(),
	}, nil
}

// Publish persists a new mock record from a definition and its prior
// Validation. A publish without a validated response fails with
// SV_NO_VALIDATED_RESPONSE before any store call. Insert failures surface to
// the caller; there is no retry.
// Returns the id assigned by the store.
func (s *Service) Publish(ctx context.Context, def model.RequestDefinition, val *model.Validation) (int64, error) {
	if val == nil || val.ValidatedAt.IsZero() {
		return 0, errordefs.New(errordefs.SV_NO_VALIDATED_RESPONSE, "validate the request before publishing", "")
	}

	name := def.Name
	if name == "" {
		name = "Unnamed API"
	}

	routingURL := model.DeriveRoutingURL(def.Name, def.URL)

	headersJSON := mustMarshalMap(def.Headers)
	parametersJSON := mustMarshalMap(def.Parameters)

	apiDetails := model.APIDetails{
		Environment:      orNotSpecified(def.Environment),
		LineOfBusiness:   orNotSpecified(def.LOB),
		Headers:          def.Headers,
		Parameters:       def.Parameters,
		BodyType:         string(bodyKindOrNone(def.BodyKind)),
		BodyData:         def.Body,
		AuthType:         string(authTypeOrNone(def.Auth.Type)),
		OriginalResponse: val.ResponseText,
		CreatedTimestamp: time.Now().UTC().Format(time.RFC3339),
	}
	apiDetailsJSON, err := json.Marshal(apiDetails)
	if err != nil {
		return 0, errordefs.NewWithDetails(errordefs.SV_INTERNAL, "failed to assemble api details", "", err.Error())
	}

	response := val.ResponseText
	rec := model.MockRecord{
		Name:        name,
		Description: def.Description,
		OriginalURL: def.URL,
		Operation:   string(model.ParseOperation(def.Method)),
		RoutingURL:  routingURL,
		Headers:     headersJSON,
		Parameters:  parametersJSON,
		Response:    &response,
		APIDetails:  string(apiDetailsJSON),
		LOB:         def.LOB,
		Environment: def.Environment,
	}

	start := time.Now()
	id, err := s.store.Insert(ctx, rec)
	if err != nil {
		s.metrics.StorageOperationTotal.WithLabelValues("insert", "error").Inc()
		return 0, errordefs.NewWithDetails(errordefs.SV_INSERT_FAILED, "failed to insert mock record", "", err.Error())
	}
	s.metrics.StorageOperationTotal.WithLabelValues("insert", "ok").Inc()
	s.metrics.StorageOperationDuration.WithLabelValues("insert", "ok").Observe(time.Since(start).Seconds())

	rec.ID = id
	if err := s.pub.PublishMockPublished(ctx, rec); err != nil {
		slog.Warn("failed to publish mock published event", "id", id, "error", err)
	}

	slog.Info("mock published", "id", id, "routing_url", routingURL, "sourceless", val.Sourceless)
	return id, nil
}

// ListMocks returns every stored mock, sourceless records included. Store
// unreachability degrades to an empty list with a logged warning: the
// listing view stays usable while the store is down, and the staleness is
// visible on the next successful load.
func (s *Service) ListMocks(ctx context.Context) []model.MockRecord {
	records, err := s.store.ListAll(ctx, false)
	if err != nil {
		slog.Warn("failed to list mock records, returning empty set", "error", err)
		return []model.MockRecord{}
	}
	if records == nil {
		records = []model.MockRecord{}
	}
	return records
}

// GetMock fetches a single record by id.
func (s *Service) GetMock(ctx context.Context, id int64) (*model.MockRecord, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.SV_NOT_FOUND, fmt.Sprintf("mock record %d not found", id), "")
		}
		return nil, errordefs.NewWithDetails(errordefs.SV_STORE_UNAVAILABLE, "failed to load mock record", "", err.Error())
	}
	return rec, nil
}

// ClearMockResponse clears the cached response for a record, leaving the
// row in place. Write-path store failures always surface to the caller.
func (s *Service) ClearMockResponse(ctx context.Context, id int64) error {
	if err := s.store.ClearResponse(ctx, id); err != nil {
		s.metrics.StorageOperationTotal.WithLabelValues("clear_response", "error").Inc()
		if errors.Is(err, storage.ErrNotFound) {
			return errordefs.New(errordefs.SV_NOT_FOUND, fmt.Sprintf("mock record %d not found", id), "")
		}
		return errordefs.NewWithDetails(errordefs.SV_UPDATE_FAILED, "failed to clear mock response", "", err.Error())
	}
	s.metrics.StorageOperationTotal.WithLabelValues("clear_response", "ok").Inc()
	slog.Info("mock response cleared", "id", id)
	return nil
}

// RouteMock resolves a routing key to its stored response. Routing keys are
// not unique; the most recently created record wins. A record whose
// response has been cleared has no mock available.
func (s *Service) RouteMock(ctx context.Context, routingURL string) (*model.MockRecord, error) {
	rec, err := s.store.GetByRoutingURL(ctx, routingURL)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.SV_NOT_FOUND, fmt.Sprintf("no mock for routing url %q", routingURL), "")
		}
		return nil, errordefs.NewWithDetails(errordefs.SV_STORE_UNAVAILABLE, "failed to resolve routing url", "", err.Error())
	}
	if rec.Response == nil {
		return nil, errordefs.New(errordefs.SV_NOT_FOUND, fmt.Sprintf("no mock response available for routing url %q", routingURL), "")
	}
	return rec, nil
}

// mustMarshalMap serializes a string map, producing "{}" for empty or nil
// maps. String maps cannot fail to marshal.
func mustMarshalMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func orNotSpecified(v string) string {
	if v == "" {
		return "Not specified"
	}
	return v
}

func bodyKindOrNone(k model.BodyKind) model.BodyKind {
	if k == "" {
		return model.BodyNone
	}
	return k
}

func authTypeOrNone(t model.AuthType) model.AuthType {
	if t == "" {
		return model.AuthNone
	}
	return t
}
