// internal/model/mock.go
// Package model defines the data structures used throughout the service
// virtualization core: mock records, request definitions, and the captured
// validation state that ties the two together.
package model

import (
	"net/url"
	"strings"
	"time"
)

// Operation is the HTTP method a mock record was captured with.
type Operation string

const (
	OpGet    Operation = "GET"
	OpPost   Operation = "POST"
	OpPut    Operation = "PUT"
	OpDelete Operation = "DELETE"
	OpPatch  Operation = "PATCH"
)

// ParseOperation normalizes a stored operation string.
// Unknown or malformed values degrade to GET rather than failing the caller.
func ParseOperation(s string) Operation {
	switch Operation(strings.ToUpper(strings.TrimSpace(s))) {
	case OpGet, OpPost, OpPut, OpDelete, OpPatch:
		return Operation(strings.ToUpper(strings.TrimSpace(s)))
	default:
		return OpGet
	}
}

// BodyKind describes how a request body should be encoded on the wire.
type BodyKind string

const (
	BodyNone BodyKind = "None"
	BodyJSON BodyKind = "JSON"
	BodyForm BodyKind = "Form Data"
	BodyRaw  BodyKind = "Raw Text"
)

// AuthType selects the authorization scheme applied to an outbound capture.
type AuthType string

const (
	AuthNone   AuthType = "None"
	AuthBearer AuthType = "Bearer Token"
	AuthBasic  AuthType = "Basic Auth"
	AuthAPIKey AuthType = "API Key"
)

// sourcelessSentinels are the original-URL values that mark a record as
// having no live upstream. The match is case-insensitive and load-bearing:
// it switches the record into sourceless mode everywhere downstream.
var sourcelessSentinels = map[string]bool{
	"not applicable": true,
	"na":             true,
	"n/a":            true,
}

// IsSourceless reports whether an original URL is the "no live source"
// sentinel rather than a real upstream address.
func IsSourceless(originalURL string) bool {
	return sourcelessSentinels[strings.ToLower(strings.TrimSpace(originalURL))]
}

// MockRecord is the central entity: a stored request/response pairing plus
// metadata, keyed by a routing path. It corresponds one-to-one with a row in
// the service_virtualisation table.
type MockRecord struct {
	ID          int64     `json:"id" db:"id"`                    // Assigned by the store on insert; immutable
	Name        string    `json:"name" db:"name"`                // Human label (required)
	Description string    `json:"description" db:"description"`  // Optional free text
	OriginalURL string    `json:"originalUrl" db:"original_url"` // Live source URL or sourceless sentinel
	Operation   string    `json:"operation" db:"operation"`      // HTTP method used for capture/refresh
	RoutingURL  string    `json:"routingUrl" db:"routing_url"`   // Lookup key clients use; derived at creation
	Headers     string    `json:"headers" db:"headers"`          // JSON text of string->string mapping
	Parameters  string    `json:"parameters" db:"parameters"`    // JSON text of string->string mapping
	Response    *string   `json:"response" db:"response"`        // Last captured payload; nil = no mock available
	APIDetails  string    `json:"apiDetails" db:"api_details"`   // Opaque audit blob; not consumed by refresh
	LOB         string    `json:"lob" db:"lob"`                  // Line-of-business classification
	Environment string    `json:"environment" db:"environment"`  // Environment classification
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`     // Immutable
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`     // Advances on every response mutation
}

// Sourceless reports whether the record has no live upstream to refresh.
func (r *MockRecord) Sourceless() bool {
	return IsSourceless(r.OriginalURL)
}

// RequestDefinition is what the operator composes in the console: everything
// needed to issue the real request once and capture its response.
type RequestDefinition struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	BodyKind    BodyKind          `json:"bodyType,omitempty"`
	Body        string            `json:"body,omitempty"`
	Auth        AuthConfig        `json:"auth,omitempty"`
	LOB         string            `json:"lob,omitempty"`
	Environment string            `json:"environment,omitempty"`

	// MockPayload carries the operator-supplied JSON response for
	// sourceless definitions. Ignored for live definitions.
	MockPayload string `json:"mockPayload,omitempty"`

	// MockSchema optionally constrains MockPayload with a JSON Schema.
	MockSchema string `json:"mockSchema,omitempty"`
}

// Sourceless reports whether the definition targets no live upstream.
func (d *RequestDefinition) Sourceless() bool {
	return IsSourceless(d.URL)
}

// AuthConfig describes how the Authorization header (or API key header) is
// derived for an outbound capture. Basic auth is base64 of username:password.
type AuthConfig struct {
	Type     AuthType `json:"type,omitempty"`
	Token    string   `json:"token,omitempty"`    // Bearer token
	Username string   `json:"username,omitempty"` // Basic auth
	Password string   `json:"password,omitempty"` // Basic auth
	KeyName  string   `json:"keyName,omitempty"`  // API key header name
	KeyValue string   `json:"keyValue,omitempty"` // API key value
}

// Validation is the short-lived state carried from a successful validate
// call to the subsequent publish call. It replaces the reference system's
// process-global "last validated response" with an explicit value.
type Validation struct {
	ResponseText  string            `json:"responseText"`  // Raw captured (or operator-supplied) payload
	StatusCode    int               `json:"statusCode"`    // 0 for sourceless validations
	ElapsedMS     int64             `json:"elapsedMs"`     // Wall-clock capture time; 0 for sourceless
	Headers       map[string]string `json:"headers"`       // Response headers from the live capture
	ContentLength int               `json:"contentLength"` // Byte length of the raw body
	Sourceless    bool              `json:"sourceless"`    // True when the payload was operator-supplied
	ValidatedAt   time.Time         `json:"validatedAt"`
}

// APIDetails is the audit blob persisted alongside each record. Field names
// follow the persisted format consumed by the reporting views.
type APIDetails struct {
	Environment      string            `json:"environment"`
	LineOfBusiness   string            `json:"line_of_business"`
	Headers          map[string]string `json:"headers"`
	Parameters       map[string]string `json:"parameters"`
	BodyType         string            `json:"body_type"`
	BodyData         string            `json:"body_data,omitempty"`
	AuthType         string            `json:"auth_type"`
	OriginalResponse string            `json:"original_response"`
	CreatedTimestamp string            `json:"created_timestamp"`
}

// DeriveRoutingURL computes the routing key for a definition at creation
// time. Sourceless definitions route under a slug of their name; live
// definitions route under the path (plus query string) of the original URL.
// The routing key never changes after creation.
func DeriveRoutingURL(name, originalURL string) string {
	if IsSourceless(originalURL) {
		slug := strings.ToLower(strings.TrimSpace(name))
		slug = strings.ReplaceAll(slug, " ", "-")
		if slug == "" {
			return "/unnamed-api"
		}
		return "/" + slug
	}

	u, err := url.Parse(originalURL)
	if err != nil {
		return originalURL
	}
	path := u.Path
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}
