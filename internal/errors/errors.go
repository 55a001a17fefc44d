// Package errors provides standardized error handling for the service
// virtualization core. Every failure surfaced across the admin API boundary
// carries a stable code so the console can show the specific reason.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the virtualization service.
type ErrorCode string

const (
	// Validation errors
	SV_VALIDATION            ErrorCode = "SV_VALIDATION"            // General request validation error
	SV_BAD_REQUEST           ErrorCode = "SV_BAD_REQUEST"           // Bad request
	SV_INVALID_PAYLOAD       ErrorCode = "SV_INVALID_PAYLOAD"       // Operator-supplied mock payload is not valid JSON
	SV_SCHEMA_REJECT         ErrorCode = "SV_SCHEMA_REJECT"         // Mock payload failed its attached JSON Schema
	SV_NO_VALIDATED_RESPONSE ErrorCode = "SV_NO_VALIDATED_RESPONSE" // Publish attempted before a successful validate

	// Upstream capture errors
	SV_UPSTREAM_UNREACHABLE ErrorCode = "SV_UPSTREAM_UNREACHABLE" // Network/connection failure during capture
	SV_UPSTREAM_TIMEOUT     ErrorCode = "SV_UPSTREAM_TIMEOUT"     // Capture exceeded its deadline

	// Resource errors
	SV_NOT_FOUND ErrorCode = "SV_NOT_FOUND" // Mock record (or routed response) not found

	// Persistence errors
	SV_STORE_UNAVAILABLE ErrorCode = "SV_STORE_UNAVAILABLE" // Backing store unreachable
	SV_INSERT_FAILED     ErrorCode = "SV_INSERT_FAILED"     // Record insert failed
	SV_UPDATE_FAILED     ErrorCode = "SV_UPDATE_FAILED"     // Response update/clear failed

	// Server errors
	SV_INTERNAL ErrorCode = "SV_INTERNAL" // Internal server error
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case SV_VALIDATION, SV_BAD_REQUEST, SV_INVALID_PAYLOAD, SV_SCHEMA_REJECT:
		return http.StatusBadRequest
	case SV_NO_VALIDATED_RESPONSE:
		return http.StatusConflict
	case SV_NOT_FOUND:
		return http.StatusNotFound
	case SV_UPSTREAM_UNREACHABLE:
		return http.StatusBadGateway
	case SV_UPSTREAM_TIMEOUT:
		return http.StatusGatewayTimeout
	case SV_STORE_UNAVAILABLE:
		return http.StatusServiceUnavailable
	case SV_INSERT_FAILED, SV_UPDATE_FAILED:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
