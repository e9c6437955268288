// Package core provides core types and interfaces for the offline cache controller.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeOffline indicates that neither the network nor any cache could serve a request (504)
	ErrorTypeOffline ErrorType = "offline_error"
	// ErrorTypeNetwork indicates a failure to reach the origin (502)
	ErrorTypeNetwork ErrorType = "network_error"
	// ErrorTypeInvalidRequest indicates a malformed client message or event (400)
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeNotFound indicates a missing resource such as an unknown client window (404)
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeCache indicates a cache storage failure (500)
	ErrorTypeCache ErrorType = "cache_error"
)

// ErrNotActivated is returned when an operation requires an activated controller.
var ErrNotActivated = errors.New("controller is not activated")

// EdgeError is the base error type for all errors surfaced to pages.
type EdgeError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	URL        string    `json:"url,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *EdgeError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("[%s] %s: %s", e.URL, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *EdgeError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *EdgeError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeOffline:
		return http.StatusGatewayTimeout
	case ErrorTypeNetwork:
		return http.StatusBadGateway
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *EdgeError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewOfflineError creates an error for a request that no network or cache could serve.
func NewOfflineError(url string, err error) *EdgeError {
	return &EdgeError{
		Type:       ErrorTypeOffline,
		Message:    "resource is unavailable offline",
		StatusCode: http.StatusGatewayTimeout,
		URL:        url,
		Err:        err,
	}
}

// NewNetworkError creates an error for a failed origin fetch.
func NewNetworkError(url string, err error) *EdgeError {
	msg := "network request failed"
	if err != nil {
		msg = err.Error()
	}
	return &EdgeError{
		Type:       ErrorTypeNetwork,
		Message:    msg,
		StatusCode: http.StatusBadGateway,
		URL:        url,
		Err:        err,
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *EdgeError {
	return &EdgeError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewNotFoundError creates a new not found error (404)
func NewNotFoundError(message string) *EdgeError {
	return &EdgeError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewCacheError creates a cache storage error.
func NewCacheError(message string, err error) *EdgeError {
	return &EdgeError{
		Type:       ErrorTypeCache,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsOffline reports whether err (or anything it wraps) is an offline error.
func IsOffline(err error) bool {
	var edgeErr *EdgeError
	return errors.As(err, &edgeErr) && edgeErr.Type == ErrorTypeOffline
}

// IsInvalidRequest reports whether err is an invalid request error.
func IsInvalidRequest(err error) bool {
	var edgeErr *EdgeError
	return errors.As(err, &edgeErr) && edgeErr.Type == ErrorTypeInvalidRequest
}
