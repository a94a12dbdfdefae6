package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// FilterError is an error answered to an HTTP client when a wasm filter
// could not process its request.
type FilterError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Filter     string `json:"filter,omitempty"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *FilterError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *FilterError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors use pre-serialized JSON.
func (e *FilterError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	// ErrFilterFailed is answered when the guest traps or returns an error.
	ErrFilterFailed = &FilterError{
		Code:    http.StatusBadGateway,
		Message: "Filter Failed",
	}

	// ErrFilterTimeout is answered when a guest call exceeds its deadline.
	ErrFilterTimeout = &FilterError{
		Code:    http.StatusGatewayTimeout,
		Message: "Filter Timeout",
	}

	// ErrFilterUnavailable is answered when no filter is loaded or its
	// circuit breaker is open.
	ErrFilterUnavailable = &FilterError{
		Code:    http.StatusServiceUnavailable,
		Message: "Filter Unavailable",
	}

	ErrInternalServer = &FilterError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*FilterError][]byte

func init() {
	bases := []*FilterError{
		ErrFilterFailed, ErrFilterTimeout, ErrFilterUnavailable, ErrInternalServer,
	}
	preSerialized = make(map[*FilterError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new FilterError
func New(code int, message string) *FilterError {
	return &FilterError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an HTTP status and message
func Wrap(err error, code int, message string) *FilterError {
	return &FilterError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// Cause returns a copy of e carrying err as its underlying error.
func (e *FilterError) Cause(err error) *FilterError {
	c := *e
	c.underlying = err
	return &c
}

// WithFilter names the filter that failed
func (e *FilterError) WithFilter(name string) *FilterError {
	c := *e
	c.Filter = name
	return &c
}

// WithDetails adds details to the error
func (e *FilterError) WithDetails(details string) *FilterError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID adds a request ID to the error
func (e *FilterError) WithRequestID(requestID string) *FilterError {
	c := *e
	c.RequestID = requestID
	return &c
}

// AsFilterError checks if an error is a FilterError
func AsFilterError(err error) (*FilterError, bool) {
	if fe, ok := err.(*FilterError); ok {
		return fe, true
	}
	return nil, false
}
