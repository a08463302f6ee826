// Package errors provides kind-based errors for the store boundary and
// RFC 7807 Problem Details for the HTTP API.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// FieldError represents a validation error for a specific field
type FieldError struct {
	Kind    string `json:"kind"`
	Field   string `json:"field"`
	Message string `json:"message,omitempty"`
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("%s (%s): %s", f.Field, f.Kind, f.Message)
}

func NewFieldError(kind, field, reason string) FieldError {
	return FieldError{Kind: kind, Field: field, Message: reason}
}

// Error kinds. Compare with errors.Is; the kind is what matters, not the message or cause.
var (
	// StoreUnavailable means a store could not be reached within the allowed time.
	StoreUnavailable = NewWithKind("StoreUnavailable")
	// StoreWrite means a single insert or update was rejected.
	StoreWrite = NewWithKind("StoreWrite")
	// NotFound is the normal signal for a missing record.
	NotFound = NewWithKind("NotFound")
	// Invalid marks caller input that failed validation.
	Invalid = NewWithKind("Invalid")
	// NoStoreAvailable means neither store could accept an origin write.
	NoStoreAvailable = NewWithKind("NoStoreAvailable")
	// LeaseHeld means another reconciliation pass currently owns the lease.
	LeaseHeld = NewWithKind("LeaseHeld")
	// RateLimited means the caller exceeded the request rate of an API route.
	RateLimited = NewWithKind("RateLimited")
)

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Fields used when there's validation error for a field.
	Fields []FieldError `json:"fields,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: "Unknown", Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s]", e.Kind)
	if e.Message != "" {
		str += " " + e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the given cause
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// WithField returns a copy of error with the field appended.
func (e *Error) WithField(kind, field, message string) *Error {
	newError := *e
	newError.Fields = append(append([]FieldError(nil), e.Fields...), NewFieldError(kind, field, message))
	return &newError
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// Problem type URIs
const (
	TypeValidationError = "https://benchsync.dev/problems/validation-error"
	TypeNotFound        = "https://benchsync.dev/problems/not-found"
	TypeInternalError   = "https://benchsync.dev/problems/internal-error"
	TypeUnavailable     = "https://benchsync.dev/problems/store-unavailable"
	TypeRateLimited     = "https://benchsync.dev/problems/rate-limited"
)

// Problem titles
const (
	TitleValidationError = "Validation Error"
	TitleNotFound        = "Not Found"
	TitleInternalError   = "Internal Server Error"
	TitleUnavailable     = "Service Unavailable"
	TitleRateLimited     = "Too Many Requests"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Errors   []FieldError           `json:"errors,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithFieldErrors adds validation errors to the problem details
func (p *ProblemDetails) WithFieldErrors(errors []FieldError) *ProblemDetails {
	p.Errors = errors
	return p
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if len(p.Errors) > 0 {
		result["errors"] = p.Errors
	}
	for k, v := range p.Extra {
		result[k] = v
	}
	return json.Marshal(result)
}

// NewValidationError creates a validation error problem
func NewValidationError(detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     TypeValidationError,
		Title:    TitleValidationError,
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	}
}

// NewNotFoundError creates a not found error problem
func NewNotFoundError(detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     TypeNotFound,
		Title:    TitleNotFound,
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: instance,
	}
}

// NewInternalError creates an internal server error problem
func NewInternalError(detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     TypeInternalError,
		Title:    TitleInternalError,
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	}
}

// NewUnavailableError creates a problem for requests no store could serve
func NewUnavailableError(detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     TypeUnavailable,
		Title:    TitleUnavailable,
		Status:   http.StatusServiceUnavailable,
		Detail:   detail,
		Instance: instance,
	}
}

// NewRateLimitedError creates a problem for callers over their request rate
func NewRateLimitedError(detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     TypeRateLimited,
		Title:    TitleRateLimited,
		Status:   http.StatusTooManyRequests,
		Detail:   detail,
		Instance: instance,
	}
}

// ToProblemDetails converts any error to a problem. Kind errors map to their natural status.
func ToProblemDetails(err error, instance string) *ProblemDetails {
	var pd *ProblemDetails
	if As(err, &pd) {
		return pd
	}
	var e *Error
	if As(err, &e) {
		switch e.Kind {
		case Invalid.Kind:
			return NewValidationError(e.Error(), instance).WithFieldErrors(e.Fields)
		case NotFound.Kind:
			return NewNotFoundError(e.Error(), instance)
		case NoStoreAvailable.Kind, StoreUnavailable.Kind:
			return NewUnavailableError(e.Error(), instance)
		case RateLimited.Kind:
			return NewRateLimitedError(e.Error(), instance)
		}
	}
	return NewInternalError(err.Error(), instance)
}
