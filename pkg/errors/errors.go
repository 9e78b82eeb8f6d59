// Package errors provides the coded error taxonomy of the routing layer.
package errors

import (
	"errors"
	"fmt"
)

// Error codes surfaced by routing, caching and identity handling.
const (
	CodeNoValidPlacement  = "NO_VALID_PLACEMENT"
	CodeRoutingImpossible = "ROUTING_IMPOSSIBLE"
	CodeMalformedIdentity = "MALFORMED_IDENTITY"
	CodeCacheMiss         = "CACHE_MISS"
	CodeNotApplicable     = "NOT_APPLICABLE"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodeNotFound          = "NOT_FOUND"
	CodeCanceled          = "CANCELED"
	CodeDeadlineExceeded  = "DEADLINE_EXCEEDED"
	CodeInternal          = "INTERNAL_ERROR"
	CodeUnauthorized      = "UNAUTHORIZED"
)

// RoutingError is an error with a stable code, a message and optional details.
type RoutingError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *RoutingError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a RoutingError with the same code.
func (e *RoutingError) Is(target error) bool {
	t, ok := target.(*RoutingError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails replaces the details of a copy of the error.
func (e *RoutingError) WithDetails(details map[string]interface{}) *RoutingError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithDetail returns a copy of the error with one more detail set.
func (e *RoutingError) WithDetail(key string, value interface{}) *RoutingError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Sentinel errors. Use errors.Is to match by code; never mutate them.
var (
	ErrNoValidPlacement  = &RoutingError{Code: CodeNoValidPlacement, Message: "no valid placement"}
	ErrRoutingImpossible = &RoutingError{Code: CodeRoutingImpossible, Message: "all routing strategies exhausted"}
	ErrMalformedIdentity = &RoutingError{Code: CodeMalformedIdentity, Message: "malformed transaction identity"}
	ErrCacheMiss         = &RoutingError{Code: CodeCacheMiss, Message: "plan cache miss"}
	ErrNotApplicable     = &RoutingError{Code: CodeNotApplicable, Message: "router does not apply to statement"}
	ErrEntityNotFound    = &RoutingError{Code: CodeNotFound, Message: "entity not found"}
	ErrCanceled          = &RoutingError{Code: CodeCanceled, Message: "routing canceled"}
	ErrDeadlineExceeded  = &RoutingError{Code: CodeDeadlineExceeded, Message: "routing deadline exceeded before any candidate"}
)

// New creates a new RoutingError with the given code and message.
func New(code, message string) *RoutingError {
	return &RoutingError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new RoutingError with a formatted message.
func Newf(code, format string, args ...interface{}) *RoutingError {
	return &RoutingError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a RoutingError.
func Wrap(err error, code, message string) *RoutingError {
	if err == nil {
		return nil
	}
	return &RoutingError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *RoutingError {
	if err == nil {
		return nil
	}
	return &RoutingError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// NoValidPlacement reports a column of a partition that no adapter holds.
func NoValidPlacement(entity string, columnID, partitionID int64) *RoutingError {
	return Newf(CodeNoValidPlacement, "no placement for column %d of entity %s in partition %d", columnID, entity, partitionID).
		WithDetails(map[string]interface{}{
			"entity":    entity,
			"column":    columnID,
			"partition": partitionID,
		})
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	var re *RoutingError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsNoValidPlacement checks if an error is a missing placement error.
func IsNoValidPlacement(err error) bool {
	return HasCode(err, CodeNoValidPlacement)
}

// IsRoutingImpossible checks if every routing strategy failed.
func IsRoutingImpossible(err error) bool {
	return HasCode(err, CodeRoutingImpossible)
}

// IsCacheMiss checks if an error is an ordinary cache miss.
func IsCacheMiss(err error) bool {
	return HasCode(err, CodeCacheMiss)
}

// IsNotApplicable checks if a router declined the statement.
func IsNotApplicable(err error) bool {
	return HasCode(err, CodeNotApplicable)
}

// IsMalformedIdentity checks if an error comes from identity decoding.
func IsMalformedIdentity(err error) bool {
	return HasCode(err, CodeMalformedIdentity)
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsInvalidRequest checks if an error is an invalid request error.
func IsInvalidRequest(err error) bool {
	return HasCode(err, CodeInvalidRequest)
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var re *RoutingError
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var re *RoutingError
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}
