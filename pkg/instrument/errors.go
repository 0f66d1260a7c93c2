package instrument

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed later.
	// Examples: no remote connected, send timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a clash with existing instrument state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid instrument, permission denied, instrument not found.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodePermissionDenied    = "PERMISSION_DENIED"
	ErrCodeConditionEvaluation = "CONDITION_EVALUATION_FAILED"
	ErrCodeTransportRejected   = "TRANSPORT_REJECTED"
	ErrCodeRemoteUnavailable   = "REMOTE_UNAVAILABLE"
	ErrCodeWeaveFailed         = "WEAVE_FAILED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// Error is a classified error carrying instrument context.
type Error struct {
	Class   ErrorClass `json:"class"`
	Code    string     `json:"code"`
	Message string     `json:"message"`

	// InstrumentID is the instrument the error refers to, if any.
	InstrumentID string `json:"instrument_id,omitempty"`

	// ExistingID is set on conflicts to the id already occupying the location.
	ExistingID string `json:"existing_id,omitempty"`

	// Address is set on transport rejections.
	Address string `json:"address,omitempty"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	switch {
	case e.ExistingID != "":
		msg += fmt.Sprintf(" (existing=%s)", e.ExistingID)
	case e.InstrumentID != "":
		msg += fmt.Sprintf(" (instrument=%s)", e.InstrumentID)
	case e.Address != "":
		msg += fmt.Sprintf(" (address=%s)", e.Address)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on class and code so sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithInstrument adds instrument context to an error.
func (e *Error) WithInstrument(id string) *Error {
	e.InstrumentID = id
	return e
}

// NewConflictError reports that a different instrument already occupies loc.
func NewConflictError(existingID string, loc Location) *Error {
	return &Error{
		Class:      ErrorClassConflict,
		Code:       ErrCodeConflict,
		Message:    fmt.Sprintf("location %s already instrumented with a different condition", loc),
		ExistingID: existingID,
	}
}

// NewNotFoundError reports an unknown instrument id.
func NewNotFoundError(id string) *Error {
	return &Error{
		Class:        ErrorClassPermanent,
		Code:         ErrCodeNotFound,
		Message:      "instrument not found",
		InstrumentID: id,
	}
}

// NewValidationError reports a malformed instrument.
func NewValidationError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeValidation,
		Message: message,
		Err:     err,
	}
}

// NewPermissionDeniedError reports a failed authorization check.
func NewPermissionDeniedError(message string) *Error {
	return &Error{
		Class:   ErrorClassPermanent,
		Code:    ErrCodePermissionDenied,
		Message: message,
	}
}

// NewConditionEvaluationError reports a condition that failed to evaluate.
func NewConditionEvaluationError(id string, err error) *Error {
	return &Error{
		Class:        ErrorClassPermanent,
		Code:         ErrCodeConditionEvaluation,
		Message:      "condition evaluation failed",
		InstrumentID: id,
		Err:          err,
	}
}

// NewTransportRejectedError reports a frame refused by the bridge.
func NewTransportRejectedError(address, reason string) *Error {
	return &Error{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeTransportRejected,
		Message: reason,
		Address: address,
	}
}

// NewRemoteUnavailableError reports that no remote can take a command.
func NewRemoteUnavailableError(message string) *Error {
	return &Error{
		Class:   ErrorClassTransient,
		Code:    ErrCodeRemoteUnavailable,
		Message: message,
	}
}

// NewWeaveError reports a failure of the weaving collaborator.
func NewWeaveError(id string, err error) *Error {
	return &Error{
		Class:        ErrorClassPermanent,
		Code:         ErrCodeWeaveFailed,
		Message:      "weave failed",
		InstrumentID: id,
		Err:          err,
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the error code of err, or ErrCodeInternal for unclassified errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsConflict returns true if the error is a location conflict.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsNotFound returns true if the error is an unknown instrument.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsValidation returns true if the error is a validation failure.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// IsPermissionDenied returns true if the error is an authorization failure.
func IsPermissionDenied(err error) bool {
	return hasCode(err, ErrCodePermissionDenied)
}

// IsConditionEvaluation returns true if the error is a failed condition.
func IsConditionEvaluation(err error) bool {
	return hasCode(err, ErrCodeConditionEvaluation)
}

// IsTransportRejected returns true if the bridge refused a frame.
func IsTransportRejected(err error) bool {
	return hasCode(err, ErrCodeTransportRejected)
}

// IsRemoteUnavailable returns true if no remote could take a command.
func IsRemoteUnavailable(err error) bool {
	return hasCode(err, ErrCodeRemoteUnavailable)
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// ExistingID returns the occupying instrument id carried by a conflict error.
func ExistingID(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == ErrCodeConflict {
		return e.ExistingID, true
	}
	return "", false
}
