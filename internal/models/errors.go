package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures for callers
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindCapacityExceeded ErrorKind = "capacity_exceeded"
	KindStateConflict    ErrorKind = "state_conflict"
	KindExternalService  ErrorKind = "external_service"
	KindNotFound         ErrorKind = "not_found"
)

// EngineError is the error type returned by the inventory, offer and booking services
type EngineError struct {
	Kind    ErrorKind
	Code    string // machine readable, e.g. "offer_expired"
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches any EngineError of the same kind, so errors.Is(err, ErrNotFound) works
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || t.Code == e.Code)
}

// Sentinels for errors.Is checks
var (
	ErrValidation       = &EngineError{Kind: KindValidation}
	ErrCapacityExceeded = &EngineError{Kind: KindCapacityExceeded}
	ErrStateConflict    = &EngineError{Kind: KindStateConflict}
	ErrExternalService  = &EngineError{Kind: KindExternalService}
	ErrNotFound         = &EngineError{Kind: KindNotFound}

	ErrOfferExpired = &EngineError{Kind: KindStateConflict, Code: "offer_expired"}
)

func NewValidationError(code, message string) *EngineError {
	return &EngineError{Kind: KindValidation, Code: code, Message: message}
}

func NewCapacityExceeded(message string) *EngineError {
	return &EngineError{Kind: KindCapacityExceeded, Code: "no_spots_left", Message: message}
}

func NewStateConflict(code, message string) *EngineError {
	return &EngineError{Kind: KindStateConflict, Code: code, Message: message}
}

func NewNotFound(code, message string) *EngineError {
	return &EngineError{Kind: KindNotFound, Code: code, Message: message}
}

// NewExternalServiceError wraps a collaborator failure
func NewExternalServiceError(code, message string, err error) *EngineError {
	return &EngineError{Kind: KindExternalService, Code: code, Message: message, Err: err}
}

// KindOf returns the kind of an engine error anywhere in the chain, or "" for plain errors
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}
