package chat

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the loader or the live channel matches
// exactly one of these with errors.Is.
var (
	ErrNetwork      = errors.New("network error")
	ErrValidation   = errors.New("validation error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrServer       = errors.New("server error")
)

// Local validation failures.
var (
	ErrEmptyMessage       = errors.New("message body is empty")
	ErrAttachmentTooLarge = errors.New("attachment exceeds 5 MiB")
	ErrAttachmentType     = errors.New("attachment type not allowed")
)

// ValidationError is returned when input is rejected before any request is issued.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return []error{e.Err, ErrValidation}
}

// RequestError is a failed backend exchange.
type RequestError struct {
	Kind    error // one of ErrNetwork, ErrUnauthorized, ErrServer
	Op      string
	Status  int
	Message string // backend-provided message, shown verbatim
	Err     error
}

func (e *RequestError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Kind, e.Status)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsAuth reports whether err requires the session to re-authenticate.
func IsAuth(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
