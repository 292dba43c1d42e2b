package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Match with errors.Is.
var (
	ErrAuth       = errors.New("authentication failed")
	ErrNetwork    = errors.New("backend unavailable")
	ErrCommand    = errors.New("command rejected")
	ErrConfig     = errors.New("threshold update failed")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrNoSession  = errors.New("no session")
)

// APIError describes a failed backend call.
type APIError struct {
	Op      string
	Status  int // 0 when the request never got an answer
	Message string
	Kind    error
}

func (e *APIError) Error() string {
	switch {
	case e.Status == 0 && e.Message != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %v (%d): %s", e.Op, e.Kind, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: %v (%d)", e.Op, e.Kind, e.Status)
	}
}

func (e *APIError) Unwrap() error { return e.Kind }

// kindForStatus maps the status of a create-style call (register, device
// registration) to an error kind.
func kindForStatus(status int) error {
	switch {
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status >= 400 && status < 500:
		return ErrValidation
	default:
		return ErrNetwork
	}
}
