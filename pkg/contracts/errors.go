package contracts

import (
	"errors"
	"fmt"
)

// ErrUpstreamUnavailable marks a failed call to an external collaborator.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// UpstreamError carries the service name and HTTP status of a failed call.
// It matches ErrUpstreamUnavailable under errors.Is.
type UpstreamError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Service, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Service, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Service, e.Err)
	default:
		return e.Service + ": " + ErrUpstreamUnavailable.Error()
	}
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstreamUnavailable}
	}
	return []error{ErrUpstreamUnavailable, e.Err}
}

// NewUpstreamError is a convenience for HTTP clients.
func NewUpstreamError(service string, status int, err error) error {
	return &UpstreamError{Service: service, StatusCode: status, Err: err}
}
