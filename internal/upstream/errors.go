package upstream

import (
	"errors"
	"fmt"
)

// UpstreamError is returned when the vendor answers with a non-2xx status.
type UpstreamError struct {
	StatusCode int
	Body       string
	Path       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream %s: unexpected status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: unexpected status %d: %s", e.Path, e.StatusCode, e.Body)
}

// TransportError wraps network failures, including timeouts and reads that
// fail mid-stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is or wraps a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// StatusCode returns the vendor status carried by err, or 0.
func StatusCode(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}
