package core

import (
	"errors"
	"fmt"
)

// CancelledMessage is the assistant entry recorded when a run is cancelled.
const CancelledMessage = "Request cancelled by user."

var (
	// ErrCancelled reports that the caller cancelled the request.
	ErrCancelled = errors.New("request cancelled by user")
	// ErrStreamStalled reports that a vendor stream produced no data within
	// the per-attempt bound.
	ErrStreamStalled = errors.New("vendor stream stalled")
	// ErrMaxModelCalls reports that a run exceeded its model call budget.
	ErrMaxModelCalls = errors.New("exceeded max model calls")
)

// VendorError describes a transport or protocol failure of a provider after
// retries are exhausted.
type VendorError struct {
	Provider   string `json:"provider"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *VendorError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: request failed after %d attempt(s): status %d: %s", e.Provider, e.Attempts, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: request failed after %d attempt(s): %s", e.Provider, e.Attempts, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *VendorError) Unwrap() error { return e.Err }

// IsCancellation reports whether err stems from caller cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled)
}
