package httpcore

import (
	"errors"
	"fmt"

	"pkt.systems/httpcore/internal/tlsident"
)

var (
	// ErrAlreadyStarted is returned by Start after the first start attempt,
	// whatever that attempt's outcome was.
	ErrAlreadyStarted = errors.New("server already started")
	// ErrNotRunning is returned by operations that need a running server.
	ErrNotRunning = errors.New("server not running")
	// ErrBindConflict marks an address or descriptor that is already in use,
	// by this process or another.
	ErrBindConflict = errors.New("bind conflict")
)

// CredentialError reports unusable certificate or key material.
type CredentialError = tlsident.CredentialError

// StartError aggregates the per-listener failures that aborted a start.
type StartError struct {
	Errs []error
}

func (e *StartError) Error() string {
	switch len(e.Errs) {
	case 0:
		return "start failed"
	case 1:
		return fmt.Sprintf("start failed: %v", e.Errs[0])
	default:
		return fmt.Sprintf("start failed: %v (and %d more)", e.Errs[0], len(e.Errs)-1)
	}
}

func (e *StartError) Unwrap() []error { return e.Errs }
