package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors mapped to status classes at the HTTP boundary.
var (
	// ErrNotFound covers missing task runs, sandbox instances and containers.
	ErrNotFound = errors.New("not found")

	// ErrReadinessTimeout is returned when a sandbox does not become ready
	// before the overall polling deadline.
	ErrReadinessTimeout = errors.New("sandbox readiness timeout")

	// ErrSessionNotFound is returned when the terminal-multiplexer session
	// never appears within the bounded readiness retries.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateExecution is returned when an active run already exists
	// for the same dedup key.
	ErrDuplicateExecution = errors.New("active execution already exists for dedup key")
)

// ForbiddenError is an authorization failure. Reason distinguishes an
// ownership mismatch from unverifiable ownership; both fail closed.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return "forbidden: " + e.Reason
}

// ResumeError wraps a provider failure while resuming a sandbox.
type ResumeError struct {
	InstanceID string
	Err        error
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("failed to resume instance %s: %v", e.InstanceID, e.Err)
}

func (e *ResumeError) Unwrap() error { return e.Err }

// PrematureExitError means the monitored process exited before the minimum
// runtime floor. A fast clean exit is not evidence of success, so the exit
// code is reported but never consulted.
type PrematureExitError struct {
	ExitCode int
	Runtime  time.Duration
}

func (e *PrematureExitError) Error() string {
	return fmt.Sprintf("process exited prematurely after %s (exit code %d)", e.Runtime, e.ExitCode)
}
