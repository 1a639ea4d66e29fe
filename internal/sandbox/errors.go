package sandbox

import (
	"errors"
	"fmt"
)

var (
	ErrProvisioningTimeout = errors.New("no sandbox became reachable in time")
	ErrClaimFailed         = errors.New("sandbox claim failed")
	ErrNotStarted          = errors.New("sandbox not started")
	ErrDestroyed           = errors.New("sandbox destroyed")

	// ErrSessionGone marks a pooled sandbox whose unit was reaped. The pool
	// evicts it and retries once.
	ErrSessionGone = errors.New("sandbox session gone")
)

// ProvisioningError is returned by Start. It is never retried automatically.
type ProvisioningError struct {
	Claim string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning sandbox claim %s: %v", e.Claim, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
