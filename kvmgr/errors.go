package kvmgr

import "errors"

// Error taxonomy. All errors surface unchanged to the caller of Append; the
// manager is considered unusable after any of them and performs no local
// recovery.
var (
	// ErrShapeMismatch: inputs violate a documented rank or axis equality.
	ErrShapeMismatch = errors.New("kvmgr: shape mismatch")

	// ErrConfigInvalid: a construction-parameter contract was violated.
	ErrConfigInvalid = errors.New("kvmgr: invalid config")

	// ErrInvariantViolation: an internal-state assertion failed. Indicates a bug.
	ErrInvariantViolation = errors.New("kvmgr: invariant violation")

	// ErrTransferFailed: an async host<->device copy failed.
	ErrTransferFailed = errors.New("kvmgr: transfer failed")

	// ErrPrimitiveFailed: the external attention primitive surfaced an error.
	// Wrapped around whatever error the MultiStageAttention object returned,
	// which stays reachable through errors.Is/errors.As.
	ErrPrimitiveFailed = errors.New("kvmgr: attention primitive failed")
)
