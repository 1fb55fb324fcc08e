package oracle

import "errors"

// Validation errors: rejected before any state mutation, caller may retry
// with corrected input.
var (
	ErrLengthMismatch = errors.New("paired arrays must have equal length")
	ErrZeroIdentifier = errors.New("zero worker identifier")
	ErrEmptyAddress   = errors.New("empty worker address")
	ErrInvalidRequest = errors.New("invalid request fields")
	ErrFeeTooLow      = errors.New("provided fee below estimate")
)

// Conflict errors: duplicate or missing bindings, state unchanged.
var (
	ErrWorkerExists   = errors.New("worker already registered")
	ErrWorkerNotFound = errors.New("worker not found")
	ErrAddressInUse   = errors.New("address already bound to another worker")
	ErrDuplicateNonce = errors.New("request fingerprint already stored for nonce")
)

// State errors: terminal for the request in question.
var (
	ErrUnknownOrStaleRequest = errors.New("request fingerprint unknown or stale")
	ErrAlreadyFinalized      = errors.New("request already finalized")
	ErrDeadlineExceeded      = errors.New("all response windows exhausted")
	ErrLocked                = errors.New("fulfillment already in flight for request")
)

// Authorization errors.
var (
	ErrNotAuthorizedForRank = errors.New("caller not authorized for current rank")
	ErrUnauthorized         = errors.New("caller not authorized")
)

// Verification and settlement failures surfaced from collaborators.
var (
	ErrInvalidProof   = errors.New("proof verification failed")
	ErrTransferFailed = errors.New("settlement transfer failed")
)
