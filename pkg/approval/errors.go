package approval

import "errors"

var (
	// ErrAlreadyDecided means the request reached APPROVED or REJECTED
	// before this decision arrived. Terminal statuses are immutable.
	ErrAlreadyDecided = errors.New("approval request already decided")

	// ErrExpired means the request's TTL lapsed without a decision.
	ErrExpired = errors.New("approval request expired")

	// ErrInvalidDecision means the requested status is not APPROVED or
	// REJECTED.
	ErrInvalidDecision = errors.New("invalid approval decision")
)
