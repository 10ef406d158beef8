package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrLockHeld             = errors.New("lock already held")
	ErrStaleSnapshot        = errors.New("stale position snapshot")
	ErrInvalidBps           = errors.New("value out of basis-point range")
	ErrInvalidAddress       = errors.New("invalid or zero address")
	ErrInsufficientTreasury = errors.New("insufficient treasury balance")
	ErrInvariantViolation   = errors.New("probability invariant violation")
	ErrMarketNotCreated     = errors.New("market not created")
)
