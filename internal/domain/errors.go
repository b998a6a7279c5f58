package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound         = errors.New("domain: not found")
	ErrConflict         = errors.New("domain: conflict")
	ErrAlreadyCompleted = errors.New("domain: request already completed")
	ErrInvalidName      = errors.New("domain: invalid dataset name")
)
