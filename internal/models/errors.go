package models

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateActiveJob is returned when (shop, product) already has a queued or running job.
	ErrDuplicateActiveJob = errors.New("an active job already exists for this product")
	// ErrStaleClaim is returned when a job's fence moved after it was claimed, so the
	// caller no longer owns it.
	ErrStaleClaim = errors.New("job fence moved since claim")
	// ErrInvalidTransition is returned when a write would take a job along an
	// edge CanTransition does not allow.
	ErrInvalidTransition = errors.New("invalid job status transition")
)
