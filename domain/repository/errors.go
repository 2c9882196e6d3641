package repository

import "errors"

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleTask is returned when a task update loses its compare-and-set on
	// the previous state.
	ErrStaleTask = errors.New("task state changed concurrently")
	// ErrInvalidSignature is returned when an inbound webhook fails
	// verification.
	ErrInvalidSignature = errors.New("webhook signature invalid")
)
