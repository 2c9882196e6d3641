package usecase

import "errors"

var (
	// ErrInvalidRequest wraps every validation failure of caller input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownDestination is returned for destinations without an enabled
	// adapter.
	ErrUnknownDestination = errors.New("destination not enabled")
	// ErrInvalidState is returned when an authorization callback does not
	// match a pending authorization.
	ErrInvalidState = errors.New("authorization state invalid or expired")
	// ErrCodeReplayed is returned when an authorization code is presented
	// a second time.
	ErrCodeReplayed = errors.New("authorization code already used")
)
