package interfaces

import "errors"

var (
	// ErrRateLimited is returned by vendor clients when the venue throttles a request.
	ErrRateLimited = errors.New("vendor rate limited")

	// ErrNotFound is returned when a vendor has no data for the requested instrument.
	ErrNotFound = errors.New("not found")
)
