package util

import "errors"

// Sentinel errors for common failure modes
var (
	// ErrNotFound indicates a required resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig indicates invalid configuration, including source
	// data that is missing a table the pipeline cannot run without
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnavailable indicates a remote service could not be reached
	ErrUnavailable = errors.New("service unavailable")
)
