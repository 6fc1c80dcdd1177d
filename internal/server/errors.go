package server

import "errors"

var (
	// ErrCommandTimeout indicates no response arrived within the timeout
	// after all retries.
	ErrCommandTimeout = errors.New("server: command timeout")

	// ErrCommandCancelled indicates the caller abandoned the command.
	// The device may still execute it; only the correlation is discarded.
	ErrCommandCancelled = errors.New("server: command cancelled")

	// ErrMissingDependency indicates a required dependency was nil.
	ErrMissingDependency = errors.New("server: missing dependency")
)
