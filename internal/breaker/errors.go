package breaker

import "errors"

// Domain errors for the breaker package.
// Check with errors.Is() in calling code.
var (
	// ErrInvalidTransition is returned when a command asks for a state
	// change the breaker cannot make (e.g., closing a faulted breaker).
	ErrInvalidTransition = errors.New("breaker: invalid state transition")

	// ErrUnknownParameter is returned (per name) when a parameter set
	// contains a name the breaker does not recognise.
	ErrUnknownParameter = errors.New("breaker: unknown parameter")

	// ErrInvalidValue is returned (per name) when a parameter value has
	// the wrong type or is out of range.
	ErrInvalidValue = errors.New("breaker: invalid parameter value")

	// ErrUnknownTemplate is returned when a configuration template name
	// is not one of the defined templates.
	ErrUnknownTemplate = errors.New("breaker: unknown template")
)
