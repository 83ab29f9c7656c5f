package engine

import "errors"

// Sentinel errors for the engine package.
var (
	ErrInvalidState = errors.New("engine: invalid state transition")
)
