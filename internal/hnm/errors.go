package hnm

import "errors"

// Configuration errors. They are returned by NewSystem wrapped with the
// offending level name.
var (
	ErrNoLevels          = errors.New("at least one level is required")
	ErrEmptyLevelName    = errors.New("level name is required")
	ErrDuplicateLevel    = errors.New("duplicate level name")
	ErrInvalidDim        = errors.New("dimension must be positive")
	ErrUnknownSource     = errors.New("unknown source level")
	ErrMissingSensoryDim = errors.New("leaf level requires a positive raw_sensory_input_dim")
	ErrUnexpectedSensory = errors.New("raw_sensory_input_dim is only valid on leaf levels")
	ErrExternalRole      = errors.New("external input config and external_signal_role must be set together")
	ErrInvalidParams     = errors.New("invalid nmm params")
	ErrCycle             = errors.New("bottom-up sources form a cycle")
)

// Runtime errors. Missing or malformed signals are never errors; these
// report misuse of the API.
var (
	ErrSystemDisposed = errors.New("system is disposed")
	ErrStateCount     = errors.New("state count does not match level count")
	ErrNilState       = errors.New("memory state is nil or disposed")
	ErrWeightSchema   = errors.New("weights do not match parameter schema")
)
