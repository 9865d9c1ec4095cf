package config

import "errors"

// Error variables for configuration loading.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrWorkersNegative    = errors.New("workers cannot be negative")
	ErrRepeatInvalid      = errors.New("repeat must be at least 1")
	ErrDurationInvalid    = errors.New("invalid duration")
	ErrDurationNegative   = errors.New("duration cannot be negative")
	ErrProbesEmpty        = errors.New("probes cannot be empty")
	ErrFlavorEmpty        = errors.New("flavor cannot be empty")
)
