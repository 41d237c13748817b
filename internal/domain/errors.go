package domain

import "errors"

// Errors shared across the feature, scoring and alerting packages.
var (
	ErrMissingColumn   = errors.New("missing required column")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnknownSeverity = errors.New("unknown severity")
	ErrNotFound        = errors.New("not found")
)
