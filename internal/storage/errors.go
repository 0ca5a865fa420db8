package storage

import "errors"

// Sentinel errors the core's error-kind taxonomy maps onto HTTP status.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation")
	ErrConflict   = errors.New("conflict")
)
