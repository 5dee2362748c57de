package repository

import "errors"

// Sentinel errors returned by every repository implementation in this
// package, independent of the underlying driver's own error type.
var (
	ErrNotFound = errors.New("repository: record not found")
	ErrConflict = errors.New("repository: conflicting record")
)
