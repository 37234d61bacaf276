package storage

import "errors"

// Common storage errors
var (
	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")

	// ErrRecordNotFound indicates that change record was not found
	ErrRecordNotFound = errors.New("change record not found")
)
