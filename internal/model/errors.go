package model

import "errors"

// Errors returned by stores. Implementations map their backend errors onto
// these so callers can branch without importing the store package.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version conflict")
)
