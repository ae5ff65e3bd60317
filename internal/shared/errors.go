package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrNoSession indicates a request without a usable session.
	ErrNoSession = errors.New("no session")
)
