package inventory

import "errors"

// Sentinel errors for inventory operations.
var (
	// ErrNodeNotFound indicates the requested node is not in the roster.
	ErrNodeNotFound = errors.New("inventory: node not found")
)
