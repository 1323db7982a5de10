package ctxengine

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("ctxengine: not found")

	// ErrPriorityDowngrade indicates an attempt to lower a package priority.
	// Priorities only move upward once a package becomes error-relevant.
	ErrPriorityDowngrade = errors.New("ctxengine: priority downgrade rejected")
)
