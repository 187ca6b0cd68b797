package persistcache

import "errors"

var (
	// ErrClosed is returned by every operation on an engine after Close.
	ErrClosed = errors.New("persistcache: engine is closed")

	// ErrInvalidTarget is returned by Compact when the requested fraction
	// is outside (0, 1).
	ErrInvalidTarget = errors.New("persistcache: compaction target must be in (0, 1)")
)
