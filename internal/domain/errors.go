package domain

import "errors"

var (
	// ErrInvalidSourceRef rejects an empty or malformed source reference before any side effect.
	ErrInvalidSourceRef = errors.New("invalid source reference")
	// ErrFetch indicates the source tree could not be retrieved.
	ErrFetch = errors.New("fetch failed")
	// ErrStorage indicates one or more artifact uploads failed.
	ErrStorage = errors.New("storage failed")
	// ErrQueue indicates the deployment could not be handed to the build queue.
	ErrQueue = errors.New("queue push failed")
)
