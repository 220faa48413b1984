package repository

import "errors"

// ErrNotFound indicates no record exists for the requested deployment.
var ErrNotFound = errors.New("repository: not found")

// ErrQueueEmpty is returned by a blocking pop that timed out without an item.
var ErrQueueEmpty = errors.New("repository: queue empty")
