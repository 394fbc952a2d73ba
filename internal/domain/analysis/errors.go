package analysis

import "errors"

var (
	// ErrEmptyTitle rejects a create request whose title is blank.
	ErrEmptyTitle = errors.New("analysis title is required")

	// ErrSourceMissing rejects a create request whose source audio file
	// does not exist on disk.
	ErrSourceMissing = errors.New("source recording does not exist")

	// ErrNotFound marks lookups and updates against an id that is not in
	// the store.
	ErrNotFound = errors.New("analysis not found")

	// ErrNoPrediction rejects feedback on a channel that has no stored
	// prediction yet.
	ErrNoPrediction = errors.New("channel has no prediction")

	// ErrUnknownChannel marks a channel name outside the supported set.
	ErrUnknownChannel = errors.New("unknown prediction channel")
)
