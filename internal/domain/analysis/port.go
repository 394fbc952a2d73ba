package analysis

import (
	"context"
	"time"
)

// Repository port (persistence for analysis records).
//
// Column-level updates are single statements so that concurrent writers
// touching different channels of the same record never overwrite each
// other. Updates against a missing id return ErrNotFound.
type Repository interface {
	Insert(ctx context.Context, a *Analysis) (int64, error)
	Get(ctx context.Context, id int64) (*Analysis, error)
	Latest(ctx context.Context, limit int) ([]*Analysis, error)
	ListBySendStatus(ctx context.Context, st SendStatus, limit int) ([]*Analysis, error)
	Delete(ctx context.Context, id int64) error

	UpdateRecordingPath(ctx context.Context, id int64, path string) error
	// UpdatePrediction stores one channel's values and sets the completion
	// date if it is not already set.
	UpdatePrediction(ctx context.Context, id int64, ch Channel, values map[string]float64, completedAt time.Time) error
	// UpdateFeedback flips the feedback flag on a channel. Returns
	// ErrNoPrediction when the channel has no stored values.
	UpdateFeedback(ctx context.Context, id int64, ch Channel, correct bool) error
	UpdateSendStatus(ctx context.Context, id int64, st SendStatus, errMsg string) error
	UpdateArchiveURL(ctx context.Context, id int64, url string) error

	ReplaceTags(ctx context.Context, id int64, tags []string) error
}

// Vault port (durable storage for recording files).
type Vault interface {
	// Store copies src into the record's private directory and returns
	// the new absolute path. The source stays; the caller cleans it up.
	Store(ctx context.Context, src string, id int64) (string, error)
	// Delete removes the record's directory. False when nothing existed.
	Delete(id int64) (bool, error)
	// Lookup returns the stored recording's path, or "" when absent.
	Lookup(id int64) (string, error)
}

// ArchiveStore port (off-device copy of a finished analysis).
type ArchiveStore interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
	UploadBytes(ctx context.Context, data []byte, key, contentType string) (string, error)
}
