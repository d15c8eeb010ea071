package filing

import (
	"context"
	"io"
	"time"
)

// MetadataStore persists filing metadata and answers duplicate queries.
type MetadataStore interface {
	SaveFiling(ctx context.Context, record FilingRecord) (string, error)
	FindDuplicate(ctx context.Context, key DuplicateKey) (string, bool, error)
}

// BlobStore writes raw document bytes and returns a durable URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes retrieval events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RunLedger records the lifecycle of source runs.
type RunLedger interface {
	StartRun(ctx context.Context, runID, source string, startedAt time.Time) error
	CompleteRun(ctx context.Context, report RunReport) error
}
