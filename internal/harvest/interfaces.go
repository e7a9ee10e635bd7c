package harvest

import (
	"context"
	"io"
	"time"
)

// Ledger persists discovery/download/processing status per survey. It is the
// sole source of truth for "already handled"; only the orchestrator writes to
// it. Implementations must serialize writes internally (single-writer).
type Ledger interface {
	// IsKnown reports whether an entry exists for the key.
	IsKnown(ctx context.Context, platform, surveyID string) (bool, error)
	// Mark upserts the entry. Idempotent: repeated calls with the same key
	// leave exactly one row reflecting the most recent status.
	Mark(ctx context.Context, entry LedgerEntry) error
	// Known returns all entries, optionally filtered by platform, for bulk
	// filtering of query engine output.
	Known(ctx context.Context, platform string) (map[Key]LedgerEntry, error)
	// Close releases the underlying store.
	Close()
}

// BlobStore writes downloaded bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// Stat returns the stored object's size, if present.
	Stat(ctx context.Context, path string) (int64, bool, error)
}

// Pipeline is the external processing collaborator. It receives a batch of
// downloaded surveys and reports per-record success or failure; nothing is
// assumed about its internals.
type Pipeline interface {
	Process(ctx context.Context, batch []ProcessRequest) []ProcessResult
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// FileResolver expands a survey record into its downloadable file references.
type FileResolver interface {
	Resolve(ctx context.Context, record SurveyRecord) ([]FileRef, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
