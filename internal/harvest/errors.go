package harvest

import (
	"errors"
	"fmt"
)

// ErrRegionNotFound is returned by region lookups for unknown names.
var ErrRegionNotFound = errors.New("region not found")

// ConfigError indicates invalid operator configuration (missing region
// directory, no valid region files). It is fatal and aborts a run before any
// network activity.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err with a configuration-error reason.
func NewConfigError(reason string, err error) *ConfigError {
	return &ConfigError{Reason: reason, Err: err}
}

// ChunkError reports that one query chunk exhausted its retries. The caller
// may skip-and-log rather than abort the whole region.
type ChunkError struct {
	Chunk    Envelope
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk query failed after %d attempts (xmin=%g ymin=%g xmax=%g ymax=%g): %v",
		e.Attempts, e.Chunk.XMin, e.Chunk.YMin, e.Chunk.XMax, e.Chunk.YMax, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// ProtocolError indicates a malformed or unparsable catalog response. It is
// not transient and must not be retried: it signals a schema mismatch, not a
// flaky network.
type ProtocolError struct {
	URL string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("catalog protocol error at %s: %v", e.URL, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
