package ledger

import (
	"context"
	"sync"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

// MemoryLedger provides an in-memory implementation for development and
// testing, with the same upsert semantics as the Postgres store.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[harvest.Key]harvest.LedgerEntry
}

// NewMemory constructs an empty MemoryLedger.
func NewMemory() *MemoryLedger {
	return &MemoryLedger{entries: make(map[harvest.Key]harvest.LedgerEntry)}
}

// IsKnown reports whether an entry exists for the key.
func (l *MemoryLedger) IsKnown(_ context.Context, platform, surveyID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[harvest.Key{Platform: platform, SurveyID: surveyID}]
	return ok, nil
}

// Mark upserts the entry.
func (l *MemoryLedger) Mark(_ context.Context, entry harvest.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[entry.Key()] = entry
	return nil
}

// Known returns all entries, optionally filtered by platform.
func (l *MemoryLedger) Known(_ context.Context, platform string) (map[harvest.Key]harvest.LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	known := make(map[harvest.Key]harvest.LedgerEntry, len(l.entries))
	for key, entry := range l.entries {
		if platform != "" && key.Platform != platform {
			continue
		}
		known[key] = entry
	}
	return known, nil
}

// Close is a no-op for the memory ledger.
func (l *MemoryLedger) Close() {}

// Len returns the number of stored entries (test helper).
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
