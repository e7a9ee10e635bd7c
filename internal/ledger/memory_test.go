package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

func TestMemoryMarkIsIdempotentUpsert(t *testing.T) {
	t.Parallel()

	l := NewMemory()
	ctx := context.Background()
	key := harvest.Key{Platform: "nautilus", SurveyID: "na128"}

	entry := harvest.LedgerEntry{
		Platform:    key.Platform,
		SurveyID:    key.SurveyID,
		Type:        harvest.RecordTypeMultibeam,
		Status:      harvest.StatusDiscovered,
		LastUpdated: time.Unix(1700000000, 0),
	}
	require.NoError(t, l.Mark(ctx, entry))

	entry.Status = harvest.StatusDownloaded
	entry.LastUpdated = entry.LastUpdated.Add(time.Minute)
	require.NoError(t, l.Mark(ctx, entry))

	entry.Status = harvest.StatusProcessed
	require.NoError(t, l.Mark(ctx, entry))

	// Exactly one row, reflecting the most recent status.
	require.Equal(t, 1, l.Len())
	known, err := l.Known(ctx, "")
	require.NoError(t, err)
	require.Equal(t, harvest.StatusProcessed, known[key].Status)
}

func TestMemoryIsKnown(t *testing.T) {
	t.Parallel()

	l := NewMemory()
	ctx := context.Background()

	ok, err := l.IsKnown(ctx, "nautilus", "na128")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Mark(ctx, harvest.LedgerEntry{
		Platform: "nautilus", SurveyID: "na128", Status: harvest.StatusDiscovered,
	}))

	ok, err = l.IsKnown(ctx, "nautilus", "na128")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryKnownFiltersByPlatform(t *testing.T) {
	t.Parallel()

	l := NewMemory()
	ctx := context.Background()

	require.NoError(t, l.Mark(ctx, harvest.LedgerEntry{Platform: "nautilus", SurveyID: "na128", Status: harvest.StatusDownloaded}))
	require.NoError(t, l.Mark(ctx, harvest.LedgerEntry{Platform: "okeanos", SurveyID: "ex2206", Status: harvest.StatusDownloaded}))

	all, err := l.Known(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	nautilus, err := l.Known(ctx, "nautilus")
	require.NoError(t, err)
	require.Len(t, nautilus, 1)
}
