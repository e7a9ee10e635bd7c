package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

func testPolicy() *harvest.ExponentialRetryPolicy {
	return harvest.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond)
}

// catalogResponse builds one feature-page payload.
func catalogResponse(truncated bool, surveys ...[2]string) map[string]any {
	features := make([]map[string]any, 0, len(surveys))
	for _, s := range surveys {
		features = append(features, map[string]any{
			"attributes": map[string]any{
				"PLATFORM":     s[0],
				"SURVEY_ID":    s[1],
				"DOWNLOAD_URL": fmt.Sprintf("https://data.example.com/ships/%s/%s/", s[0], s[1]),
			},
		})
	}
	return map[string]any{
		"features":              features,
		"exceededTransferLimit": truncated,
	}
}

func writePayload(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

func requestEnvelope(t *testing.T, r *http.Request) harvest.Envelope {
	t.Helper()
	var env harvest.Envelope
	require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("geometry")), &env))
	return env
}

func drain(t *testing.T, s *Stream) ([]harvest.SurveyRecord, []error) {
	t.Helper()
	var records []harvest.SurveyRecord
	var errs []error
	for item := range s.Items() {
		if item.Err != nil {
			errs = append(errs, item.Err)
			continue
		}
		records = append(records, item.Record)
	}
	return records, errs
}

func newTestEngine(baseURL string, cfg EngineConfig) *Engine {
	client := NewClient(ClientConfig{BaseURL: baseURL, PageSize: 2, Timeout: time.Second}, zap.NewNop())
	return NewEngine(client, cfg, testPolicy(), fakeClock{now: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
}

func TestQueryDeduplicatesAcrossChunks(t *testing.T) {
	t.Parallel()

	// Two chunks; the straddler survey comes back from both.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := requestEnvelope(t, r)
		if env.XMin < -5 {
			writePayload(t, w, catalogResponse(false,
				[2]string{"NAUTILUS", "NA128"},
				[2]string{"OKEANOS", "EX2206"},
			))
			return
		}
		writePayload(t, w, catalogResponse(false, [2]string{"NAUTILUS", "NA128"}))
	}))
	defer srv.Close()

	engine := newTestEngine(srv.URL, EngineConfig{ChunkMaxDegrees: 5, MaxSplitDepth: 2})
	stream := engine.Query(context.Background(), QueryRequest{
		Envelope: harvest.Envelope{XMin: -10, YMin: 0, XMax: 0, YMax: 4},
		Type:     harvest.RecordTypeMultibeam,
	})

	records, errs := drain(t, stream)
	require.Empty(t, errs)
	require.Len(t, records, 2)

	stats := stream.Stats()
	require.Equal(t, 2, stats.ChunksQueried)
	require.Equal(t, 1, stats.Duplicates)
	require.Equal(t, 2, stats.Records)

	// Attributes are normalized to lower case.
	require.Equal(t, "nautilus", records[0].Platform)
	require.NotZero(t, records[0].DiscoveredAt)
}

func TestQueryTruncationTriggersSubdivision(t *testing.T) {
	t.Parallel()

	full := harvest.Envelope{XMin: 0, YMin: 0, XMax: 4, YMax: 4}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := requestEnvelope(t, r)
		if env.Width() >= full.Width() {
			// The whole-envelope page drops results past the server cap.
			writePayload(t, w, catalogResponse(true, [2]string{"ATLANTIS", "AT42"}))
			return
		}
		// Each quadrant yields a distinct survey.
		name := fmt.Sprintf("Q%g%g", env.XMin, env.YMin)
		writePayload(t, w, catalogResponse(false, [2]string{"ATLANTIS", name}))
	}))
	defer srv.Close()

	engine := newTestEngine(srv.URL, EngineConfig{ChunkMaxDegrees: 10, MaxSplitDepth: 2})
	stream := engine.Query(context.Background(), QueryRequest{
		Envelope: full,
		Type:     harvest.RecordTypeMultibeam,
	})

	records, errs := drain(t, stream)
	require.Empty(t, errs)

	// Subdivision recovered more records than the single truncated page held.
	require.Len(t, records, 4)
	stats := stream.Stats()
	require.Equal(t, 1, stats.ChunksSplit)
	require.Equal(t, 4, stats.ChunksQueried)
}

func TestQueryFallsBackToPaginationAtMaxDepth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("resultOffset"))
		if offset == 0 {
			writePayload(t, w, catalogResponse(true,
				[2]string{"NAUTILUS", "NA100"},
				[2]string{"NAUTILUS", "NA101"},
			))
			return
		}
		writePayload(t, w, catalogResponse(false, [2]string{"NAUTILUS", "NA102"}))
	}))
	defer srv.Close()

	engine := newTestEngine(srv.URL, EngineConfig{ChunkMaxDegrees: 10, MaxSplitDepth: 0})
	stream := engine.Query(context.Background(), QueryRequest{
		Envelope: harvest.Envelope{XMin: 0, YMin: 0, XMax: 4, YMax: 4},
		Type:     harvest.RecordTypeMultibeam,
	})

	records, errs := drain(t, stream)
	require.Empty(t, errs)
	require.Len(t, records, 3)
}

func TestQueryRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writePayload(t, w, catalogResponse(false, [2]string{"NAUTILUS", "NA128"}))
	}))
	defer srv.Close()

	engine := newTestEngine(srv.URL, EngineConfig{ChunkMaxDegrees: 10, MaxSplitDepth: 2})
	stream := engine.Query(context.Background(), QueryRequest{
		Envelope: harvest.Envelope{XMin: 0, YMin: 0, XMax: 4, YMax: 4},
		Type:     harvest.RecordTypeMultibeam,
	})

	records, errs := drain(t, stream)
	require.Empty(t, errs)
	require.Len(t, records, 1)
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, 0, stream.Stats().ChunksFailed)
}

func TestQueryExhaustedRetriesYieldChunkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	engine := newTestEngine(srv.URL, EngineConfig{ChunkMaxDegrees: 10, MaxSplitDepth: 2})
	stream := engine.Query(context.Background(), QueryRequest{
		Envelope: harvest.Envelope{XMin: 0, YMin: 0, XMax: 4, YMax: 4},
		Type:     harvest.RecordTypeMultibeam,
	})

	records, errs := drain(t, stream)
	require.Empty(t, records)
	require.Len(t, errs, 1)

	var chunkErr *harvest.ChunkError
	require.ErrorAs(t, errs[0], &chunkErr)
	require.Equal(t, 3, chunkErr.Attempts)

	stats := stream.Stats()
	require.Equal(t, 1, stats.ChunksFailed)
	require.Equal(t, 0, stats.ChunksQueried)
}

func TestQueryRetriesTimedOutChunks(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, PageSize: 2, Timeout: 20 * time.Millisecond}, zap.NewNop())
	engine := NewEngine(client, EngineConfig{ChunkMaxDegrees: 10, MaxSplitDepth: 2},
		testPolicy(), fakeClock{now: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
	stream := engine.Query(context.Background(), QueryRequest{
		Envelope: harvest.Envelope{XMin: 0, YMin: 0, XMax: 4, YMax: 4},
		Type:     harvest.RecordTypeMultibeam,
	})

	_, errs := drain(t, stream)
	require.Len(t, errs, 1)

	var chunkErr *harvest.ChunkError
	require.ErrorAs(t, errs[0], &chunkErr)
	require.Equal(t, 3, chunkErr.Attempts, "timeouts must exhaust the attempt budget")
	require.EqualValues(t, 3, calls.Load())
}

func TestQueryProtocolErrorAbortsChunkWithoutRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writePayload(t, w, map[string]any{
			"error": map[string]any{"code": 400, "message": "Unable to complete operation"},
		})
	}))
	defer srv.Close()

	engine := newTestEngine(srv.URL, EngineConfig{ChunkMaxDegrees: 10, MaxSplitDepth: 2})
	stream := engine.Query(context.Background(), QueryRequest{
		Envelope: harvest.Envelope{XMin: 0, YMin: 0, XMax: 4, YMax: 4},
		Type:     harvest.RecordTypeMultibeam,
	})

	_, errs := drain(t, stream)
	require.Len(t, errs, 1)

	var protoErr *harvest.ProtocolError
	require.ErrorAs(t, errs[0], &protoErr)
	require.EqualValues(t, 1, calls.Load(), "protocol errors must not be retried")
}

func TestQueryStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writePayload(t, w, catalogResponse(false, [2]string{"NAUTILUS", "NA128"}))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newTestEngine(srv.URL, EngineConfig{ChunkMaxDegrees: 5, MaxSplitDepth: 2})
	stream := engine.Query(ctx, QueryRequest{
		Envelope: harvest.Envelope{XMin: -10, YMin: 0, XMax: 0, YMax: 4},
		Type:     harvest.RecordTypeMultibeam,
	})

	records, _ := drain(t, stream)
	require.Empty(t, records)
}
