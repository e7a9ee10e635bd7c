package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

// QueryRequest describes one region-scoped catalog query.
type QueryRequest struct {
	Envelope harvest.Envelope
	Type     harvest.RecordType
	Fields   []string
	Start    time.Time
	End      time.Time
}

// Item is one element of the engine's output stream: a record or a chunk
// failure the caller may skip-and-log.
type Item struct {
	Record harvest.SurveyRecord
	Err    error
}

// QueryStats summarizes a finished query stream.
type QueryStats struct {
	ChunksQueried int
	ChunksFailed  int
	ChunksSplit   int
	Records       int
	Duplicates    int
}

// Stream is a lazy, finite, single-pass sequence of survey records. It is not
// restartable: re-querying reissues network requests.
type Stream struct {
	ch    chan Item
	mu    sync.Mutex
	stats QueryStats
}

// NewStream returns a pre-populated, already-finished stream. Useful for
// in-memory querier fakes.
func NewStream(items []Item, stats QueryStats) *Stream {
	s := &Stream{ch: make(chan Item, len(items)), stats: stats}
	for _, item := range items {
		s.ch <- item
	}
	close(s.ch)
	return s
}

// Items returns the result channel. It is closed when the query finishes or
// the context is canceled.
func (s *Stream) Items() <-chan Item { return s.ch }

// Stats returns the accumulated counters. Only meaningful after Items has
// been drained.
func (s *Stream) Stats() QueryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Stream) update(fn func(*QueryStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// EngineConfig controls chunking and retry behavior.
type EngineConfig struct {
	// ChunkMaxDegrees sizes the initial fixed grid.
	ChunkMaxDegrees float64
	// MaxSplitDepth bounds recursive halving on truncated chunks. Past the
	// bound the engine falls back to offset pagination.
	MaxSplitDepth int
}

// Engine splits envelopes into chunks sized for the catalog's per-request
// limits, paginates each chunk, reacts to result truncation by subdividing,
// and deduplicates across chunk boundaries.
type Engine struct {
	client *Client
	cfg    EngineConfig
	policy *harvest.ExponentialRetryPolicy
	clock  harvest.Clock
	logger *zap.Logger
}

// NewEngine builds an Engine.
func NewEngine(client *Client, cfg EngineConfig, policy *harvest.ExponentialRetryPolicy, clock harvest.Clock, logger *zap.Logger) *Engine {
	if cfg.ChunkMaxDegrees <= 0 {
		cfg.ChunkMaxDegrees = 5.0
	}
	if cfg.MaxSplitDepth < 0 {
		cfg.MaxSplitDepth = 0
	}
	if policy == nil {
		policy = harvest.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{client: client, cfg: cfg, policy: policy, clock: clock, logger: logger}
}

type dedupeKey struct {
	platform string
	surveyID string
	recType  harvest.RecordType
}

// Query starts the query and returns a lazy stream of records. Chunk-level
// failures surface as Items with Err set; the region is only lost if every
// chunk fails.
func (e *Engine) Query(ctx context.Context, req QueryRequest) *Stream {
	s := &Stream{ch: make(chan Item)}
	go func() {
		defer close(s.ch)
		seen := make(map[dedupeKey]struct{})
		emit := func(rec harvest.SurveyRecord) bool {
			key := dedupeKey{platform: rec.Platform, surveyID: rec.SurveyID, recType: rec.Type}
			if _, dup := seen[key]; dup {
				s.update(func(st *QueryStats) { st.Duplicates++ })
				return true
			}
			seen[key] = struct{}{}
			rec.DiscoveredAt = e.clock.Now()
			select {
			case s.ch <- Item{Record: rec}:
				s.update(func(st *QueryStats) { st.Records++ })
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, chunk := range SplitEnvelope(req.Envelope, e.cfg.ChunkMaxDegrees) {
			if ctx.Err() != nil {
				return
			}
			e.queryChunk(ctx, req, chunk, 0, s, emit)
		}
	}()
	return s
}

// queryChunk drains one chunk: paginate until the catalog reports no further
// pages, subdividing first whenever the initial page comes back truncated and
// depth allows. Truncation is authoritative over the static grid.
func (e *Engine) queryChunk(ctx context.Context, req QueryRequest, chunk harvest.Envelope, depth int, s *Stream, emit func(harvest.SurveyRecord) bool) {
	offset := 0
	for {
		pg, attempts, err := e.fetchWithRetry(ctx, req, chunk, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.update(func(st *QueryStats) { st.ChunksFailed++ })
			item := Item{Err: chunkFailure(chunk, attempts, err)}
			select {
			case s.ch <- item:
			case <-ctx.Done():
			}
			return
		}

		if pg.truncated && offset == 0 && depth < e.cfg.MaxSplitDepth {
			s.update(func(st *QueryStats) { st.ChunksSplit++ })
			e.logger.Debug("chunk truncated, subdividing",
				zap.Int("depth", depth),
				zap.Float64("xmin", chunk.XMin), zap.Float64("ymin", chunk.YMin),
				zap.Float64("xmax", chunk.XMax), zap.Float64("ymax", chunk.YMax))
			for _, sub := range Quarter(chunk) {
				if ctx.Err() != nil {
					return
				}
				e.queryChunk(ctx, req, sub, depth+1, s, emit)
			}
			return
		}
		if offset == 0 {
			// Counts only chunks whose results are consumed; a subdivided
			// chunk is replaced by its quadrants.
			s.update(func(st *QueryStats) { st.ChunksQueried++ })
			if pg.truncated {
				e.logger.Warn("chunk still truncated at max split depth, falling back to offset pagination",
					zap.Int("depth", depth))
			}
		}

		for _, rec := range pg.records {
			if !emit(rec) {
				return
			}
		}

		if !pg.truncated || len(pg.records) == 0 {
			return
		}
		offset += len(pg.records)
	}
}

// fetchWithRetry applies the bounded exponential backoff policy to transient
// failures. Protocol errors pass through untouched so the caller can abort
// the chunk immediately.
func (e *Engine) fetchWithRetry(ctx context.Context, req QueryRequest, chunk harvest.Envelope, offset int) (page, int, error) {
	var lastErr error
	attempt := 0
	for {
		pg, err := e.client.fetchPage(ctx, req, chunk, offset)
		if err == nil {
			return pg, attempt + 1, nil
		}
		lastErr = err
		attempt++
		if !e.policy.ShouldRetry(err, attempt) {
			return page{}, attempt, lastErr
		}
		e.logger.Warn("catalog request failed, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return page{}, attempt, ctx.Err()
		case <-time.After(e.policy.Backoff(attempt)):
		}
	}
}

// chunkFailure keeps protocol errors distinct from transient exhaustion.
func chunkFailure(chunk harvest.Envelope, attempts int, err error) error {
	var protoErr *harvest.ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}
	return &harvest.ChunkError{Chunk: chunk, Attempts: attempts, Err: err}
}
