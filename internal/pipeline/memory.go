package pipeline

import (
	"context"
	"sync"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

// MemoryPipeline records handed-off batches for inspection in tests. An
// optional Fail set makes chosen records report processing failures.
type MemoryPipeline struct {
	mu      sync.Mutex
	batches [][]harvest.ProcessRequest

	// Fail holds (platform, survey) keys whose processing should fail.
	Fail map[harvest.Key]error
}

// NewMemory returns a MemoryPipeline.
func NewMemory() *MemoryPipeline {
	return &MemoryPipeline{}
}

// Process records the batch and reports per-record results.
func (p *MemoryPipeline) Process(_ context.Context, batch []harvest.ProcessRequest) []harvest.ProcessResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batch)

	results := make([]harvest.ProcessResult, 0, len(batch))
	for _, req := range batch {
		result := harvest.ProcessResult{Platform: req.Platform, SurveyID: req.SurveyID}
		if err, ok := p.Fail[harvest.Key{Platform: req.Platform, SurveyID: req.SurveyID}]; ok {
			result.Err = err
		}
		results = append(results, result)
	}
	return results
}

// Batches returns the recorded handoffs.
func (p *MemoryPipeline) Batches() [][]harvest.ProcessRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]harvest.ProcessRequest, len(p.batches))
	copy(out, p.batches)
	return out
}
