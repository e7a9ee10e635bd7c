// Package pipeline implements the external processing handoff.
package pipeline

import (
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

// ExecConfig configures the command-runner pipeline.
type ExecConfig struct {
	// Command is the external processing executable.
	Command string
	// Args are passed before the survey's data directory, which is always
	// appended as the final argument.
	Args []string
}

// ExecPipeline hands each downloaded survey to an operator-configured
// external command. The command's internals are its own business; only the
// per-record exit status matters here.
type ExecPipeline struct {
	cfg    ExecConfig
	logger *zap.Logger
}

// NewExec builds an ExecPipeline.
func NewExec(cfg ExecConfig, logger *zap.Logger) (*ExecPipeline, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("pipeline command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecPipeline{cfg: cfg, logger: logger}, nil
}

// Process runs the command once per record. A failing record does not abort
// its siblings.
func (p *ExecPipeline) Process(ctx context.Context, batch []harvest.ProcessRequest) []harvest.ProcessResult {
	results := make([]harvest.ProcessResult, 0, len(batch))
	for _, req := range batch {
		result := harvest.ProcessResult{Platform: req.Platform, SurveyID: req.SurveyID}
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			results = append(results, result)
			continue
		}
		args := append(append([]string(nil), p.cfg.Args...), req.DataDir)
		cmd := exec.CommandContext(ctx, p.cfg.Command, args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			p.logger.Error("pipeline command failed",
				zap.String("platform", req.Platform),
				zap.String("survey", req.SurveyID),
				zap.ByteString("output", out),
				zap.Error(err))
			result.Err = fmt.Errorf("pipeline command: %w", err)
		} else {
			p.logger.Info("pipeline command succeeded",
				zap.String("platform", req.Platform),
				zap.String("survey", req.SurveyID))
		}
		results = append(results, result)
	}
	return results
}
