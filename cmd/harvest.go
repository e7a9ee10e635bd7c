package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bathyscape/mbharvest/internal/api"
	"github.com/bathyscape/mbharvest/internal/app"
	"github.com/bathyscape/mbharvest/internal/catalog"
	clocksys "github.com/bathyscape/mbharvest/internal/clock/system"
	"github.com/bathyscape/mbharvest/internal/download"
	"github.com/bathyscape/mbharvest/internal/harvest"
	iduuid "github.com/bathyscape/mbharvest/internal/id/uuid"
	"github.com/bathyscape/mbharvest/internal/orchestrator"
	"github.com/bathyscape/mbharvest/internal/region"
)

// newHarvestCmd creates the 'harvest' subcommand, which runs one full
// discovery and download pass over the configured regions.
func newHarvestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "harvest",
		Short: "Discover and download new survey archives",
		Long: `Queries the remote catalog for surveys intersecting the configured
regions, downloads archives not yet recorded in the ledger and optionally
hands completed surveys to the external processing pipeline.`,
		RunE: runHarvestCommand,
	}
}

func runHarvestCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	regions, err := region.Load(cfg.Harvest.RegionDir, logger)
	if err != nil {
		return err
	}

	if cfg.Server.Enabled {
		stop := startStatusServer(regions, cfg.Server.Port, logger)
		defer stop()
	}

	orch := buildOrchestrator(appInstance, regions)

	report, err := orch.Run(cmd.Context())
	printReport(cmd, report)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("harvest run: %w", err)
	}
	return nil
}

func buildOrchestrator(appInstance *app.App, regions *region.Store) *orchestrator.Orchestrator {
	cfg := appInstance.Config()
	logger := appInstance.Logger()
	clock := clocksys.New()

	catalogPolicy := harvest.NewRetryPolicy(
		cfg.Catalog.MaxRetries,
		time.Duration(cfg.Catalog.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Catalog.BackoffMaxMs)*time.Millisecond,
	)
	engine := catalog.NewEngine(appInstance.NewCatalogClient(), catalog.EngineConfig{
		ChunkMaxDegrees: cfg.Catalog.ChunkMaxDegrees,
		MaxSplitDepth:   cfg.Catalog.MaxSplitDepth,
	}, catalogPolicy, clock, logger)

	downloadPolicy := harvest.NewRetryPolicy(cfg.Download.MaxRetries, time.Second, 30*time.Second)
	downloader := download.New(appInstance.Blobs(), downloadPolicy, download.Config{
		Timeout:    cfg.DownloadTimeout(),
		Extensions: cfg.Harvest.Extensions,
		Decompress: cfg.Download.Decompress,
	}, logger)

	var names []string
	if cfg.Harvest.Region != "" {
		names = []string{cfg.Harvest.Region}
	}

	return orchestrator.New(
		regions,
		engine,
		appInstance.NewFileResolver(),
		appInstance.Ledger(),
		downloader,
		appInstance.Pipeline(),
		appInstance.Publisher(),
		clock,
		iduuid.New(),
		orchestrator.Config{
			Regions:          names,
			RecordType:       harvest.RecordType(cfg.Harvest.RecordType),
			ExcludePlatforms: cfg.Harvest.ExcludePlatforms,
			Concurrency:      cfg.Harvest.Concurrency,
			OutputDir:        cfg.Harvest.OutputDir,
			Topic:            cfg.Publisher.TopicName,
		},
		logger,
	)
}

func startStatusServer(regions *region.Store, port int, logger *zap.Logger) func() {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           api.NewServer(regions, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("status server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printReport(cmd *cobra.Command, report orchestrator.RunReport) {
	cmd.Printf("run %s finished in %s\n", report.RunID, report.Finished.Sub(report.Started).Round(time.Second))
	for _, rr := range report.Regions {
		status := "ok"
		if rr.Err != nil {
			status = rr.Err.Error()
		} else if rr.ChunksFailed > 0 {
			status = fmt.Sprintf("partial (%d/%d chunks failed)", rr.ChunksFailed, rr.ChunksFailed+rr.ChunksQueried)
		}
		cmd.Printf("  %-24s discovered=%d skipped=%d downloaded=%d processed=%d failed=%d [%s]\n",
			rr.Region, rr.Discovered, rr.Skipped, rr.Downloaded, rr.Processed, rr.Failed, status)
	}
	totals := report.Totals()
	cmd.Printf("totals: discovered=%d skipped=%d downloaded=%d processed=%d failed=%d\n",
		totals.Discovered, totals.Skipped, totals.Downloaded, totals.Processed, totals.Failed)
}
