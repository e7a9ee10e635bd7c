// Package orchestrator drives the end-to-end harvest run: query the catalog
// per region, diff against the ledger, download new archives, hand completed
// surveys to the processing pipeline and publish completion events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bathyscape/mbharvest/internal/catalog"
	"github.com/bathyscape/mbharvest/internal/harvest"
	"github.com/bathyscape/mbharvest/internal/metrics"
	"github.com/bathyscape/mbharvest/internal/region"
)

// CatalogQuerier is the discovery collaborator.
type CatalogQuerier interface {
	Query(ctx context.Context, req catalog.QueryRequest) *catalog.Stream
}

// Fetcher downloads one file reference for a survey.
type Fetcher interface {
	Fetch(ctx context.Context, record harvest.SurveyRecord, ref harvest.FileRef) (harvest.FileInfo, error)
}

// Config carries run-scoped settings; nothing here is process-global.
type Config struct {
	// Regions selects which loaded regions to harvest. Empty means all.
	Regions []string
	// RecordType selects the catalog layer.
	RecordType harvest.RecordType
	// ExcludePlatforms drops records from these vessels before resolution.
	ExcludePlatforms []string
	// Concurrency bounds the number of regions harvested in parallel.
	Concurrency int
	// OutputDir is the local root handed to the pipeline as ship/survey dirs.
	OutputDir string
	// Topic names the completion-event destination.
	Topic string
}

// RegionReport carries per-region counts for the run summary.
type RegionReport struct {
	Region        string
	Discovered    int
	Skipped       int
	Downloaded    int
	Processed     int
	Failed        int
	ChunksQueried int
	ChunksFailed  int
	Err           error
}

// RunReport summarizes a whole run.
type RunReport struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Regions  []RegionReport
}

// Totals sums the per-region counts.
func (r RunReport) Totals() RegionReport {
	var t RegionReport
	for _, reg := range r.Regions {
		t.Discovered += reg.Discovered
		t.Skipped += reg.Skipped
		t.Downloaded += reg.Downloaded
		t.Processed += reg.Processed
		t.Failed += reg.Failed
		t.ChunksQueried += reg.ChunksQueried
		t.ChunksFailed += reg.ChunksFailed
	}
	return t
}

// Orchestrator owns the per-region state machine. All ledger writes go
// through the single shared handle; the ledger serializes them internally.
type Orchestrator struct {
	regions   *region.Store
	querier   CatalogQuerier
	resolver  harvest.FileResolver
	ledger    harvest.Ledger
	fetcher   Fetcher
	pipeline  harvest.Pipeline
	publisher harvest.Publisher
	clock     harvest.Clock
	ids       harvest.IDGenerator
	cfg       Config
	logger    *zap.Logger

	excluded map[string]struct{}
}

// New builds an Orchestrator. Pipeline and publisher may be nil, in which
// case downloaded is the terminal status and no events are emitted.
func New(
	regions *region.Store,
	querier CatalogQuerier,
	resolver harvest.FileResolver,
	ledger harvest.Ledger,
	fetcher Fetcher,
	pipeline harvest.Pipeline,
	publisher harvest.Publisher,
	clock harvest.Clock,
	ids harvest.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RecordType == "" {
		cfg.RecordType = harvest.RecordTypeMultibeam
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	excluded := make(map[string]struct{}, len(cfg.ExcludePlatforms))
	for _, p := range cfg.ExcludePlatforms {
		excluded[strings.ToLower(p)] = struct{}{}
	}
	metrics.Init()
	return &Orchestrator{
		regions:   regions,
		querier:   querier,
		resolver:  resolver,
		ledger:    ledger,
		fetcher:   fetcher,
		pipeline:  pipeline,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
		excluded:  excluded,
	}
}

// Run harvests the configured regions, fanning out to cfg.Concurrency
// workers. It returns an error only when no forward progress was possible:
// bad configuration, or every region failed.
func (o *Orchestrator) Run(ctx context.Context) (RunReport, error) {
	report := RunReport{Started: o.clock.Now()}

	runID, err := o.ids.NewID()
	if err != nil {
		return report, fmt.Errorf("generate run id: %w", err)
	}
	report.RunID = runID

	names := o.cfg.Regions
	if len(names) == 0 {
		names = o.regions.Names()
	}
	if len(names) == 0 {
		return report, harvest.NewConfigError("no regions to harvest", nil)
	}
	// Fail fast on unknown region names before any network activity.
	for _, name := range names {
		if _, err := o.regions.Lookup(name); err != nil {
			return report, harvest.NewConfigError(fmt.Sprintf("region %q", name), err)
		}
	}

	o.logger.Info("starting harvest run",
		zap.String("run_id", runID),
		zap.Strings("regions", names),
		zap.Int("concurrency", o.cfg.Concurrency))

	jobs := make(chan string)
	results := make(chan RegionReport, len(names))

	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				metrics.IncActiveRegionWorkers()
				started := o.clock.Now()
				results <- o.harvestRegion(ctx, runID, name)
				metrics.ObserveRegionDuration(name, o.clock.Now().Sub(started))
				metrics.DecActiveRegionWorkers()
			}
		}()
	}

	for _, name := range names {
		jobs <- name
	}
	close(jobs)
	wg.Wait()
	close(results)

	for rr := range results {
		report.Regions = append(report.Regions, rr)
	}
	sort.Slice(report.Regions, func(i, j int) bool {
		return report.Regions[i].Region < report.Regions[j].Region
	})
	report.Finished = o.clock.Now()

	failed := 0
	for _, rr := range report.Regions {
		if rr.Err != nil {
			failed++
		}
	}
	if failed == len(report.Regions) {
		return report, fmt.Errorf("all %d regions failed", failed)
	}
	return report, nil
}

// harvestRegion runs the Querying, Filtering, Downloading and Handoff stages
// for one region. Failures below the region level are recovered locally; the
// region itself fails only when its envelope is unavailable or every catalog
// chunk failed.
func (o *Orchestrator) harvestRegion(ctx context.Context, runID, name string) RegionReport {
	rr := RegionReport{Region: name}
	log := o.logger.With(zap.String("region", name), zap.String("run_id", runID))

	env, err := o.regions.Envelope(name)
	if err != nil {
		rr.Err = err
		return rr
	}

	known, err := o.ledger.Known(ctx, "")
	if err != nil {
		rr.Err = fmt.Errorf("load known set: %w", err)
		return rr
	}

	stream := o.querier.Query(ctx, catalog.QueryRequest{
		Envelope: env,
		Type:     o.cfg.RecordType,
	})

	var downloaded []harvest.LedgerEntry
	var reprocess []harvest.LedgerEntry

	for item := range stream.Items() {
		if item.Err != nil {
			metrics.ObserveChunkQuery("failed")
			log.Warn("chunk query failed, continuing with remaining chunks", zap.Error(item.Err))
			continue
		}
		metrics.ObserveChunkQuery("ok")

		rec := item.Record
		if _, drop := o.excluded[strings.ToLower(rec.Platform)]; drop {
			rr.Skipped++
			continue
		}

		prior, seen := known[rec.Key()]
		switch {
		case seen && prior.Handled():
			rr.Skipped++
			metrics.ObserveSurvey(name, "skipped")
			continue
		case seen && prior.Status == harvest.StatusFailed && prior.FailureStage == harvest.StageProcessing && len(prior.Files) > 0:
			// Download already succeeded on a prior run; retry only the
			// processing step.
			reprocess = append(reprocess, prior)
			continue
		}

		entry, err := o.downloadRecord(ctx, log, name, rec)
		if errors.Is(err, errNoFiles) {
			rr.Skipped++
			continue
		}
		rr.Discovered++
		if err != nil {
			rr.Failed++
			continue
		}
		downloaded = append(downloaded, entry)
		rr.Downloaded++

		if ctx.Err() != nil {
			break
		}
	}

	stats := stream.Stats()
	rr.ChunksQueried = stats.ChunksQueried
	rr.ChunksFailed = stats.ChunksFailed
	if stats.ChunksFailed > 0 && stats.ChunksQueried == 0 {
		rr.Err = fmt.Errorf("all %d catalog chunks failed", stats.ChunksFailed)
		return rr
	}

	processed, failed := o.handoff(ctx, log, runID, name, append(downloaded, reprocess...))
	rr.Processed += processed
	rr.Failed += failed

	log.Info("region complete",
		zap.Int("discovered", rr.Discovered),
		zap.Int("skipped", rr.Skipped),
		zap.Int("downloaded", rr.Downloaded),
		zap.Int("processed", rr.Processed),
		zap.Int("failed", rr.Failed),
		zap.Int("chunks_failed", rr.ChunksFailed))
	return rr
}

// errNoFiles marks a record that resolved to zero matching archives. Such
// records are dropped, not failed.
var errNoFiles = errors.New("no matching files")

// downloadRecord resolves a record's file references and downloads them.
// Per-file failures are isolated: sibling files still land, and the entry is
// marked failed with the causes retained for the next run's retry.
func (o *Orchestrator) downloadRecord(ctx context.Context, log *zap.Logger, regionName string, rec harvest.SurveyRecord) (harvest.LedgerEntry, error) {
	entry := harvest.LedgerEntry{
		Platform:    rec.Platform,
		SurveyID:    rec.SurveyID,
		Type:        rec.Type,
		Status:      harvest.StatusDiscovered,
		LastUpdated: o.clock.Now(),
	}

	refs, err := o.resolver.Resolve(ctx, rec)
	if err != nil {
		wrapped := fmt.Errorf("resolve files: %w", err)
		o.markFailed(ctx, log, regionName, entry, harvest.StageDownload, wrapped)
		return entry, wrapped
	}
	if len(refs) == 0 {
		log.Debug("survey has no matching files, dropping",
			zap.String("platform", rec.Platform), zap.String("survey", rec.SurveyID))
		return entry, errNoFiles
	}

	metrics.ObserveSurvey(regionName, "discovered")
	if err := o.mark(ctx, entry); err != nil {
		log.Error("ledger mark failed", zap.Error(err))
	}

	var fileErrs []error
	for _, ref := range refs {
		if ctx.Err() != nil {
			fileErrs = append(fileErrs, ctx.Err())
			break
		}
		info, err := o.fetcher.Fetch(ctx, rec, ref)
		if err != nil {
			log.Warn("file download failed",
				zap.String("platform", rec.Platform),
				zap.String("survey", rec.SurveyID),
				zap.String("url", ref.URL),
				zap.Error(err))
			fileErrs = append(fileErrs, fmt.Errorf("%s: %w", ref.Name, err))
			continue
		}
		entry.Files = append(entry.Files, info)
		metrics.ObserveDownload(regionName, info.Bytes)
	}

	if len(fileErrs) > 0 {
		joined := errors.Join(fileErrs...)
		o.markFailed(ctx, log, regionName, entry, harvest.StageDownload, joined)
		return entry, joined
	}

	entry.Status = harvest.StatusDownloaded
	entry.LastUpdated = o.clock.Now()
	if err := o.mark(ctx, entry); err != nil {
		log.Error("ledger mark failed", zap.Error(err))
		return entry, err
	}
	metrics.ObserveSurvey(regionName, "downloaded")
	return entry, nil
}

// handoff passes downloaded surveys to the external pipeline as one batch and
// commits per-record outcomes. With no pipeline configured, downloaded stays
// terminal.
func (o *Orchestrator) handoff(ctx context.Context, log *zap.Logger, runID, regionName string, entries []harvest.LedgerEntry) (processed, failed int) {
	if o.pipeline == nil || len(entries) == 0 {
		return 0, 0
	}

	batch := make([]harvest.ProcessRequest, 0, len(entries))
	for _, e := range entries {
		names := make([]string, 0, len(e.Files))
		for _, f := range e.Files {
			names = append(names, f.Name)
		}
		batch = append(batch, harvest.ProcessRequest{
			Platform: e.Platform,
			SurveyID: e.SurveyID,
			DataDir:  filepath.Join(o.cfg.OutputDir, e.Platform, e.SurveyID),
			Files:    names,
		})
	}

	byKey := make(map[harvest.Key]harvest.LedgerEntry, len(entries))
	for _, e := range entries {
		byKey[e.Key()] = e
	}

	for _, res := range o.pipeline.Process(ctx, batch) {
		entry, ok := byKey[harvest.Key{Platform: res.Platform, SurveyID: res.SurveyID}]
		if !ok {
			log.Warn("pipeline reported unknown record",
				zap.String("platform", res.Platform), zap.String("survey", res.SurveyID))
			continue
		}
		if res.Err != nil {
			o.markFailed(ctx, log, regionName, entry, harvest.StageProcessing, res.Err)
			failed++
			continue
		}
		entry.Status = harvest.StatusProcessed
		entry.FailureStage = ""
		entry.FailureCause = ""
		entry.LastUpdated = o.clock.Now()
		if err := o.mark(ctx, entry); err != nil {
			log.Error("ledger mark failed", zap.Error(err))
			failed++
			continue
		}
		processed++
		metrics.ObserveSurvey(regionName, "processed")
		o.publish(ctx, log, runID, regionName, entry)
	}
	return processed, failed
}

// publish emits a completion event. Publish failures are logged, never fatal.
func (o *Orchestrator) publish(ctx context.Context, log *zap.Logger, runID, regionName string, entry harvest.LedgerEntry) {
	if o.publisher == nil {
		return
	}
	event := harvest.CompletionEvent{
		RunID:     runID,
		Region:    regionName,
		Platform:  entry.Platform,
		SurveyID:  entry.SurveyID,
		FileCount: len(entry.Files),
		Finished:  o.clock.Now(),
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.Topic, event); err != nil {
		log.Warn("completion event publish failed",
			zap.String("platform", entry.Platform),
			zap.String("survey", entry.SurveyID),
			zap.Error(err))
	}
}

func (o *Orchestrator) mark(ctx context.Context, entry harvest.LedgerEntry) error {
	return o.ledger.Mark(ctx, entry)
}

func (o *Orchestrator) markFailed(ctx context.Context, log *zap.Logger, regionName string, entry harvest.LedgerEntry, stage harvest.Stage, cause error) {
	entry.Status = harvest.StatusFailed
	entry.FailureStage = stage
	entry.FailureCause = cause.Error()
	entry.LastUpdated = o.clock.Now()
	if err := o.mark(ctx, entry); err != nil {
		log.Error("ledger mark failed", zap.Error(err))
	}
	metrics.ObserveSurvey(regionName, "failed")
}
