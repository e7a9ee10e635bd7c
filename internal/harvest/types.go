// Package harvest defines core types shared across subsystems.
package harvest

import (
	"time"
)

// RecordType distinguishes the two catalog layers we query.
type RecordType string

// Record types recognized by the catalog query engine.
const (
	RecordTypeMultibeam RecordType = "raw-multibeam"
	RecordTypeProduct   RecordType = "exported-product"
)

// Valid reports whether the record type names a known catalog layer.
func (t RecordType) Valid() bool {
	return t == RecordTypeMultibeam || t == RecordTypeProduct
}

// Status represents the lifecycle state of a survey in the ledger.
type Status string

// Ledger status values persisted per (platform, survey).
const (
	StatusDiscovered Status = "discovered"
	StatusDownloaded Status = "downloaded"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Stage identifies which step of the run produced a failure, so a later run
// can retry only that step.
type Stage string

// Failure stages recorded alongside StatusFailed.
const (
	StageDownload   Stage = "download"
	StageProcessing Stage = "processing"
)

// Envelope is an axis-aligned bounding box in geographic (WGS84) coordinates.
type Envelope struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// Width returns the longitudinal extent in degrees.
func (e Envelope) Width() float64 { return e.XMax - e.XMin }

// Height returns the latitudinal extent in degrees.
func (e Envelope) Height() float64 { return e.YMax - e.YMin }

// IsValid reports whether the envelope has positive area.
func (e Envelope) IsValid() bool {
	return e.XMax > e.XMin && e.YMax > e.YMin
}

// Key uniquely identifies a survey in the ledger.
type Key struct {
	Platform string
	SurveyID string
}

// FileRef is a single downloadable archive belonging to a survey.
type FileRef struct {
	// URL is the absolute download link.
	URL string `json:"url"`
	// Name is the file name as published by the catalog's data store.
	Name string `json:"name"`
}

// SurveyRecord is the unit of discovery produced by the catalog query engine.
// It is transient: the orchestrator either discards it (already in the
// ledger) or promotes it into a LedgerEntry.
type SurveyRecord struct {
	Platform     string     `json:"platform"`
	SurveyID     string     `json:"survey_id"`
	Type         RecordType `json:"record_type"`
	DataURL      string     `json:"data_url"`
	Files        []FileRef  `json:"files,omitempty"`
	Location     Envelope   `json:"location"`
	DiscoveredAt time.Time  `json:"discovered_at"`
}

// Key returns the ledger key for the record.
func (r SurveyRecord) Key() Key {
	return Key{Platform: r.Platform, SurveyID: r.SurveyID}
}

// FileInfo records the outcome of downloading one file reference.
type FileInfo struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	LocalURI string `json:"local_uri,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
}

// LedgerEntry is the durable record of a survey that has been seen.
// At most one entry exists per (platform, survey_id); new discoveries update
// status in place.
type LedgerEntry struct {
	Platform     string     `json:"platform"`
	SurveyID     string     `json:"survey_id"`
	Type         RecordType `json:"record_type"`
	Status       Status     `json:"status"`
	Files        []FileInfo `json:"files,omitempty"`
	FailureStage Stage      `json:"failure_stage,omitempty"`
	FailureCause string     `json:"failure_cause,omitempty"`
	LastUpdated  time.Time  `json:"last_updated"`
}

// Key returns the ledger key for the entry.
func (e LedgerEntry) Key() Key {
	return Key{Platform: e.Platform, SurveyID: e.SurveyID}
}

// Handled reports whether the entry needs no further download work. Entries
// left at discovered or failed are re-attempted by the next run.
func (e LedgerEntry) Handled() bool {
	return e.Status == StatusDownloaded || e.Status == StatusProcessed
}

// ProcessRequest hands one downloaded survey to the processing pipeline.
type ProcessRequest struct {
	Platform string
	SurveyID string
	DataDir  string
	Files    []string
}

// ProcessResult reports per-record pipeline success or failure.
type ProcessResult struct {
	Platform string
	SurveyID string
	Err      error
}

// CompletionEvent is published after a survey reaches processed status.
type CompletionEvent struct {
	RunID     string    `json:"run_id"`
	Region    string    `json:"region"`
	Platform  string    `json:"platform"`
	SurveyID  string    `json:"survey_id"`
	FileCount int       `json:"file_count"`
	Finished  time.Time `json:"finished_at"`
}
