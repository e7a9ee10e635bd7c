// Package catalog implements the region-scoped query engine for the remote
// ship-data catalog.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"context"

	"go.uber.org/zap"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

// Attribute names returned by the catalog's feature layers.
const (
	attrPlatform    = "PLATFORM"
	attrSurveyID    = "SURVEY_ID"
	attrDownloadURL = "DOWNLOAD_URL"
)

// DefaultFields is the field list requested when the caller passes none.
var DefaultFields = []string{attrPlatform, attrSurveyID, attrDownloadURL}

// ClientConfig controls the catalog HTTP client.
type ClientConfig struct {
	// BaseURL is the service root, e.g.
	// https://gis.ngdc.noaa.gov/arcgis/rest/services/web_mercator
	BaseURL  string
	PageSize int
	Timeout  time.Duration
}

// Client issues single envelope queries against one catalog layer. Chunking,
// retries, and pagination live in the Engine; the client knows only the wire
// format.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a Client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// page is one catalog response: the decoded records plus the truncation flag.
type page struct {
	records   []harvest.SurveyRecord
	truncated bool
}

// featurePage mirrors the catalog's JSON response shape.
type featurePage struct {
	Features []struct {
		Attributes map[string]any `json:"attributes"`
	} `json:"features"`
	ExceededTransferLimit bool `json:"exceededTransferLimit"`
	Error                 *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// layer maps a record type onto the catalog service it is published in.
func layer(recordType harvest.RecordType) (string, error) {
	switch recordType {
	case harvest.RecordTypeMultibeam:
		return "multibeam_dynamic/MapServer/0", nil
	case harvest.RecordTypeProduct:
		return "nos_hydro_dynamic/MapServer/0", nil
	default:
		return "", fmt.Errorf("unknown record type %q", recordType)
	}
}

// whereClause compiles the optional date window into the layer's filter
// syntax. The two layers expose different date column names.
func whereClause(recordType harvest.RecordType, start, end time.Time) string {
	beginCol, endCol := "START_TIME", "END_TIME"
	if recordType == harvest.RecordTypeProduct {
		beginCol, endCol = "DATE_SURVEY_BEGIN", "DATE_SURVEY_END"
	}
	var parts []string
	if !start.IsZero() {
		parts = append(parts, fmt.Sprintf("%s >= date'%s'", beginCol, start.Format("2006-01-02")))
	}
	if !end.IsZero() {
		parts = append(parts, fmt.Sprintf("%s <= date'%s'", endCol, end.Format("2006-01-02")))
	}
	if len(parts) == 0 {
		return "1=1"
	}
	return strings.Join(parts, " AND ")
}

// fetchPage runs a single paginated envelope query. Transport and HTTP-status
// failures are returned as plain (retryable) errors; an unparsable body or an
// error payload is a *harvest.ProtocolError and must not be retried.
func (c *Client) fetchPage(ctx context.Context, req QueryRequest, chunk harvest.Envelope, offset int) (page, error) {
	lyr, err := layer(req.Type)
	if err != nil {
		return page{}, err
	}
	queryURL := fmt.Sprintf("%s/%s/query", strings.TrimRight(c.cfg.BaseURL, "/"), lyr)

	geometry, err := json.Marshal(chunk)
	if err != nil {
		return page{}, fmt.Errorf("marshal envelope: %w", err)
	}
	fields := req.Fields
	if len(fields) == 0 {
		fields = DefaultFields
	}

	params := url.Values{}
	params.Set("where", whereClause(req.Type, req.Start, req.End))
	params.Set("geometry", string(geometry))
	params.Set("geometryType", "esriGeometryEnvelope")
	params.Set("inSR", "4326")
	params.Set("spatialRel", "esriSpatialRelIntersects")
	params.Set("outFields", strings.Join(fields, ","))
	params.Set("returnGeometry", "false")
	params.Set("resultOffset", strconv.Itoa(offset))
	params.Set("resultRecordCount", strconv.Itoa(c.cfg.PageSize))
	params.Set("f", "json")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL+"?"+params.Encode(), nil)
	if err != nil {
		return page{}, fmt.Errorf("build catalog request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return page{}, fmt.Errorf("catalog request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return page{}, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var payload featurePage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return page{}, &harvest.ProtocolError{URL: queryURL, Err: fmt.Errorf("decode response: %w", err)}
	}
	if payload.Error != nil {
		return page{}, &harvest.ProtocolError{
			URL: queryURL,
			Err: fmt.Errorf("catalog error %d: %s", payload.Error.Code, payload.Error.Message),
		}
	}

	records := make([]harvest.SurveyRecord, 0, len(payload.Features))
	for _, feat := range payload.Features {
		platform := attrString(feat.Attributes, attrPlatform)
		surveyID := attrString(feat.Attributes, attrSurveyID)
		if platform == "" || surveyID == "" {
			c.logger.Debug("dropping feature without platform/survey attributes",
				zap.Any("attributes", feat.Attributes))
			continue
		}
		records = append(records, harvest.SurveyRecord{
			Platform: strings.ToLower(platform),
			SurveyID: strings.ToLower(surveyID),
			Type:     req.Type,
			DataURL:  attrString(feat.Attributes, attrDownloadURL),
			Location: chunk,
		})
	}
	return page{records: records, truncated: payload.ExceededTransferLimit}, nil
}

func attrString(attrs map[string]any, key string) string {
	v, ok := attrs[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	return strings.TrimSpace(s)
}
