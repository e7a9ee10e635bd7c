// Package download fetches survey archive files to a blob store.
package download

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bathyscape/mbharvest/internal/harvest"
	"github.com/bathyscape/mbharvest/internal/hash/sha256"
)

// Config controls download behavior.
type Config struct {
	Timeout time.Duration
	// Extensions are the published archive suffixes; the matched suffix is
	// stripped from the stored file name when decompressing, so
	// 0000_x.all.mb58.gz lands as 0000_x.all.
	Extensions []string
	// Decompress unpacks .gz archives on the fly. The store publishes
	// gzip-wrapped archives that every consumer immediately unpacks.
	Decompress bool
}

// Downloader fetches file references with bounded retries and streams the
// bytes into a blob store, hashing as it goes.
type Downloader struct {
	client *http.Client
	blobs  harvest.BlobStore
	policy *harvest.ExponentialRetryPolicy
	cfg    Config
	logger *zap.Logger
}

// New builds a Downloader.
func New(blobs harvest.BlobStore, policy *harvest.ExponentialRetryPolicy, cfg Config, logger *zap.Logger) *Downloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if policy == nil {
		policy = harvest.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		client: &http.Client{Timeout: cfg.Timeout},
		blobs:  blobs,
		policy: policy,
		cfg:    cfg,
		logger: logger,
	}
}

// Fetch downloads one file reference for the given survey. A file already
// present in the store is skipped, not re-downloaded. Failures are returned
// to the caller, who isolates them per file.
func (d *Downloader) Fetch(ctx context.Context, record harvest.SurveyRecord, ref harvest.FileRef) (harvest.FileInfo, error) {
	name := d.storedName(ref.Name)
	objectPath := path.Join(record.Platform, record.SurveyID, name)

	// Blob-store writes are atomic, so a present non-empty object is a
	// complete download from an earlier run.
	if size, exists, err := d.blobs.Stat(ctx, objectPath); err != nil {
		return harvest.FileInfo{}, fmt.Errorf("stat %s: %w", objectPath, err)
	} else if exists && size > 0 {
		d.logger.Info("file already present, skipping download",
			zap.String("path", objectPath), zap.Int64("bytes", size))
		return harvest.FileInfo{Name: name, URL: ref.URL, Bytes: size}, nil
	}

	var lastErr error
	attempt := 0
	for {
		info, err := d.fetchOnce(ctx, ref, objectPath, name)
		if err == nil {
			d.logger.Info("downloaded file",
				zap.String("path", objectPath),
				zap.Int64("bytes", info.Bytes))
			return info, nil
		}
		lastErr = err
		attempt++
		if !d.policy.ShouldRetry(err, attempt) {
			return harvest.FileInfo{}, fmt.Errorf("download %s after %d attempts: %w", ref.URL, attempt, lastErr)
		}
		d.logger.Warn("download failed, retrying",
			zap.String("url", ref.URL), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return harvest.FileInfo{}, ctx.Err()
		case <-time.After(d.policy.Backoff(attempt)):
		}
	}
}

func (d *Downloader) fetchOnce(ctx context.Context, ref harvest.FileRef, objectPath, name string) (harvest.FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return harvest.FileInfo{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return harvest.FileInfo{}, fmt.Errorf("get file: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return harvest.FileInfo{}, fmt.Errorf("file server returned status %d", resp.StatusCode)
	}

	var src io.Reader = resp.Body
	if d.cfg.Decompress && strings.HasSuffix(strings.ToLower(ref.Name), ".gz") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return harvest.FileInfo{}, fmt.Errorf("open gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		src = gz
	}

	digest := sha256.NewDigest()
	uri, err := d.blobs.PutObject(ctx, objectPath, "application/octet-stream", io.TeeReader(src, digest))
	if err != nil {
		return harvest.FileInfo{}, fmt.Errorf("store file: %w", err)
	}
	return harvest.FileInfo{
		Name:     name,
		URL:      ref.URL,
		LocalURI: uri,
		Hash:     digest.Sum(),
		Bytes:    digest.Bytes(),
	}, nil
}

// storedName strips the matched archive extension when decompressing so the
// stored file carries its unpacked name.
func (d *Downloader) storedName(name string) string {
	if !d.cfg.Decompress {
		return name
	}
	ext, ok := harvest.MatchExtension(name, d.cfg.Extensions)
	if !ok || !strings.HasSuffix(strings.ToLower(ext), ".gz") {
		return name
	}
	return name[:len(name)-len(ext)]
}
