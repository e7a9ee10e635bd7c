package download

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bathyscape/mbharvest/internal/harvest"
	"github.com/bathyscape/mbharvest/internal/storage/local"
)

func gzipBytes(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestDownloader(t *testing.T, decompress bool) (*Downloader, string) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	policy := harvest.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond)
	d := New(blobs, policy, Config{
		Timeout:    time.Second,
		Extensions: []string{".mb58.gz", ".mb59.gz"},
		Decompress: decompress,
	}, zap.NewNop())
	return d, dir
}

var testRecord = harvest.SurveyRecord{
	Platform: "nautilus",
	SurveyID: "na128",
	Type:     harvest.RecordTypeMultibeam,
}

func TestFetchDecompressesAndStores(t *testing.T) {
	t.Parallel()

	payload := "multibeam ping data"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(gzipBytes(t, payload))
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t, true)
	info, err := d.Fetch(context.Background(), testRecord, harvest.FileRef{
		URL:  srv.URL + "/0001.all.mb58.gz",
		Name: "0001.all.mb58.gz",
	})
	require.NoError(t, err)

	// The matched archive extension is stripped from the stored name.
	require.Equal(t, "0001.all", info.Name)
	require.EqualValues(t, len(payload), info.Bytes)
	require.NotEmpty(t, info.Hash)
	require.True(t, strings.HasPrefix(info.LocalURI, "file://"))

	stored, err := os.ReadFile(filepath.Join(dir, "nautilus", "na128", "0001.all"))
	require.NoError(t, err)
	require.Equal(t, payload, string(stored))
}

func TestFetchKeepsArchiveWhenDecompressDisabled(t *testing.T) {
	t.Parallel()

	raw := gzipBytes(t, "raw bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t, false)
	info, err := d.Fetch(context.Background(), testRecord, harvest.FileRef{
		URL:  srv.URL + "/0001.all.mb58.gz",
		Name: "0001.all.mb58.gz",
	})
	require.NoError(t, err)
	require.Equal(t, "0001.all.mb58.gz", info.Name)
	require.EqualValues(t, len(raw), info.Bytes)

	stored, err := os.ReadFile(filepath.Join(dir, "nautilus", "na128", "0001.all.mb58.gz"))
	require.NoError(t, err)
	require.Equal(t, raw, stored)
}

func TestFetchSkipsFilesAlreadyPresent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write(gzipBytes(t, "fresh"))
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t, true)
	target := filepath.Join(dir, "nautilus", "na128")
	require.NoError(t, os.MkdirAll(target, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(target, "0001.all"), []byte("already here"), 0o600))

	info, err := d.Fetch(context.Background(), testRecord, harvest.FileRef{
		URL:  srv.URL + "/0001.all.mb58.gz",
		Name: "0001.all.mb58.gz",
	})
	require.NoError(t, err)
	require.EqualValues(t, 0, calls.Load())
	require.EqualValues(t, len("already here"), info.Bytes)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(gzipBytes(t, "third time lucky"))
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t, true)
	info, err := d.Fetch(context.Background(), testRecord, harvest.FileRef{
		URL:  srv.URL + "/0002.all.mb58.gz",
		Name: "0002.all.mb58.gz",
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
	require.EqualValues(t, len("third time lucky"), info.Bytes)
}

func TestFetchFailsAfterExhaustingRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t, true)
	_, err := d.Fetch(context.Background(), testRecord, harvest.FileRef{
		URL:  srv.URL + "/0003.all.mb58.gz",
		Name: "0003.all.mb58.gz",
	})
	require.ErrorContains(t, err, "after 3 attempts")

	// No partial file is left behind at the final path.
	_, statErr := os.Stat(filepath.Join(dir, "nautilus", "na128", "0003.all"))
	require.True(t, os.IsNotExist(statErr))
}

func TestFetchRejectsCorruptGzip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("definitely not gzip"))
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t, true)
	_, err := d.Fetch(context.Background(), testRecord, harvest.FileRef{
		URL:  srv.URL + "/0004.all.mb58.gz",
		Name: "0004.all.mb58.gz",
	})
	require.Error(t, err)
}
