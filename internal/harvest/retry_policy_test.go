package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldRetryStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, time.Millisecond, time.Second)
	err := errors.New("connection reset")

	require.True(t, p.ShouldRetry(err, 1))
	require.True(t, p.ShouldRetry(err, 2))
	require.False(t, p.ShouldRetry(err, 3))
}

func TestShouldRetryRejectsNilAndCancellation(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()

	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(fmt.Errorf("fetch page: %w", context.Canceled), 1))
}

func TestShouldRetryRetriesClientTimeouts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := &http.Client{Timeout: 20 * time.Millisecond}
	_, err := client.Get(srv.URL)
	require.Error(t, err)
	// Go 1.23 made per-request timeouts satisfy context.DeadlineExceeded;
	// they must still classify as transient.
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p := NewExponentialRetryPolicy()
	require.True(t, p.ShouldRetry(err, 1))
	require.True(t, p.ShouldRetry(fmt.Errorf("catalog request: %w", err), 1))
}

func TestShouldRetryRejectsProtocolErrors(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()
	err := &ProtocolError{URL: "https://catalog/query", Err: errors.New("unexpected payload")}

	require.False(t, p.ShouldRetry(err, 1))
	require.False(t, p.ShouldRetry(fmt.Errorf("fetch page: %w", err), 1))
}

func TestBackoffGrowsAndStaysBounded(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(10, 100*time.Millisecond, time.Second)

	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Backoff(attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
}

func TestNewRetryPolicyIgnoresNonPositiveValues(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(0, 0, 0)
	require.Equal(t, NewExponentialRetryPolicy().MaxAttempts(), p.MaxAttempts())
}
