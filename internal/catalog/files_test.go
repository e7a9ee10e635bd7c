package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

func listingPage(links ...string) string {
	page := "<html><body><pre>\n"
	page += `<a href="?C=M;O=A">Last modified</a>` + "\n"
	page += `<a href="/platforms/ocean/ships/">Parent Directory</a>` + "\n"
	for _, l := range links {
		page += fmt.Sprintf("<a href=%q>%s</a>\n", l, l)
	}
	page += "</pre></body></html>"
	return page
}

func newListingServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/nautilus/NA128/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(listingPage("multibeam/", "products/", "cruise_report.pdf")))
	})
	mux.HandleFunc("/nautilus/NA128/multibeam/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(listingPage(
			"0001_20220105_011223.all.mb58.gz",
			"0002_20220105_031223.all.mb58.gz",
			"0002_20220105_031223.all.mb58.gz.md5",
		)))
	})
	mux.HandleFunc("/nautilus/NA128/products/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(listingPage("survey_summary.txt")))
	})
	return httptest.NewServer(mux)
}

func newTestResolver(baseURL string) *Resolver {
	return NewResolver(ResolverConfig{
		BaseURL:    baseURL,
		Extensions: []string{".mb58.gz", ".mb59.gz"},
		UserAgent:  "mbharvest-test",
		MaxDepth:   4,
		Timeout:    time.Second,
	}, zap.NewNop())
}

func TestResolveWalksListingAndFiltersByExtension(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t)
	defer srv.Close()

	r := newTestResolver(srv.URL)
	refs, err := r.Resolve(context.Background(), harvest.SurveyRecord{
		Platform: "nautilus",
		SurveyID: "NA128",
		DataURL:  srv.URL + "/nautilus/NA128/",
	})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, "0001_20220105_011223.all.mb58.gz", refs[0].Name)
	require.Equal(t, srv.URL+"/nautilus/NA128/multibeam/0001_20220105_011223.all.mb58.gz", refs[0].URL)
}

func TestResolveDerivesRootFromBaseURL(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t)
	defer srv.Close()

	r := newTestResolver(srv.URL)
	refs, err := r.Resolve(context.Background(), harvest.SurveyRecord{
		Platform: "nautilus",
		SurveyID: "NA128",
	})
	require.NoError(t, err)
	require.Len(t, refs, 2)
}

func TestResolveReturnsEmptyWhenNothingMatches(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/nautilus/NA042/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(listingPage("cruise_report.pdf", "metadata.xml")))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := newTestResolver(srv.URL)
	refs, err := r.Resolve(context.Background(), harvest.SurveyRecord{
		Platform: "nautilus",
		SurveyID: "NA042",
	})
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestIsBenignVisitError(t *testing.T) {
	t.Parallel()

	visitedURL, err := url.Parse("https://data.example.com/ships/nautilus/NA128/multibeam/")
	require.NoError(t, err)

	require.True(t, isBenignVisitError(&colly.AlreadyVisitedError{Destination: visitedURL}))
	require.True(t, isBenignVisitError(colly.ErrMaxDepth))
	require.False(t, isBenignVisitError(errors.New("connection reset")))
}

func TestResolveFailsWhenRootListingIsUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := newTestResolver(srv.URL)
	_, err := r.Resolve(context.Background(), harvest.SurveyRecord{
		Platform: "nautilus",
		SurveyID: "NA128",
	})
	require.Error(t, err)
}

func TestResolveFailsWithoutRootOrBase(t *testing.T) {
	t.Parallel()

	r := newTestResolver("")
	_, err := r.Resolve(context.Background(), harvest.SurveyRecord{Platform: "nautilus", SurveyID: "NA128"})
	require.Error(t, err)
}
