package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

// ResolverConfig controls the directory-listing walk.
type ResolverConfig struct {
	// BaseURL is the root of the ship data store, e.g.
	// https://data.ngdc.noaa.gov/platforms/ocean/ships/
	BaseURL string
	// Extensions are the qualifying archive suffixes (".mb58.gz", ...).
	Extensions []string
	UserAgent  string
	MaxDepth   int
	Timeout    time.Duration
}

// Resolver expands a survey record into its downloadable file references by
// walking the survey's HTML directory listing. The catalog indexes surveys;
// the individual archive links only exist on the data store's listing pages.
type Resolver struct {
	cfg    ResolverConfig
	logger *zap.Logger
}

// NewResolver builds a Resolver.
func NewResolver(cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, logger: logger}
}

// Resolve walks the survey's directory tree and returns every file link
// matching a configured extension. A record that resolves to zero files is
// dropped by the caller before it ever reaches the ledger.
func (r *Resolver) Resolve(ctx context.Context, record harvest.SurveyRecord) ([]harvest.FileRef, error) {
	root, err := r.surveyRoot(record)
	if err != nil {
		return nil, err
	}

	c := colly.NewCollector(
		colly.UserAgent(r.cfg.UserAgent),
		colly.MaxDepth(r.cfg.MaxDepth),
	)
	c.SetRequestTimeout(r.cfg.Timeout)

	var (
		files    []harvest.FileRef
		rootErr  error
		seenFile = make(map[string]struct{})
	)

	c.OnRequest(func(req *colly.Request) {
		if ctx.Err() != nil {
			req.Abort()
		}
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		// Listing pages carry sort links (?C=M;O=A) and a parent-directory
		// link; neither leads to survey data.
		if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "/") || strings.HasPrefix(href, "..") {
			return
		}
		link := e.Request.AbsoluteURL(href)
		if !strings.HasPrefix(link, root) {
			return
		}
		if _, ok := harvest.MatchExtension(href, r.cfg.Extensions); ok {
			if _, dup := seenFile[link]; dup {
				return
			}
			seenFile[link] = struct{}{}
			files = append(files, harvest.FileRef{URL: link, Name: path.Base(href)})
			return
		}
		// The store renders subdirectory links with text equal to the href
		// ("me70/" -> "me70/"); that is the only shape worth descending into.
		if strings.HasSuffix(href, "/") && strings.TrimSpace(e.Text) == href {
			if err := e.Request.Visit(link); err != nil && !isBenignVisitError(err) {
				r.logger.Debug("listing visit failed", zap.String("url", link), zap.Error(err))
			}
		}
	})

	c.OnError(func(resp *colly.Response, err error) {
		if resp.Request.URL.String() == root {
			rootErr = err
			return
		}
		r.logger.Warn("listing page fetch failed",
			zap.String("url", resp.Request.URL.String()), zap.Error(err))
	})

	if err := c.Visit(root); err != nil {
		return nil, fmt.Errorf("walk survey listing %s: %w", root, err)
	}
	c.Wait()

	if rootErr != nil {
		return nil, fmt.Errorf("walk survey listing %s: %w", root, rootErr)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return files, nil
}

// surveyRoot prefers the catalog-provided data URL; otherwise it derives the
// listing root from the store layout base/platform/survey/.
func (r *Resolver) surveyRoot(record harvest.SurveyRecord) (string, error) {
	if record.DataURL != "" {
		root := record.DataURL
		if !strings.HasSuffix(root, "/") {
			root += "/"
		}
		return root, nil
	}
	if r.cfg.BaseURL == "" {
		return "", fmt.Errorf("no data url for %s/%s and no files base url configured", record.Platform, record.SurveyID)
	}
	base, err := url.Parse(r.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse files base url: %w", err)
	}
	joined := base.JoinPath(record.Platform, record.SurveyID)
	return joined.String() + "/", nil
}

func isBenignVisitError(err error) bool {
	var visited *colly.AlreadyVisitedError
	return errors.As(err, &visited) || errors.Is(err, colly.ErrMaxDepth)
}
