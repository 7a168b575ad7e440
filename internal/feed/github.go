package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/go-github/v72/github"
	"github.com/sony/gobreaker"

	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

const (
	defaultPerPage  = 50
	defaultMaxPages = 4
)

// Source lists the published releases of a repository.
type Source interface {
	Releases(ctx context.Context, owner, repo string) ([]catalog.Release, error)
}

// Config configures the GitHub release feed.
type Config struct {
	Token    string
	BaseURL  string // GitHub Enterprise or test server, with trailing API path
	MaxPages int
	Timeout  time.Duration

	// Breaker opens after BreakerFailures consecutive failures and half-opens after BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// GitHub is a Source backed by the GitHub releases API.
type GitHub struct {
	gh       *github.Client
	breaker  *gobreaker.CircuitBreaker
	maxPages int
	logger   *logger.Logger
}

// NewGitHub builds a GitHub release feed.
func NewGitHub(cfg Config, log *logger.Logger) (*GitHub, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	gh := github.NewClient(&http.Client{Timeout: timeout})
	if cfg.Token != "" {
		gh = gh.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid feed base url %q: %w", cfg.BaseURL, err)
		}
		gh.BaseURL = u
	}

	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 3
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 60 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "release-feed",
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// the caller going away says nothing about the feed
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("Circuit breaker %s state changed from %v to %v", name, from, to)
		},
	})

	return &GitHub{gh: gh, breaker: breaker, maxPages: maxPages, logger: log}, nil
}

// Releases fetches up to MaxPages pages of releases, newest first as GitHub returns them.
// Drafts and releases with a tag that is not a semantic version are skipped.
func (g *GitHub) Releases(ctx context.Context, owner, repo string) ([]catalog.Release, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.list(ctx, owner, repo)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errdefs.Newf(errdefs.KindTransfer, "list releases", "release feed unavailable: %w", err)
		}
		return nil, errdefs.Wrap(errdefs.KindTransfer, "list releases", err)
	}
	return result.([]catalog.Release), nil
}

func (g *GitHub) list(ctx context.Context, owner, repo string) ([]catalog.Release, error) {
	var releases []catalog.Release
	opts := &github.ListOptions{PerPage: defaultPerPage}

	for page := 0; page < g.maxPages; page++ {
		items, resp, err := g.gh.Repositories.ListReleases(ctx, owner, repo, opts)
		if err != nil {
			var rateErr *github.RateLimitError
			if errors.As(err, &rateErr) {
				return nil, fmt.Errorf("github rate limit exceeded, resets at %s: %w", rateErr.Rate.Reset.Time.Format(time.RFC3339), err)
			}
			return nil, fmt.Errorf("failed to list releases of %s/%s: %w", owner, repo, err)
		}

		for _, item := range items {
			if item.GetDraft() {
				continue
			}
			rel, err := convertRelease(item)
			if err != nil {
				g.logger.WithFields(logger.Fields{
					"tag":   item.GetTagName(),
					"error": err.Error(),
				}).Warn("skipping release with unparsable tag")
				continue
			}
			releases = append(releases, rel)
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	g.logger.WithFields(logger.Fields{
		"owner":    owner,
		"repo":     repo,
		"releases": len(releases),
	}).Debug("fetched release feed")

	return releases, nil
}

func convertRelease(item *github.RepositoryRelease) (catalog.Release, error) {
	version, err := semver.NewVersion(item.GetTagName())
	if err != nil {
		return catalog.Release{}, err
	}

	assets := make([]catalog.Asset, 0, len(item.Assets))
	for _, a := range item.Assets {
		assets = append(assets, catalog.Asset{
			Name:        a.GetName(),
			DownloadURL: a.GetBrowserDownloadURL(),
			ContentType: a.GetContentType(),
			Size:        int64(a.GetSize()),
			MediaKind:   catalog.ResolveMediaKind(a.GetContentType(), a.GetName()),
		})
	}

	return catalog.Release{
		Version:    version,
		Tag:        item.GetTagName(),
		Name:       item.GetName(),
		Prerelease: item.GetPrerelease(),
		Assets:     assets,
		Notes:      item.GetBody(),
		DetailURL:  item.GetHTMLURL(),
	}, nil
}
