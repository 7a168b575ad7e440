// Package agenttest wires a local agent against an in-memory release feed and
// an httptest download server.
package agenttest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/elchi-updater/internal/agent"
	"github.com/CloudNativeWorks/elchi-updater/internal/archive"
	"github.com/CloudNativeWorks/elchi-updater/internal/bundle/bundletest"
	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/cmdrunner"
	"github.com/CloudNativeWorks/elchi-updater/internal/install"
	"github.com/CloudNativeWorks/elchi-updater/internal/transfer"
	"github.com/CloudNativeWorks/elchi-updater/internal/trust"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

const (
	Owner  = "acme"
	Repo   = "myapp"
	Prefix = "MyApp"
)

// StaticFeed serves a fixed release list.
type StaticFeed struct {
	List []catalog.Release
	Err  error
}

// Releases implements feed.Source.
func (s *StaticFeed) Releases(context.Context, string, string) ([]catalog.Release, error) {
	return s.List, s.Err
}

// Launches records started processes.
type Launches struct {
	mu    sync.Mutex
	Specs []cmdrunner.Spec
	Err   error
}

// Start implements agent.Launcher.
func (l *Launches) Start(spec cmdrunner.Spec) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return 0, l.Err
	}
	l.Specs = append(l.Specs, spec)
	return 4242, nil
}

// Count returns the number of recorded launches.
func (l *Launches) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Specs)
}

// Fixture is an installed 1.2.0 bundle signed by Org-A and a published 1.3.0.
type Fixture struct {
	Agent     *agent.Local
	Installed string
	Feed      *StaticFeed
	Launches  *Launches
	Server    *httptest.Server
}

// Config tweaks the fixture.
type Config struct {
	// CandidateOrg signs the published bundle. Defaults to "Org-A", which
	// reuses the installed bundle's signing key.
	CandidateOrg string
	// Unsigned publishes a bundle without a signature.
	Unsigned bool
	Options  agent.Options
	// Installer replaces the direct installer.
	Installer install.Installer
}

// New builds a fixture.
func New(t testing.TB, cfg Config) *Fixture {
	t.Helper()

	if cfg.CandidateOrg == "" {
		cfg.CandidateOrg = "Org-A"
	}

	signers := map[string]*trust.Signer{}
	sign := func(dir, org string) {
		s, ok := signers[org]
		if !ok {
			var err error
			s, err = trust.NewSigner(org)
			require.NoError(t, err)
			signers[org] = s
		}
		require.NoError(t, s.Sign(dir))
	}

	installed := bundletest.Make(t, t.TempDir(), Prefix, "1.2.0")
	sign(installed, "Org-A")

	candidate := bundletest.Make(t, t.TempDir(), Prefix, "1.3.0")
	if !cfg.Unsigned {
		sign(candidate, cfg.CandidateOrg)
	}
	payload := bundletest.TarGz(t, candidate)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+Prefix+"-1.3.0.tar.gz" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	asset := catalog.Asset{
		Name:        Prefix + "-1.3.0.tar.gz",
		DownloadURL: srv.URL + "/" + Prefix + "-1.3.0.tar.gz",
		ContentType: "application/gzip",
		Size:        int64(len(payload)),
		MediaKind:   catalog.MediaTar,
	}
	feed := &StaticFeed{List: []catalog.Release{
		{Version: semver.MustParse("1.3.0"), Tag: "v1.3.0", Assets: []catalog.Asset{asset}},
		{Version: semver.MustParse("1.2.0"), Tag: "v1.2.0"},
	}}

	log := logger.Discard()
	downloader := transfer.NewManager(transfer.Options{
		TempRoot:         t.TempDir(),
		ProgressInterval: time.Millisecond,
	}, archive.NewDefault(log), log)

	installer := cfg.Installer
	if installer == nil {
		installer = install.NewDirect(install.NewPathLocks(), log)
	}

	launches := &Launches{}
	a := agent.NewLocal(feed, downloader, installer, launches, cfg.Options, log)
	t.Cleanup(a.Close)

	return &Fixture{Agent: a, Installed: installed, Feed: feed, Launches: launches, Server: srv}
}
