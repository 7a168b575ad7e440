package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

const pageOne = `[
  {"tag_name": "v1.3.0", "name": "1.3.0", "prerelease": false, "draft": false, "body": "notes",
   "html_url": "https://github.com/acme/app/releases/v1.3.0",
   "assets": [
     {"name": "MyApp-1.3.0.zip", "browser_download_url": "https://dl/MyApp-1.3.0.zip", "content_type": "application/zip", "size": 10},
     {"name": "MyApp-1.3.0.tar.gz", "browser_download_url": "https://dl/MyApp-1.3.0.tar.gz", "content_type": "application/octet-stream", "size": 12}
   ]},
  {"tag_name": "v1.4.0", "draft": true, "assets": []},
  {"tag_name": "nightly", "assets": []}
]`

const pageTwo = `[{"tag_name": "1.2.0-rc.1", "prerelease": true, "assets": []}]`

func newTestFeed(t *testing.T, handler http.HandlerFunc) *GitHub {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGitHub(Config{BaseURL: srv.URL + "/api/v3", BreakerFailures: 2, BreakerTimeout: time.Minute}, logger.Discard())
	require.NoError(t, err)
	return g
}

func TestReleasesParsesAndPaginates(t *testing.T) {
	g := newTestFeed(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/repos/acme/app/releases", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, pageTwo)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<http://%s/api/v3/repos/acme/app/releases?page=2>; rel="next"`, r.Host))
		fmt.Fprint(w, pageOne)
	})

	releases, err := g.Releases(context.Background(), "acme", "app")
	require.NoError(t, err)
	require.Len(t, releases, 2)

	first := releases[0]
	assert.Equal(t, "1.3.0", first.Version.String())
	assert.Equal(t, "v1.3.0", first.Tag)
	assert.Equal(t, "notes", first.Notes)
	assert.Equal(t, "https://github.com/acme/app/releases/v1.3.0", first.DetailURL)
	require.Len(t, first.Assets, 2)
	assert.Equal(t, catalog.MediaZip, first.Assets[0].MediaKind)
	assert.Equal(t, catalog.MediaTar, first.Assets[1].MediaKind, "octet-stream falls back to the file name")
	assert.Equal(t, "https://dl/MyApp-1.3.0.zip", first.Assets[0].DownloadURL)

	assert.True(t, releases[1].Prerelease)
	assert.Equal(t, "1.2.0-rc.1", releases[1].Version.String())
}

func TestReleasesFailureIsTransferKindAndTripsBreaker(t *testing.T) {
	var calls atomic.Int32
	g := newTestFeed(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message": "boom"}`, http.StatusInternalServerError)
	})

	for i := 0; i < 2; i++ {
		_, err := g.Releases(context.Background(), "acme", "app")
		require.Error(t, err)
		assert.Equal(t, errdefs.KindTransfer, errdefs.KindOf(err))
	}

	_, err := g.Releases(context.Background(), "acme", "app")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "release feed unavailable")
	assert.Equal(t, errdefs.KindTransfer, errdefs.KindOf(err))
	assert.Equal(t, int32(2), calls.Load(), "open breaker short-circuits the request")
}

func TestNewGitHubRejectsBadBaseURL(t *testing.T) {
	_, err := NewGitHub(Config{BaseURL: "://bad"}, logger.Discard())
	require.Error(t, err)
}
