package agent_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/elchi-updater/internal/agent"
	"github.com/CloudNativeWorks/elchi-updater/internal/agent/agenttest"
	"github.com/CloudNativeWorks/elchi-updater/internal/bundle"
	"github.com/CloudNativeWorks/elchi-updater/internal/bundle/bundletest"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/internal/protocol"
	"github.com/CloudNativeWorks/elchi-updater/internal/trust"
	"github.com/CloudNativeWorks/elchi-updater/pkg/helper"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

func checkRequest(current string) *protocol.CheckRequest {
	return &protocol.CheckRequest{
		Owner:          agenttest.Owner,
		Repo:           agenttest.Repo,
		CurrentVersion: current,
		AssetPrefix:    agenttest.Prefix,
	}
}

type notifications struct {
	mu   sync.Mutex
	list []*protocol.Notification
}

func (n *notifications) add(x *protocol.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, x)
}

func (n *notifications) kinds() []protocol.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []protocol.NotificationKind
	for _, x := range n.list {
		out = append(out, x.Kind)
	}
	return out
}

func TestCheckForUpdates(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{})

	reply, err := f.Agent.CheckForUpdates(context.Background(), checkRequest("1.2.0"))
	require.NoError(t, err)
	require.True(t, reply.Success)
	assert.Equal(t, "1.3.0", reply.Release.Version)
	assert.Equal(t, "MyApp-1.3.0.tar.gz", reply.Release.AssetName)

	reply, err = f.Agent.CheckForUpdates(context.Background(), checkRequest("v1.3.0"))
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.ErrorIs(t, reply.Err("checkForUpdates"), errdefs.ErrUpToDate)

	reply, err = f.Agent.CheckForUpdates(context.Background(), checkRequest("not-a-version"))
	require.NoError(t, err)
	assert.False(t, reply.Success)

	f.Feed.Err = errdefs.Wrap(errdefs.KindTransfer, "list releases", errors.New("offline"))
	reply, err = f.Agent.CheckForUpdates(context.Background(), checkRequest("1.2.0"))
	require.NoError(t, err)
	assert.Equal(t, string(errdefs.KindTransfer), reply.ErrorKind)
}

func TestDownloadInstallRestart(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{})
	got := &notifications{}
	cancel := f.Agent.Subscribe(got.add)
	defer cancel()

	check, err := f.Agent.CheckForUpdates(context.Background(), checkRequest("1.2.0"))
	require.NoError(t, err)

	dl, err := f.Agent.DownloadUpdate(context.Background(), &protocol.DownloadRequest{
		AttemptID:      "attempt-1",
		SourceLocation: check.Release.DownloadURL,
		AssetName:      check.Release.AssetName,
		MediaKind:      check.Release.MediaKind,
		Size:           check.Release.Size,
	})
	require.NoError(t, err)
	require.True(t, dl.Success, helper.Value(dl.ErrorMessage))
	local := helper.Value(dl.LocalPath)
	assert.True(t, bundle.IsBundle(local))

	inst, err := f.Agent.InstallUpdate(context.Background(), &protocol.InstallRequest{
		AttemptID:       "attempt-1",
		SourcePath:      local,
		DestinationPath: f.Installed,
	})
	require.NoError(t, err)
	require.True(t, inst.Success, helper.Value(inst.ErrorMessage))
	assert.Contains(t, bundletest.ReadVersion(t, f.Installed, agenttest.Prefix), "1.3.0")
	assert.NoDirExists(t, filepath.Dir(filepath.Dir(local)), "work directory discarded after install")

	rs, err := f.Agent.RestartApplication(context.Background(), &protocol.RestartRequest{BundlePath: f.Installed})
	require.NoError(t, err)
	assert.True(t, rs.Success)
	require.Equal(t, 1, f.Launches.Count())
	assert.Equal(t, filepath.Join(f.Installed, "bin", agenttest.Prefix), f.Launches.Specs[0].Path)
	assert.Nil(t, f.Launches.Specs[0].Credential)

	assert.Eventually(t, func() bool {
		kinds := got.kinds()
		completed := 0
		for _, k := range kinds {
			if k == protocol.NotifyCompleted {
				completed++
			}
		}
		return completed == 2
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, got.kinds(), protocol.NotifyProgress)
}

func TestDownloadFailure(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{})

	dl, err := f.Agent.DownloadUpdate(context.Background(), &protocol.DownloadRequest{SourceLocation: f.Server.URL + "/missing.zip"})
	require.NoError(t, err)
	assert.False(t, dl.Success)
	assert.Equal(t, string(errdefs.KindTransfer), dl.ErrorKind)
	assert.Nil(t, dl.LocalPath)
}

func TestInstallRestrictions(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{Options: agent.Options{
		OnlyOwnArtifacts:    true,
		AllowedDestinations: []string{"/opt/somewhere/else.app"},
	}})

	foreign := bundletest.Make(t, t.TempDir(), agenttest.Prefix, "6.6.6")
	reply, err := f.Agent.InstallUpdate(context.Background(), &protocol.InstallRequest{SourcePath: foreign, DestinationPath: f.Installed})
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Contains(t, helper.Value(reply.ErrorMessage), "was not downloaded by this agent")

	dl, err := f.Agent.DownloadUpdate(context.Background(), &protocol.DownloadRequest{SourceLocation: f.Server.URL + "/MyApp-1.3.0.tar.gz"})
	require.NoError(t, err)
	require.True(t, dl.Success)

	reply, err = f.Agent.InstallUpdate(context.Background(), &protocol.InstallRequest{SourcePath: *dl.LocalPath, DestinationPath: f.Installed})
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Contains(t, helper.Value(reply.ErrorMessage), "not an allowed install path")
	assert.Contains(t, bundletest.ReadVersion(t, f.Installed, agenttest.Prefix), "1.2.0")
}

func TestInstallReverifiesIdentity(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{
		CandidateOrg: "Org-B",
		Options:      agent.Options{Verifier: trust.NewGate(trust.PKCS7Inspector{}, logger.Discard())},
	})

	dl, err := f.Agent.DownloadUpdate(context.Background(), &protocol.DownloadRequest{SourceLocation: f.Server.URL + "/MyApp-1.3.0.tar.gz"})
	require.NoError(t, err)
	require.True(t, dl.Success)

	reply, err := f.Agent.InstallUpdate(context.Background(), &protocol.InstallRequest{SourcePath: *dl.LocalPath, DestinationPath: f.Installed})
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, string(errdefs.KindTrustVerification), reply.ErrorKind)
	assert.Contains(t, bundletest.ReadVersion(t, f.Installed, agenttest.Prefix), "1.2.0")
}

func TestInstallReverifiesAgainstMissingDestination(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{
		Options: agent.Options{Verifier: trust.NewGate(trust.PKCS7Inspector{}, logger.Discard())},
	})

	dl, err := f.Agent.DownloadUpdate(context.Background(), &protocol.DownloadRequest{SourceLocation: f.Server.URL + "/MyApp-1.3.0.tar.gz"})
	require.NoError(t, err)
	require.True(t, dl.Success)

	dest := filepath.Join(t.TempDir(), "MyApp.app")
	reply, err := f.Agent.InstallUpdate(context.Background(), &protocol.InstallRequest{SourcePath: *dl.LocalPath, DestinationPath: dest})
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, string(errdefs.KindTrustVerification), reply.ErrorKind)
	assert.Contains(t, helper.Value(reply.ErrorMessage), errdefs.ErrCodeSigningIdentity.Error())
	assert.NoDirExists(t, dest)
}

func TestInstallReverifiesMatchingIdentity(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{
		Options: agent.Options{Verifier: trust.NewGate(trust.PKCS7Inspector{}, logger.Discard())},
	})

	dl, err := f.Agent.DownloadUpdate(context.Background(), &protocol.DownloadRequest{SourceLocation: f.Server.URL + "/MyApp-1.3.0.tar.gz"})
	require.NoError(t, err)
	require.True(t, dl.Success)

	reply, err := f.Agent.InstallUpdate(context.Background(), &protocol.InstallRequest{SourcePath: *dl.LocalPath, DestinationPath: f.Installed})
	require.NoError(t, err)
	assert.True(t, reply.Success, helper.Value(reply.ErrorMessage))
	assert.Contains(t, bundletest.ReadVersion(t, f.Installed, agenttest.Prefix), "1.3.0")
}

func TestRestartRunAsCaller(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{Options: agent.Options{RunAsCaller: true}})

	rs, err := f.Agent.RestartApplication(context.Background(), &protocol.RestartRequest{BundlePath: f.Installed})
	require.NoError(t, err)
	assert.False(t, rs.Success, "no caller identity, no relaunch")

	ctx := protocol.WithCaller(context.Background(), protocol.Caller{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())})
	rs, err = f.Agent.RestartApplication(ctx, &protocol.RestartRequest{BundlePath: f.Installed})
	require.NoError(t, err)
	assert.True(t, rs.Success)
	require.NotNil(t, f.Launches.Specs[0].Credential)
	assert.Equal(t, uint32(os.Getuid()), f.Launches.Specs[0].Credential.UID)

	rs, err = f.Agent.RestartApplication(ctx, &protocol.RestartRequest{BundlePath: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, rs.Success)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := agent.NewHub(logger.Discard())
	block := make(chan struct{})
	cancel := h.Subscribe(func(*protocol.Notification) { <-block })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			h.Publish(&protocol.Notification{Kind: protocol.NotifyProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
	close(block)
	cancel()
	cancel()
	assert.Equal(t, 0, h.Len())
}

func TestNewDownloadDiscardsAbandonedArtifact(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{})
	req := &protocol.DownloadRequest{SourceLocation: f.Server.URL + "/MyApp-1.3.0.tar.gz"}

	first, err := f.Agent.DownloadUpdate(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := f.Agent.DownloadUpdate(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Success)

	assert.NoDirExists(t, *first.LocalPath)
	assert.DirExists(t, *second.LocalPath)
}
