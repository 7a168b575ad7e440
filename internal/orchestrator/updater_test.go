package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/elchi-updater/internal/agent"
	"github.com/CloudNativeWorks/elchi-updater/internal/agent/agenttest"
	"github.com/CloudNativeWorks/elchi-updater/internal/bundle/bundletest"
	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/internal/orchestrator"
	"github.com/CloudNativeWorks/elchi-updater/internal/protocol"
	"github.com/CloudNativeWorks/elchi-updater/internal/state"
	"github.com/CloudNativeWorks/elchi-updater/internal/trust"
	"github.com/CloudNativeWorks/elchi-updater/pkg/helper"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// recorder collects every state the machine delivers.
type recorder struct {
	mu     sync.Mutex
	states []state.State
}

func record(t *testing.T, m *state.Machine) *recorder {
	r := &recorder{}
	m.Subscribe(func(s state.State) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for i, s := range r.states {
		// collapse progress ticks
		if _, ok := s.(state.Downloading); ok && i > 0 {
			if _, prev := r.states[i-1].(state.Downloading); prev {
				continue
			}
		}
		out = append(out, s.Name())
	}
	return out
}

func (r *recorder) failures() []state.Failed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []state.Failed
	for _, s := range r.states {
		if f, ok := s.(state.Failed); ok {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.states) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func (r *recorder) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		if len(r.states) == 0 {
			return false
		}
		_, idle := r.states[len(r.states)-1].(state.None)
		return idle
	}, 2*time.Second, 5*time.Millisecond)
}

func newMachine(t *testing.T) *state.Machine {
	m := state.NewMachine(logger.Discard())
	t.Cleanup(m.Close)
	return m
}

func fixtureConfig(f *agenttest.Fixture, current string) orchestrator.Config {
	return orchestrator.Config{
		Owner:          agenttest.Owner,
		Repo:           agenttest.Repo,
		AssetPrefix:    agenttest.Prefix,
		CurrentVersion: current,
		InstallPath:    f.Installed,
		Relaunch:       true,
	}
}

func pkcs7Gate() *trust.Gate {
	return trust.NewGate(trust.PKCS7Inspector{}, logger.Discard())
}

func TestRunInstallsAndRelaunches(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{})
	m := newMachine(t)
	rec := record(t, m)

	exited := 0
	u := orchestrator.NewUpdater(f.Agent, pkcs7Gate(), m, fixtureConfig(f, "1.2.0"), logger.Discard(),
		orchestrator.WithExitHook(func() { exited++ }))

	var installed []catalog.Release
	u.OnSuccess(func(r catalog.Release) { installed = append(installed, r) })
	u.OnFailure(func(err error) { t.Errorf("unexpected failure: %v", err) })

	require.NoError(t, u.Run(context.Background()))
	rec.waitIdle(t)

	assert.Equal(t, []string{"candidateFound", "downloading", "downloaded", "installing", "installed", "none"}, rec.names())
	require.Len(t, installed, 1)
	assert.Equal(t, "1.3.0", installed[0].Version.String())
	assert.Contains(t, bundletest.ReadVersion(t, f.Installed, agenttest.Prefix), "1.3.0")
	assert.Equal(t, 1, f.Launches.Count())
	assert.Equal(t, 1, exited)
	assert.Equal(t, state.None{}, u.State())
}

func TestRunUpToDateIsNotAFailure(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{})
	m := newMachine(t)
	rec := record(t, m)

	u := orchestrator.NewUpdater(f.Agent, pkcs7Gate(), m, fixtureConfig(f, "1.3.0"), logger.Discard())
	failures := 0
	u.OnFailure(func(error) { failures++ })

	err := u.Run(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrUpToDate)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNoViableCandidate))
	assert.Zero(t, failures)

	// nothing was committed
	m.Transition(state.Failed{Reason: "marker"})
	rec.waitFor(t, 1)
	assert.Equal(t, []string{"failed"}, rec.names())
}

func TestRunBlocksForeignSigner(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{CandidateOrg: "Org-B"})
	m := newMachine(t)
	rec := record(t, m)

	before := snapshot(t, f.Installed)

	u := orchestrator.NewUpdater(f.Agent, pkcs7Gate(), m, fixtureConfig(f, "1.2.0"), logger.Discard())
	var failures []error
	u.OnFailure(func(err error) { failures = append(failures, err) })
	u.OnSuccess(func(catalog.Release) { t.Error("foreign bundle installed") })

	err := u.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindTrustVerification))
	rec.waitIdle(t)

	assert.Equal(t, []string{"candidateFound", "downloading", "downloaded", "failed", "none"}, rec.names())
	require.Len(t, failures, 1)
	require.Len(t, rec.failures(), 1)
	assert.Equal(t, errdefs.KindTrustVerification, rec.failures()[0].Kind)
	assert.Equal(t, before, snapshot(t, f.Installed))
	assert.Zero(t, f.Launches.Count())
}

func TestCheckDoesNotDownload(t *testing.T) {
	f := agenttest.New(t, agenttest.Config{})
	m := newMachine(t)
	rec := record(t, m)

	u := orchestrator.NewUpdater(f.Agent, pkcs7Gate(), m, fixtureConfig(f, "1.2.0"), logger.Discard())
	c, err := u.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "MyApp-1.3.0.tar.gz", c.Asset.Name)

	rec.waitIdle(t)
	assert.Equal(t, []string{"candidateFound", "none"}, rec.names())
	assert.Contains(t, bundletest.ReadVersion(t, f.Installed, agenttest.Prefix), "1.2.0")
}

// scripted is a protocol.Agent whose replies are driven by the test.
type scripted struct {
	hub *agent.Hub

	checkGate    chan struct{}
	checkEntered chan struct{}
	onDownload func(req *protocol.DownloadRequest)
	onInstall  func(req *protocol.InstallRequest) (*protocol.InstallReply, error)
	restarts   atomic.Int32
}

func newScripted() *scripted {
	return &scripted{hub: agent.NewHub(logger.Discard())}
}

func (s *scripted) CheckForUpdates(ctx context.Context, _ *protocol.CheckRequest) (*protocol.CheckReply, error) {
	if s.checkEntered != nil {
		select {
		case s.checkEntered <- struct{}{}:
		default:
		}
	}
	if s.checkGate != nil {
		select {
		case <-s.checkGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := catalog.Candidate{Asset: catalog.Asset{Name: "MyApp-2.0.0.zip", DownloadURL: "https://example.invalid/MyApp-2.0.0.zip", MediaKind: catalog.MediaZip}}
	c.Release = catalog.Release{Version: semver.MustParse("2.0.0"), Tag: "v2.0.0", Assets: []catalog.Asset{c.Asset}}
	return &protocol.CheckReply{Status: protocol.OK(), Release: protocol.NewReleaseRecord(c)}, nil
}

func (s *scripted) DownloadUpdate(_ context.Context, req *protocol.DownloadRequest) (*protocol.DownloadReply, error) {
	if s.onDownload != nil {
		s.onDownload(req)
	}
	return &protocol.DownloadReply{Status: protocol.OK(), LocalPath: helper.Ptr("/tmp/work/MyApp.app")}, nil
}

func (s *scripted) InstallUpdate(_ context.Context, req *protocol.InstallRequest) (*protocol.InstallReply, error) {
	if s.onInstall != nil {
		return s.onInstall(req)
	}
	return &protocol.InstallReply{Status: protocol.OK()}, nil
}

func (s *scripted) RestartApplication(context.Context, *protocol.RestartRequest) (*protocol.RestartReply, error) {
	s.restarts.Add(1)
	return &protocol.RestartReply{Success: true}, nil
}

func (s *scripted) Subscribe(fn func(*protocol.Notification)) func() {
	return s.hub.Subscribe(fn)
}

func sameSigner() orchestrator.Verifier {
	return trust.NewGate(trust.InspectorFunc(func(string) (string, error) { return "Org-A", nil }), logger.Discard())
}

func scriptedConfig() orchestrator.Config {
	return orchestrator.Config{Owner: "acme", Repo: "myapp", AssetPrefix: "MyApp", CurrentVersion: "1.0.0", InstallPath: "/opt/MyApp.app"}
}

func TestCompletedPushBeforeFailedReplyFailsOnce(t *testing.T) {
	s := newScripted()
	var attemptID string
	s.onInstall = func(req *protocol.InstallRequest) (*protocol.InstallReply, error) {
		attemptID = req.AttemptID
		s.hub.Publish(&protocol.Notification{Kind: protocol.NotifyCompleted, AttemptID: req.AttemptID, ErrorMessage: helper.Ptr("disk full")})
		// let the push land before the reply
		time.Sleep(20 * time.Millisecond)
		return &protocol.InstallReply{Status: protocol.Failure(errdefs.New(errdefs.KindInstall, "install", "disk full"))}, nil
	}

	m := newMachine(t)
	rec := record(t, m)
	u := orchestrator.NewUpdater(s, sameSigner(), m, scriptedConfig(), logger.Discard())
	var failures []error
	var mu sync.Mutex
	u.OnFailure(func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	})

	err := u.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInstall))

	// a late duplicate for the finished attempt changes nothing
	s.hub.Publish(&protocol.Notification{Kind: protocol.NotifyCompleted, AttemptID: attemptID, ErrorMessage: helper.Ptr("disk full")})
	rec.waitIdle(t)
	time.Sleep(20 * time.Millisecond)

	require.Len(t, rec.failures(), 1)
	assert.Equal(t, "disk full", rec.failures()[0].Reason)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 1)
	assert.Equal(t, "disk full", errdefs.Message(failures[0]))
	assert.Equal(t, []string{"candidateFound", "downloading", "downloaded", "installing", "failed", "none"}, rec.names())
}

func TestStaleProgressIsIgnored(t *testing.T) {
	s := newScripted()
	s.onDownload = func(req *protocol.DownloadRequest) {
		s.hub.Publish(&protocol.Notification{Kind: protocol.NotifyProgress, AttemptID: "someone-else", Fraction: 0.9})
		s.hub.Publish(&protocol.Notification{Kind: protocol.NotifyProgress, AttemptID: req.AttemptID, Fraction: 0.5})
		s.hub.Publish(&protocol.Notification{Kind: protocol.NotifyProgress, AttemptID: req.AttemptID, Fraction: 0.25})
		time.Sleep(50 * time.Millisecond)
	}

	m := newMachine(t)
	rec := record(t, m)
	u := orchestrator.NewUpdater(s, sameSigner(), m, scriptedConfig(), logger.Discard())
	require.NoError(t, u.Run(context.Background()))
	rec.waitIdle(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var fractions []float64
	for _, st := range rec.states {
		if d, ok := st.(state.Downloading); ok {
			fractions = append(fractions, d.Fraction)
		}
	}
	assert.Equal(t, []float64{0, 0.5}, fractions)
	assert.Zero(t, s.restarts.Load(), "relaunch disabled")
}

func TestOverlappingRunIsBusy(t *testing.T) {
	s := newScripted()
	s.checkGate = make(chan struct{})
	s.checkEntered = make(chan struct{}, 1)

	u := orchestrator.NewUpdater(s, sameSigner(), newMachine(t), scriptedConfig(), logger.Discard())

	done := make(chan error, 1)
	go func() { done <- u.Run(context.Background()) }()
	<-s.checkEntered

	_, err := u.Check(context.Background())
	assert.True(t, errors.Is(err, errdefs.ErrBusy))

	err = u.Run(context.Background())
	assert.True(t, errdefs.IsKind(err, errdefs.KindBusy))

	close(s.checkGate)
	require.NoError(t, <-done)
}

func TestTransportFailureEntersFailed(t *testing.T) {
	s := newScripted()
	s.onInstall = func(*protocol.InstallRequest) (*protocol.InstallReply, error) {
		return nil, errdefs.New(errdefs.KindTransport, "InstallUpdate", "executor connection lost")
	}

	m := newMachine(t)
	rec := record(t, m)
	u := orchestrator.NewUpdater(s, sameSigner(), m, scriptedConfig(), logger.Discard())

	err := u.Run(context.Background())
	assert.True(t, errdefs.IsKind(err, errdefs.KindTransport))
	rec.waitIdle(t)
	require.Len(t, rec.failures(), 1)
	assert.Equal(t, errdefs.KindTransport, rec.failures()[0].Kind)

	// the next attempt starts from idle
	s.onInstall = nil
	require.NoError(t, u.Run(context.Background()))
}

func TestPanickingCallbackDoesNotBreakTheAttempt(t *testing.T) {
	s := newScripted()
	u := orchestrator.NewUpdater(s, sameSigner(), newMachine(t), scriptedConfig(), logger.Discard())
	u.OnSuccess(func(catalog.Release) { panic("boom") })
	called := false
	u.OnSuccess(func(catalog.Release) { called = true })

	require.NoError(t, u.Run(context.Background()))
	assert.True(t, called)
	assert.Equal(t, state.None{}, u.State())
}

func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}
