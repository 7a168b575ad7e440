package agent

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/CloudNativeWorks/elchi-updater/internal/bundle"
	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/cmdrunner"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/internal/feed"
	"github.com/CloudNativeWorks/elchi-updater/internal/install"
	"github.com/CloudNativeWorks/elchi-updater/internal/protocol"
	"github.com/CloudNativeWorks/elchi-updater/internal/transfer"
	"github.com/CloudNativeWorks/elchi-updater/pkg/helper"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// Downloader produces a local bundle from an asset.
type Downloader interface {
	Download(ctx context.Context, asset catalog.Asset, onProgress func(float64)) (*transfer.Artifact, error)
}

// Launcher starts a detached process.
type Launcher interface {
	Start(spec cmdrunner.Spec) (int, error)
}

// Verifier checks the candidate against the installed bundle.
type Verifier interface {
	Verify(installedPath, candidatePath string) (string, error)
}

// Options restrict what a Local agent accepts. The privileged executor sets
// them; direct mode leaves them empty.
type Options struct {
	// OnlyOwnArtifacts rejects installs whose source was not produced by DownloadUpdate.
	OnlyOwnArtifacts bool
	// AllowedDestinations, when non-empty, lists the only install paths accepted.
	AllowedDestinations []string
	// Verifier, when set, re-runs the authenticity check before every install.
	// Installing over a missing or unsigned destination then fails.
	Verifier Verifier
	// RunAsCaller starts relaunched applications with the authenticated caller's credentials.
	RunAsCaller bool
}

// Local implements protocol.Agent in the current process.
type Local struct {
	feed       feed.Source
	downloader Downloader
	installer  install.Installer
	launcher   Launcher
	hub        *Hub
	opts       Options
	logger     *logger.Logger

	mu        sync.Mutex
	artifacts map[string]*transfer.Artifact
}

var _ protocol.Agent = (*Local)(nil)

// NewLocal wires a local agent.
func NewLocal(src feed.Source, downloader Downloader, installer install.Installer, launcher Launcher, opts Options, log *logger.Logger) *Local {
	return &Local{
		feed:       src,
		downloader: downloader,
		installer:  installer,
		launcher:   launcher,
		hub:        NewHub(log),
		opts:       opts,
		logger:     log,
		artifacts:  map[string]*transfer.Artifact{},
	}
}

// Subscribe implements protocol.Agent.
func (l *Local) Subscribe(fn func(*protocol.Notification)) func() {
	return l.hub.Subscribe(fn)
}

// CheckForUpdates implements protocol.Agent.
func (l *Local) CheckForUpdates(ctx context.Context, req *protocol.CheckRequest) (*protocol.CheckReply, error) {
	current, err := semver.NewVersion(req.CurrentVersion)
	if err != nil {
		return &protocol.CheckReply{Status: protocol.Failure(
			errdefs.Newf(errdefs.KindUnknown, "checkForUpdates", "invalid current version %q: %v", req.CurrentVersion, err))}, nil
	}
	if req.Owner == "" || req.Repo == "" {
		return &protocol.CheckReply{Status: protocol.Failure(
			errdefs.New(errdefs.KindUnknown, "checkForUpdates", "owner and repo are required"))}, nil
	}

	releases, err := l.feed.Releases(ctx, req.Owner, req.Repo)
	if err != nil {
		return &protocol.CheckReply{Status: protocol.Failure(err)}, nil
	}

	candidate, err := catalog.Match(releases, current, req.AssetPrefix, req.AllowPrereleases)
	if err != nil {
		l.logger.WithFields(logger.Fields{
			"current": current.String(),
			"reason":  err.Error(),
		}).Info("no update candidate")
		return &protocol.CheckReply{Status: protocol.Failure(err)}, nil
	}

	l.logger.WithFields(logger.Fields{
		"current":   current.String(),
		"candidate": candidate.Release.Version.String(),
		"asset":     candidate.Asset.Name,
	}).Info("update candidate found")

	return &protocol.CheckReply{Status: protocol.OK(), Release: protocol.NewReleaseRecord(candidate)}, nil
}

// DownloadUpdate implements protocol.Agent. Progress is published as
// notifications tagged with the request's attempt id.
func (l *Local) DownloadUpdate(ctx context.Context, req *protocol.DownloadRequest) (*protocol.DownloadReply, error) {
	if req.SourceLocation == "" {
		return &protocol.DownloadReply{Status: protocol.Failure(
			errdefs.New(errdefs.KindTransfer, "downloadUpdate", "source location is required"))}, nil
	}

	asset := catalog.Asset{
		Name:        req.AssetName,
		DownloadURL: req.SourceLocation,
		MediaKind:   catalog.MediaKind(req.MediaKind),
		Size:        req.Size,
	}
	if asset.Name == "" {
		asset.Name = path.Base(req.SourceLocation)
	}
	if asset.MediaKind == "" || asset.MediaKind == catalog.MediaUnknown {
		asset.MediaKind = catalog.MediaKindFromName(asset.Name)
	}

	artifact, err := l.downloader.Download(ctx, asset, func(f float64) {
		l.hub.Publish(&protocol.Notification{Kind: protocol.NotifyProgress, AttemptID: req.AttemptID, Fraction: f})
	})
	if err != nil {
		l.publishCompleted(req.AttemptID, err)
		return &protocol.DownloadReply{Status: protocol.Failure(err)}, nil
	}

	// Only the latest download may be installed; anything older was abandoned.
	l.mu.Lock()
	stale := l.artifacts
	l.artifacts = map[string]*transfer.Artifact{artifact.BundlePath: artifact}
	l.mu.Unlock()
	l.discardAll(stale)

	l.publishCompleted(req.AttemptID, nil)
	return &protocol.DownloadReply{Status: protocol.OK(), LocalPath: helper.Ptr(artifact.BundlePath)}, nil
}

// InstallUpdate implements protocol.Agent. The reply is the authoritative
// outcome; the completed notification mirrors it.
func (l *Local) InstallUpdate(ctx context.Context, req *protocol.InstallRequest) (*protocol.InstallReply, error) {
	err := l.install(ctx, req)
	l.publishCompleted(req.AttemptID, err)
	if err != nil {
		return &protocol.InstallReply{Status: protocol.Failure(err)}, nil
	}
	return &protocol.InstallReply{Status: protocol.OK()}, nil
}

func (l *Local) install(ctx context.Context, req *protocol.InstallRequest) error {
	const op = "installUpdate"

	if req.SourcePath == "" || req.DestinationPath == "" {
		return errdefs.New(errdefs.KindInstall, op, "source and destination paths are required")
	}
	src := filepath.Clean(req.SourcePath)
	dest := filepath.Clean(req.DestinationPath)

	l.mu.Lock()
	artifact, own := l.artifacts[src]
	l.mu.Unlock()

	if l.opts.OnlyOwnArtifacts && !own {
		return errdefs.Newf(errdefs.KindInstall, op, "%s was not downloaded by this agent", src)
	}
	if !l.destinationAllowed(dest) {
		return errdefs.Newf(errdefs.KindInstall, op, "destination %s is not an allowed install path", dest)
	}

	if own {
		defer l.discard(src, artifact)
	}

	// an absent or unsigned destination has no identity and fails the check
	if l.opts.Verifier != nil {
		if _, err := l.opts.Verifier.Verify(dest, src); err != nil {
			return err
		}
	}

	return l.installer.Install(ctx, src, dest)
}

func (l *Local) destinationAllowed(dest string) bool {
	if len(l.opts.AllowedDestinations) == 0 {
		return true
	}
	for _, allowed := range l.opts.AllowedDestinations {
		if filepath.Clean(allowed) == dest {
			return true
		}
	}
	return false
}

func (l *Local) discard(key string, artifact *transfer.Artifact) {
	l.mu.Lock()
	delete(l.artifacts, key)
	l.mu.Unlock()

	if err := artifact.Discard(); err != nil {
		l.logger.WithError(err).Warn("failed to discard downloaded artifact")
	}
}

// RestartApplication implements protocol.Agent. Failures are reported with
// Success=false and never as an error.
func (l *Local) RestartApplication(ctx context.Context, req *protocol.RestartRequest) (*protocol.RestartReply, error) {
	if err := l.restart(ctx, req.BundlePath); err != nil {
		l.logger.WithError(err).Warn("relaunch failed")
		return &protocol.RestartReply{Success: false}, nil
	}
	return &protocol.RestartReply{Success: true}, nil
}

func (l *Local) restart(ctx context.Context, bundlePath string) error {
	b, err := bundle.Open(bundlePath)
	if err != nil {
		return err
	}
	if !l.destinationAllowed(filepath.Clean(bundlePath)) {
		return fmt.Errorf("%s is not an allowed install path", bundlePath)
	}

	spec := cmdrunner.Spec{Path: b.ExecutablePath(), Args: b.Manifest.Args, Dir: b.Path}
	if l.opts.RunAsCaller {
		caller, ok := protocol.CallerFrom(ctx)
		if !ok {
			return errors.New("caller credentials unavailable")
		}
		spec.Credential = &cmdrunner.Credential{UID: caller.UID, GID: caller.GID}
	}

	_, err = l.launcher.Start(spec)
	return err
}

func (l *Local) publishCompleted(attemptID string, err error) {
	n := &protocol.Notification{Kind: protocol.NotifyCompleted, AttemptID: attemptID, Success: err == nil}
	if err != nil {
		n.ErrorMessage = helper.Ptr(errdefs.Message(err))
	}
	l.hub.Publish(n)
}

// Close discards every artifact still held.
func (l *Local) Close() {
	l.mu.Lock()
	pending := l.artifacts
	l.artifacts = map[string]*transfer.Artifact{}
	l.mu.Unlock()

	l.discardAll(pending)
}

func (l *Local) discardAll(artifacts map[string]*transfer.Artifact) {
	for key, a := range artifacts {
		if err := a.Discard(); err != nil {
			l.logger.WithError(err).Warnf("failed to discard artifact %s", key)
		}
	}
}
