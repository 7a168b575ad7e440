// Package orchestrator drives one update attempt at a time through the state
// machine, against any protocol.Agent.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/internal/protocol"
	"github.com/CloudNativeWorks/elchi-updater/internal/state"
	"github.com/CloudNativeWorks/elchi-updater/pkg/helper"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// Verifier is the authenticity gate.
type Verifier interface {
	Verify(installedPath, candidatePath string) (string, error)
}

// Config describes the application being updated.
type Config struct {
	Owner            string
	Repo             string
	AssetPrefix      string
	CurrentVersion   string
	AllowPrereleases bool
	InstallPath      string
	// Relaunch restarts the installed application after a successful install.
	Relaunch bool
}

// Option customises an Updater.
type Option func(*Updater)

// WithExitHook runs fn once the relaunched application was started, so the
// running copy can terminate.
func WithExitHook(fn func()) Option {
	return func(u *Updater) {
		u.exit = fn
	}
}

// Updater runs update attempts. At most one attempt is active at a time.
type Updater struct {
	agent   protocol.Agent
	gate    Verifier
	machine *state.Machine
	cfg     Config
	flight  *semaphore.Weighted
	exit    func()
	logger  *logger.Logger

	mu        sync.Mutex
	onSuccess []func(catalog.Release)
	onFailure []func(error)
}

// NewUpdater wires an updater. The machine is owned by the caller and may be
// observed with Subscribe.
func NewUpdater(agent protocol.Agent, gate Verifier, machine *state.Machine, cfg Config, log *logger.Logger, opts ...Option) *Updater {
	u := &Updater{
		agent:   agent,
		gate:    gate,
		machine: machine,
		cfg:     cfg,
		flight:  semaphore.NewWeighted(1),
		logger:  log,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// OnSuccess registers fn to run after each successful install.
func (u *Updater) OnSuccess(fn func(catalog.Release)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onSuccess = append(u.onSuccess, fn)
}

// OnFailure registers fn to run once per failed attempt.
func (u *Updater) OnFailure(fn func(error)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onFailure = append(u.onFailure, fn)
}

// State returns the current state.
func (u *Updater) State() state.State {
	return u.machine.Current()
}

// Check looks for a candidate without downloading it. An up to date
// application yields an error of kind NoViableCandidate.
func (u *Updater) Check(ctx context.Context) (catalog.Candidate, error) {
	if !u.flight.TryAcquire(1) {
		return catalog.Candidate{}, busy("check")
	}
	defer u.flight.Release(1)

	u.settle()
	candidate, err := u.check(ctx)
	if err != nil {
		return catalog.Candidate{}, u.finish(err)
	}
	if err := u.machine.Transition(state.CandidateFound{Candidate: candidate}); err != nil {
		return catalog.Candidate{}, u.finish(err)
	}
	if err := u.machine.Transition(state.None{}); err != nil {
		return catalog.Candidate{}, u.finish(err)
	}
	return candidate, nil
}

// Run performs one full attempt: check, download, verify, install and the
// optional relaunch. It returns nil once the new version is installed.
func (u *Updater) Run(ctx context.Context) error {
	if !u.flight.TryAcquire(1) {
		return busy("update")
	}
	defer u.flight.Release(1)

	u.settle()
	a := &attempt{id: uuid.NewString(), updater: u}
	cancel := u.agent.Subscribe(a.notify)
	defer func() {
		cancel()
		a.close()
	}()

	log := u.logger.WithField("attempt", a.id)

	candidate, err := u.check(ctx)
	if err != nil {
		return u.finish(err)
	}
	a.candidate = candidate
	log.WithFields(logger.Fields{
		"version": candidate.Release.Version.String(),
		"asset":   candidate.Asset.Name,
	}).Info("update candidate found")

	if err := u.machine.Transition(state.CandidateFound{Candidate: candidate}); err != nil {
		return u.finish(err)
	}
	if err := u.machine.Transition(state.Downloading{Candidate: candidate}); err != nil {
		return u.finish(err)
	}

	a.setDownloading(true)
	localPath, err := u.download(ctx, a.id, candidate)
	a.setDownloading(false)
	if err != nil {
		return u.finish(err)
	}
	if err := u.machine.Transition(state.Downloaded{Candidate: candidate, LocalPath: localPath}); err != nil {
		return u.finish(err)
	}

	identity, err := u.gate.Verify(u.cfg.InstallPath, localPath)
	if err != nil {
		return u.finish(err)
	}
	if err := u.machine.Transition(state.Installing{Candidate: candidate, LocalPath: localPath, Identity: identity}); err != nil {
		return u.finish(err)
	}

	if err := u.install(ctx, a, localPath); err != nil {
		return u.finish(err)
	}
	if err := u.machine.Transition(state.Installed{Candidate: candidate}); err != nil {
		return u.finish(err)
	}
	log.WithField("path", u.cfg.InstallPath).Info("update installed")
	u.succeeded(candidate.Release)

	relaunched := u.cfg.Relaunch && u.relaunch(ctx)
	if err := u.machine.Transition(state.None{}); err != nil {
		log.WithError(err).Warn("failed to return to idle")
	}
	if relaunched && u.exit != nil {
		u.exit()
	}
	return nil
}

func (u *Updater) check(ctx context.Context) (catalog.Candidate, error) {
	reply, err := u.agent.CheckForUpdates(ctx, &protocol.CheckRequest{
		Owner:            u.cfg.Owner,
		Repo:             u.cfg.Repo,
		CurrentVersion:   u.cfg.CurrentVersion,
		AllowPrereleases: u.cfg.AllowPrereleases,
		AssetPrefix:      u.cfg.AssetPrefix,
	})
	if err != nil {
		return catalog.Candidate{}, err
	}
	if err := reply.Err("checkForUpdates"); err != nil {
		return catalog.Candidate{}, err
	}
	if reply.Release == nil {
		return catalog.Candidate{}, errdefs.New(errdefs.KindUnknown, "checkForUpdates", "reply carries no release")
	}
	return reply.Release.Candidate()
}

func (u *Updater) download(ctx context.Context, attemptID string, c catalog.Candidate) (string, error) {
	reply, err := u.agent.DownloadUpdate(ctx, &protocol.DownloadRequest{
		AttemptID:      attemptID,
		SourceLocation: c.Asset.DownloadURL,
		AssetName:      c.Asset.Name,
		MediaKind:      string(c.Asset.MediaKind),
		Size:           c.Asset.Size,
	})
	if err != nil {
		return "", err
	}
	if err := reply.Err("downloadUpdate"); err != nil {
		return "", err
	}
	if helper.Value(reply.LocalPath) == "" {
		return "", errdefs.New(errdefs.KindTransfer, "downloadUpdate", "reply carries no local path")
	}
	return *reply.LocalPath, nil
}

// install waits for the authoritative reply. A completed push that raced
// ahead of it is only logged.
func (u *Updater) install(ctx context.Context, a *attempt, localPath string) error {
	reply, err := u.agent.InstallUpdate(ctx, &protocol.InstallRequest{
		AttemptID:       a.id,
		SourcePath:      localPath,
		DestinationPath: u.cfg.InstallPath,
	})
	if pushed := a.completedPush(); pushed != nil {
		u.logger.WithFields(logger.Fields{
			"attempt": a.id,
			"success": pushed.Success,
			"reason":  helper.Value(pushed.ErrorMessage),
		}).Debug("completion pushed before the install reply")
	}
	if err != nil {
		return err
	}
	return reply.Err("installUpdate")
}

func (u *Updater) relaunch(ctx context.Context) bool {
	reply, err := u.agent.RestartApplication(ctx, &protocol.RestartRequest{BundlePath: u.cfg.InstallPath})
	if err != nil {
		u.logger.WithError(err).Warn("relaunch request failed")
		return false
	}
	if !reply.Success {
		u.logger.Warn("application was not relaunched")
	}
	return reply.Success
}

// settle returns a machine left in a terminal state to None.
func (u *Updater) settle() {
	switch u.machine.Current().(type) {
	case state.None:
		return
	case state.Installed, state.Failed:
	default:
		_ = u.machine.Transition(state.Failed{Reason: "attempt abandoned", Kind: errdefs.KindUnknown})
	}
	if err := u.machine.Transition(state.None{}); err != nil {
		u.logger.WithError(err).Warn("failed to reset state machine")
	}
}

// finish ends an attempt that did not install. "No candidate" is a normal
// outcome and does not enter Failed; everything else is reported exactly once.
func (u *Updater) finish(err error) error {
	if errdefs.IsKind(err, errdefs.KindNoViableCandidate) {
		u.logger.WithField("reason", errdefs.Message(err)).Info("no update available")
		if _, idle := u.machine.Current().(state.None); !idle {
			_ = u.machine.Transition(state.None{})
		}
		return err
	}

	failed := state.FailedFrom(err)
	if terr := u.machine.Transition(failed); terr != nil {
		u.logger.WithError(terr).Error("failed to enter failed state")
	}
	u.logger.WithFields(logger.Fields{
		"kind":   string(failed.Kind),
		"reason": failed.Reason,
	}).Error("update attempt failed")

	u.failed(err)

	if terr := u.machine.Transition(state.None{}); terr != nil {
		u.logger.WithError(terr).Warn("failed to return to idle")
	}
	return err
}

func (u *Updater) succeeded(r catalog.Release) {
	u.mu.Lock()
	fns := append([]func(catalog.Release){}, u.onSuccess...)
	u.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer helper.RecoverPanic(u.logger, "success-callback")
			fn(r)
		}()
	}
}

func (u *Updater) failed(err error) {
	u.mu.Lock()
	fns := append([]func(error){}, u.onFailure...)
	u.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer helper.RecoverPanic(u.logger, "failure-callback")
			fn(err)
		}()
	}
}

func busy(op string) error {
	return &errdefs.Error{Kind: errdefs.KindBusy, Op: op, Err: errdefs.ErrBusy}
}

// attempt filters agent notifications down to the ones of a single run.
type attempt struct {
	id        string
	candidate catalog.Candidate
	updater   *Updater

	mu          sync.Mutex
	closed      bool
	downloading bool
	completed   *protocol.Notification
}

func (a *attempt) setDownloading(v bool) {
	a.mu.Lock()
	a.downloading = v
	a.mu.Unlock()
}

func (a *attempt) close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}

func (a *attempt) completedPush() *protocol.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed
}

func (a *attempt) notify(n *protocol.Notification) {
	if n.AttemptID != a.id {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	switch n.Kind {
	case protocol.NotifyProgress:
		if !a.downloading {
			return
		}
		// Progress is posted to the machine's owner; out of order ticks are rejected there.
		err := a.updater.machine.Transition(state.Downloading{Candidate: a.candidate, Fraction: n.Fraction})
		if err != nil && !errors.Is(err, state.ErrClosed) {
			a.updater.logger.WithError(err).Debug("dropping progress notification")
		}
	case protocol.NotifyCompleted:
		a.completed = n
	default:
		a.updater.logger.Debugf("ignoring notification of kind %q", n.Kind)
	}
}
