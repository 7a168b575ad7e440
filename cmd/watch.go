package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/orchestrator"
	"github.com/CloudNativeWorks/elchi-updater/internal/state"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll for updates until interrupted",
	Long:  `Run an update attempt every polling interval until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return NewWatchManager(logger.NewLogger("watch")).Run(cmd.Context())
	},
}

// WatchManager handles the lifecycle of the polling loop
type WatchManager struct {
	updater   *orchestrator.Updater
	machine   *state.Machine
	scheduler *orchestrator.Scheduler
	release   func()
	logger    *logger.Logger
	sigChan   chan os.Signal
}

// NewWatchManager creates a new watch manager
func NewWatchManager(log *logger.Logger) *WatchManager {
	return &WatchManager{
		logger:  log,
		sigChan: make(chan os.Signal, 1),
	}
}

// Run polls until ctx is cancelled or a termination signal arrives
func (m *WatchManager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.initialize(cancel); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer m.cleanup()

	// Start signal handler
	go m.handleSignals(ctx, cancel)

	m.scheduler.Start()
	m.logger.WithFields(logger.Fields{
		"interval": Cfg.Update.PollInterval.String(),
		"mode":     Cfg.Update.Mode,
		"repo":     Cfg.App.Owner + "/" + Cfg.App.Repo,
	}).Info("watching for updates")

	<-ctx.Done()
	return nil
}

// initialize sets up the updater and scheduler
func (m *WatchManager) initialize(stop context.CancelFunc) error {
	if Cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	// The relaunched copy takes over, so this process stops polling.
	u, machine, release, err := newUpdater(Cfg, orchestrator.WithExitHook(stop))
	if err != nil {
		return err
	}
	m.updater, m.machine, m.release = u, machine, release

	m.machine.Subscribe(func(s state.State) {
		m.logger.WithField("state", s.Name()).Debug("update state changed")
	})
	m.updater.OnSuccess(func(r catalog.Release) {
		m.logger.WithField("version", r.Version.String()).Info("update installed")
	})
	m.updater.OnFailure(func(err error) {
		m.logger.WithError(err).Warn("update attempt failed")
	})

	m.scheduler, err = orchestrator.NewScheduler(m.updater, Cfg.Update.PollInterval, logger.NewLogger("scheduler"))
	if err != nil {
		m.release()
		return err
	}

	signal.Notify(m.sigChan, syscall.SIGINT, syscall.SIGTERM)
	return nil
}

// cleanup performs cleanup operations
func (m *WatchManager) cleanup() {
	m.logger.Info("Cleaning up resources...")

	if err := m.scheduler.Shutdown(); err != nil {
		m.logger.WithError(err).Warn("scheduler shutdown failed")
	}
	m.release()

	signal.Stop(m.sigChan)
	close(m.sigChan)

	m.logger.Info("Cleanup completed")
}

// handleSignals handles OS signals
func (m *WatchManager) handleSignals(ctx context.Context, cancel context.CancelFunc) {
	select {
	case sig, ok := <-m.sigChan:
		if !ok {
			return
		}
		m.logger.Warnf("Received signal %s, initiating shutdown...", sig)
		cancel()
	case <-ctx.Done():
	}
}

func init() {
	RootCmd.AddCommand(WatchCmd)
}
