package cmd

import (
	"fmt"
	"os"

	"github.com/CloudNativeWorks/elchi-updater/internal/agent"
	"github.com/CloudNativeWorks/elchi-updater/internal/archive"
	"github.com/CloudNativeWorks/elchi-updater/internal/cmdrunner"
	"github.com/CloudNativeWorks/elchi-updater/internal/config"
	"github.com/CloudNativeWorks/elchi-updater/internal/feed"
	"github.com/CloudNativeWorks/elchi-updater/internal/install"
	"github.com/CloudNativeWorks/elchi-updater/internal/ipc"
	"github.com/CloudNativeWorks/elchi-updater/internal/orchestrator"
	"github.com/CloudNativeWorks/elchi-updater/internal/protocol"
	"github.com/CloudNativeWorks/elchi-updater/internal/state"
	"github.com/CloudNativeWorks/elchi-updater/internal/transfer"
	"github.com/CloudNativeWorks/elchi-updater/internal/trust"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// newLocalAgent wires the in-process agent. workDirMode opens download work
// directories to the caller when the executor runs as another user.
func newLocalAgent(cfg *config.Config, opts agent.Options, workDirMode os.FileMode) (*agent.Local, error) {
	source, err := feed.NewGitHub(feed.Config{
		Token:           cfg.Feed.Token,
		BaseURL:         cfg.Feed.BaseURL,
		MaxPages:        cfg.Feed.MaxPages,
		Timeout:         cfg.Feed.Timeout,
		BreakerFailures: cfg.Feed.BreakerFailures,
		BreakerTimeout:  cfg.Feed.BreakerTimeout,
	}, logger.NewLogger("feed"))
	if err != nil {
		return nil, err
	}

	downloader := transfer.NewManager(transfer.Options{
		Timeout:          cfg.Transfer.Timeout,
		ProgressInterval: cfg.Transfer.ProgressInterval,
		TempRoot:         cfg.Transfer.TempDir,
		WorkDirMode:      workDirMode,
	}, archive.NewDefault(logger.NewLogger("archive")), logger.NewLogger("transfer"))

	installer := install.NewDirect(install.NewPathLocks(), logger.NewLogger("install"))
	launcher := cmdrunner.NewCommandsRunner(logger.NewLogger("cmdrunner"))

	return agent.NewLocal(source, downloader, installer, launcher, opts, logger.NewLogger("agent")), nil
}

func newGate(cfg *config.Config) (*trust.Gate, error) {
	roots, err := cfg.Trust.Roots()
	if err != nil {
		return nil, err
	}

	var opts []trust.Option
	if cfg.Trust.AllowDevelopment {
		opts = append(opts, trust.WithDevelopmentIdentities(cfg.Trust.DevelopmentMarker))
	}
	return trust.NewGate(trust.PKCS7Inspector{Roots: roots}, logger.NewLogger("trust"), opts...), nil
}

// newBackend returns the agent for the configured execution mode.
func newBackend(cfg *config.Config) (protocol.Agent, func(), error) {
	switch cfg.Update.Mode {
	case config.ModeDirect:
		local, err := newLocalAgent(cfg, agent.Options{}, 0)
		if err != nil {
			return nil, nil, err
		}
		return local, local.Close, nil

	case config.ModeDelegated:
		socket, err := cfg.SocketPath()
		if err != nil {
			return nil, nil, err
		}
		client := ipc.NewClient(ipc.ClientOptions{
			SocketPath:      socket,
			ConnectTimeout:  cfg.IPC.ConnectTimeout,
			CallTimeout:     cfg.IPC.CallTimeout,
			TransferTimeout: cfg.IPC.TransferTimeout,
		}, logger.NewLogger("ipc"))
		return client, func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown update mode %q", cfg.Update.Mode)
}

// newUpdater wires an orchestrator for the configured application. The
// returned cleanup releases the backend and the state machine.
func newUpdater(cfg *config.Config, opts ...orchestrator.Option) (*orchestrator.Updater, *state.Machine, func(), error) {
	if err := cfg.ValidateApp(); err != nil {
		return nil, nil, nil, err
	}

	backend, closeBackend, err := newBackend(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	gate, err := newGate(cfg)
	if err != nil {
		closeBackend()
		return nil, nil, nil, err
	}

	log := logger.NewLogger("updater")
	machine := state.NewMachine(logger.NewLogger("state"))
	u := orchestrator.NewUpdater(backend, gate, machine, orchestrator.Config{
		Owner:            cfg.App.Owner,
		Repo:             cfg.App.Repo,
		AssetPrefix:      cfg.App.Prefix(),
		CurrentVersion:   cfg.App.CurrentVersion,
		AllowPrereleases: cfg.Update.AllowPrereleases,
		InstallPath:      cfg.App.InstallPath,
		Relaunch:         cfg.Update.Relaunch,
	}, log, opts...)

	cleanup := func() {
		closeBackend()
		machine.Close()
	}
	return u, machine, cleanup, nil
}
