package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CloudNativeWorks/elchi-updater/internal/agent"
	"github.com/CloudNativeWorks/elchi-updater/internal/cmdrunner"
	"github.com/CloudNativeWorks/elchi-updater/internal/ipc"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
	"github.com/CloudNativeWorks/elchi-updater/pkg/template"
)

var (
	unitBinary  string
	unitDir     string
	unitNoStart bool
)

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Privileged executor commands",
}

var executorServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve update operations to the application over the executor socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serveExecutor(ctx, logger.NewLogger("executor"))
	},
}

var executorUnitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Print the systemd units that start the executor on demand",
	RunE: func(cmd *cobra.Command, args []string) error {
		service, socket, err := renderUnits()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s.service\n%s\n# %s.socket\n%s", unitData().ServiceName(), service, unitData().ServiceName(), socket)
		return nil
	},
}

var executorRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Install and enable the executor systemd units",
	RunE: func(cmd *cobra.Command, args []string) error {
		return registerExecutor(cmd.Context(), cmdrunner.NewCommandsRunner(logger.NewLogger("cmdrunner")), logger.NewLogger("executor"))
	},
}

func serveExecutor(ctx context.Context, log *logger.Logger) error {
	gate, err := newGate(Cfg)
	if err != nil {
		return err
	}

	// The caller verifies the downloaded bundle before asking for the
	// install, so work directories must be readable by it.
	local, err := newLocalAgent(Cfg, agent.Options{
		OnlyOwnArtifacts:    true,
		AllowedDestinations: Cfg.Executor.AllowedDestinations,
		Verifier:            gate,
		RunAsCaller:         Cfg.Executor.RunAsCaller,
	}, 0o755)
	if err != nil {
		return err
	}
	defer local.Close()

	if len(Cfg.Executor.AllowedUIDs) == 0 {
		log.Warn("executor.allowed_uids is empty, every caller is limited to checks")
	}
	if len(Cfg.Executor.AllowedDestinations) == 0 {
		log.Warn("executor.allowed_destinations is empty, any install path is accepted")
	}

	lis, err := executorListener(log)
	if err != nil {
		return err
	}

	server := ipc.NewServer(local, ipc.AllowUIDs(Cfg.Executor.AllowedUIDs...), logger.NewLogger("ipc"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		notify(log, daemon.SdNotifyStopping)
		server.GracefulStop(Cfg.Executor.ShutdownTimeout)
		return nil
	})
	g.Go(func() error {
		watchdog(ctx, log)
		return nil
	})

	notify(log, daemon.SdNotifyReady)
	return g.Wait()
}

// executorListener prefers a socket passed by systemd and falls back to
// binding the configured path.
func executorListener(log *logger.Logger) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}
	for _, l := range listeners {
		if l != nil {
			log.WithField("address", l.Addr().String()).Info("using socket from systemd")
			return l, nil
		}
	}

	socket, err := Cfg.SocketPath()
	if err != nil {
		return nil, err
	}
	return ipc.Listen(socket)
}

func notify(log *logger.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.WithError(err).Debug("sd_notify failed")
	}
}

// watchdog pings systemd at half the configured watchdog interval.
func watchdog(ctx context.Context, log *logger.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}

func unitData() template.UnitData {
	socket, _ := Cfg.SocketPath()
	config := cfgFile
	if config != "" {
		if abs, err := filepath.Abs(config); err == nil {
			config = abs
		}
	}
	return template.UnitData{
		AppID:      Cfg.App.ID,
		Binary:     unitBinary,
		ConfigFile: config,
		SocketPath: socket,
	}
}

func renderUnits() (service, socket string, err error) {
	d := unitData()
	if d.AppID == "" {
		return "", "", fmt.Errorf("app.id is required to name the executor units")
	}
	if d.SocketPath == "" {
		return "", "", fmt.Errorf("ipc.socket_path or a valid app.id is required")
	}
	if d.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", "", err
		}
		d.Binary = exe
	}

	if service, err = template.Render(template.SystemdServiceTemplate, d); err != nil {
		return "", "", err
	}
	if socket, err = template.Render(template.SystemdSocketTemplate, d); err != nil {
		return "", "", err
	}
	return service, socket, nil
}

func registerExecutor(ctx context.Context, runner cmdrunner.CommandRunner, log *logger.Logger) error {
	service, socket, err := renderUnits()
	if err != nil {
		return err
	}
	name := unitData().ServiceName()

	files := map[string]string{
		filepath.Join(unitDir, name+".service"): service,
		filepath.Join(unitDir, name+".socket"):  socket,
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		log.WithField("path", path).Info("unit written")
	}

	if err := runner.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	if unitNoStart {
		return nil
	}
	if err := runner.Run(ctx, "systemctl", "enable", "--now", name+".socket"); err != nil {
		return fmt.Errorf("enable %s.socket: %w", name, err)
	}
	active, err := runner.RunAndTrimmedOutput(ctx, "systemctl", "is-active", name+".socket")
	if err != nil {
		return fmt.Errorf("%s.socket did not start: %w", name, err)
	}
	if active != "active" {
		return fmt.Errorf("%s.socket is %s after enabling", name, active)
	}
	log.WithField("unit", name+".socket").Info("executor socket enabled")
	return nil
}

func init() {
	executorCmd.PersistentFlags().StringVar(&unitBinary, "binary", "", "path of the updater binary in the unit (default: this executable)")
	executorRegisterCmd.Flags().StringVar(&unitDir, "unit-dir", "/etc/systemd/system", "directory the units are written to")
	executorRegisterCmd.Flags().BoolVar(&unitNoStart, "no-start", false, "write the units and reload systemd without enabling the socket")

	executorCmd.AddCommand(executorServeCmd, executorUnitCmd, executorRegisterCmd)
	RootCmd.AddCommand(executorCmd)
}
