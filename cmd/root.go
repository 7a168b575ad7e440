package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/elchi-updater/internal/config"
)

var (
	cfgFile string
	Cfg     *config.Config
	Version string
)

var RootCmd = &cobra.Command{
	Use:   "elchi-updater",
	Short: "Elchi Updater - keeps a desktop application bundle up to date",
	Long: `Elchi Updater checks a release feed for a newer build of an application bundle,
downloads it, verifies its signer against the installed copy and swaps it in place,
either in-process or through a privileged executor.`,
	SilenceUsage: true,
}

func Execute(version string) error {
	Version = version
	return RootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml, $HOME/.elchi-updater/config.yaml, /etc/elchi-updater/config.yaml)")
}

func initConfig() {
	var err error

	// Load configuration
	Cfg, err = config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Configuration could not be loaded: %v\n", err)
		os.Exit(1)
	}
}
