package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/internal/state"
)

var updateNoRelaunch bool

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Run one update attempt",
	Long:  `Check for a newer release and, if there is one, download, verify, install and relaunch it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if updateNoRelaunch {
			Cfg.Update.Relaunch = false
		}

		u, machine, cleanup, err := newUpdater(Cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		out := cmd.OutOrStdout()
		token := machine.Subscribe(progressPrinter(out))
		defer machine.Unsubscribe(token)

		u.OnSuccess(func(r catalog.Release) {
			fmt.Fprintf(out, "installed %s\n", r.Version)
		})

		err = u.Run(cmd.Context())
		if errdefs.IsKind(err, errdefs.KindNoViableCandidate) {
			fmt.Fprintf(out, "%s is up to date\n", Cfg.App.CurrentVersion)
			return nil
		}
		return err
	},
}

// progressPrinter renders state changes, at most one line per ten percent of download.
func progressPrinter(w io.Writer) func(state.State) {
	last := -1
	return func(s state.State) {
		switch s := s.(type) {
		case state.CandidateFound:
			last = -1
			fmt.Fprintf(w, "found %s\n", s.Candidate.Asset.Name)
		case state.Downloading:
			if step := int(s.Fraction * 10); step > last {
				last = step
				fmt.Fprintf(w, "downloading %3.0f%%\n", s.Fraction*100)
			}
		case state.Installing:
			fmt.Fprintf(w, "installing (signed by %s)\n", s.Identity)
		case state.Failed:
			fmt.Fprintf(w, "failed: %s\n", s.Reason)
		}
	}
}

func init() {
	updateCmd.Flags().BoolVar(&updateNoRelaunch, "no-relaunch", false, "do not restart the application after installing")
	RootCmd.AddCommand(updateCmd)
}
