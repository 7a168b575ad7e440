package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
)

var checkOutput string

// candidateView is what check prints.
type candidateView struct {
	Current    string `json:"current" yaml:"current"`
	Available  bool   `json:"available" yaml:"available"`
	Version    string `json:"version,omitempty" yaml:"version,omitempty"`
	Tag        string `json:"tag,omitempty" yaml:"tag,omitempty"`
	Prerelease bool   `json:"prerelease,omitempty" yaml:"prerelease,omitempty"`
	Asset      string `json:"asset,omitempty" yaml:"asset,omitempty"`
	URL        string `json:"url,omitempty" yaml:"url,omitempty"`
	Notes      string `json:"notes,omitempty" yaml:"notes,omitempty"`
	Reason     string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the release feed for a newer version",
	Long:  `Run the release matcher once and print the selected release and asset, if any.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch checkOutput {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("unsupported output format %q", checkOutput)
		}

		u, _, cleanup, err := newUpdater(Cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		view := candidateView{Current: Cfg.App.CurrentVersion}
		candidate, err := u.Check(cmd.Context())
		switch {
		case err == nil:
			view = newCandidateView(Cfg.App.CurrentVersion, candidate)
		case errdefs.IsKind(err, errdefs.KindNoViableCandidate):
			view.Reason = errdefs.Message(err)
		default:
			return err
		}
		return printView(cmd.OutOrStdout(), checkOutput, view)
	},
}

func newCandidateView(current string, c catalog.Candidate) candidateView {
	return candidateView{
		Current:    current,
		Available:  true,
		Version:    c.Release.Version.String(),
		Tag:        c.Release.Tag,
		Prerelease: c.Release.Prerelease,
		Asset:      c.Asset.Name,
		URL:        c.Asset.DownloadURL,
		Notes:      c.Release.Notes,
	}
}

func printView(w io.Writer, format string, view candidateView) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(view)
	}

	if !view.Available {
		_, err := fmt.Fprintf(w, "%s is up to date (%s)\n", view.Current, view.Reason)
		return err
	}
	_, err := fmt.Fprintf(w, "update available: %s -> %s (%s)\n", view.Current, view.Version, view.Asset)
	return err
}

func init() {
	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", "text", "output format: text, json or yaml")
	RootCmd.AddCommand(checkCmd)
}
