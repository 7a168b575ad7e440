package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/elchi-updater/internal/bundle"
	"github.com/CloudNativeWorks/elchi-updater/internal/trust"
)

var (
	signOrganization string
	signCert         string
	signKey          string
)

var signCmd = &cobra.Command{
	Use:   "sign <bundle>",
	Short: "Sign a bundle with a self-signed development identity",
	Long: `Write a PKCS#7 signature over the bundle's content digest.

With --cert and --key the identity is loaded from those PEM files, or generated
and saved there when the key does not exist yet. Without them a throwaway
identity is used, which only ever matches itself unless trust.allow_development
is set and the organization carries the development marker.`,
	Args:   cobra.ExactArgs(1),
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := bundle.Open(args[0])
		if err != nil {
			return err
		}
		signer, err := loadOrCreateSigner(signCert, signKey, signOrganization)
		if err != nil {
			return err
		}
		if err := signer.Sign(b.Path); err != nil {
			return err
		}

		identity, err := trust.PKCS7Inspector{}.Identity(b.Path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "signed %s as %q\n", b.Path, identity)
		return nil
	},
}

func loadOrCreateSigner(certFile, keyFile, organization string) (*trust.Signer, error) {
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("--cert and --key must be given together")
	}
	if keyFile != "" {
		if _, err := os.Stat(keyFile); err == nil {
			return trust.LoadSigner(certFile, keyFile)
		}
	}

	signer, err := trust.NewSigner(organization)
	if err != nil {
		return nil, err
	}
	if keyFile != "" {
		if err := signer.Save(certFile, keyFile); err != nil {
			return nil, err
		}
	}
	return signer, nil
}

func init() {
	signCmd.Flags().StringVar(&signOrganization, "organization", "Development", "organization of a newly generated signing certificate")
	signCmd.Flags().StringVar(&signCert, "cert", "", "PEM certificate of the signing identity")
	signCmd.Flags().StringVar(&signKey, "key", "", "PEM PKCS#8 key of the signing identity")
	RootCmd.AddCommand(signCmd)
}
