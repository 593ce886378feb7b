package rsctl

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/remotesettings/internal/cryptox"
	"github.com/dmitrijs2005/remotesettings/internal/filex"
)

const (
	PrivateKeyFile = "ecdsa.private.pem"
	PublicKeyFile  = "ecdsa.public.pem"
)

type keygenOptions struct {
	out   string
	force bool
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand() *cobra.Command {
	opts := &keygenOptions{}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a P-384 key pair for the local signer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.out, "out", ".", "output directory")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite existing key files")

	return cmd
}

func runKeygen(cmd *cobra.Command, opts *keygenOptions) error {
	dir, err := filex.EnsureDir(opts.out)
	if err != nil {
		return err
	}

	key, err := cryptox.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	priv, err := cryptox.MarshalPrivateKeyPEM(key)
	if err != nil {
		return err
	}
	pub, err := cryptox.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}

	privPath := filepath.Join(dir, PrivateKeyFile)
	pubPath := filepath.Join(dir, PublicKeyFile)
	if err := filex.WriteNew(privPath, priv, 0o600, opts.force); err != nil {
		return err
	}
	if err := filex.WriteNew(pubPath, pub, 0o644, opts.force); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key: %s\n", privPath, pubPath)
	return nil
}
