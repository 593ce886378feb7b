package rsctl

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/remotesettings/internal/cryptox"
	"github.com/dmitrijs2005/remotesettings/internal/server/signer"
)

type signOptions struct {
	key       string
	x5u       string
	timestamp int64
}

// NewSignCommand creates the sign command.
func NewSignCommand() *cobra.Command {
	opts := &signOptions{}

	cmd := &cobra.Command{
		Use:   "sign <file|->",
		Short: "Sign the canonical payload of a collection with a local key",
		Long: `Sign the canonical payload of a collection with a local key and print
the signature bundle, as stored in the destination metadata.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cryptox.LoadPrivateKey(opts.key)
			if err != nil {
				return err
			}
			s, err := signer.NewLocalECDSAFromKey(key, &key.PublicKey, opts.x5u)
			if err != nil {
				return err
			}
			p, _, err := loadPayload(cmd, args[0], opts.timestamp)
			if err != nil {
				return err
			}
			sig, err := s.Sign(cmd.Context(), p)
			if err != nil {
				return fmt.Errorf("sign: %w", err)
			}
			out, err := json.Marshal(sig)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}

	cmd.Flags().StringVar(&opts.key, "key", PrivateKeyFile, "PEM private key")
	cmd.Flags().StringVar(&opts.x5u, "x5u", "", "certificate chain URL recorded in the bundle")
	cmd.Flags().Int64Var(&opts.timestamp, "timestamp", 0, "collection timestamp (defaults to the changeset's)")

	return cmd
}
