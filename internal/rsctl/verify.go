package rsctl

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/remotesettings/internal/cryptox"
)

var errNoSignature = errors.New("no signature: pass --signature or a changeset with metadata.signature")

type verifyOptions struct {
	pubkey    string
	signature string
	timestamp int64
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand() *cobra.Command {
	opts := &verifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify <file|->",
		Short: "Verify a collection signature against a public key",
		Long: `Verify a collection signature against a public key.

When the input is a changeset, the signature and timestamp it carries are
used unless overridden by flags.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := cryptox.LoadPublicKey(opts.pubkey)
			if err != nil {
				return err
			}
			p, doc, err := loadPayload(cmd, args[0], opts.timestamp)
			if err != nil {
				return err
			}
			sig := opts.signature
			if sig == "" && doc.signature != nil {
				sig, _ = doc.signature["signature"].(string)
			}
			if sig == "" {
				return errNoSignature
			}
			if err := cryptox.VerifyContent(pub, p, sig); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return err
		},
	}

	cmd.Flags().StringVar(&opts.pubkey, "pubkey", PublicKeyFile, "PEM public key")
	cmd.Flags().StringVar(&opts.signature, "signature", "", "URL-safe base64 signature")
	cmd.Flags().Int64Var(&opts.timestamp, "timestamp", 0, "collection timestamp (defaults to the changeset's)")

	return cmd
}
