// Package rsctl implements the operator command line: key generation,
// canonical serialization, offline signing and verification of
// collection payloads, and credential helpers for the server.
package rsctl

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the rsctl root command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rsctl",
		Short: "Remote Settings operator tool",
		Long: `Operator helpers for the Remote Settings publication engine.

Generates local signing keys, reproduces the canonical payload of a
collection, signs and verifies it offline, and issues credentials
accepted by the server.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewKeygenCommand())
	cmd.AddCommand(NewCanonicalCommand())
	cmd.AddCommand(NewSignCommand())
	cmd.AddCommand(NewVerifyCommand())
	cmd.AddCommand(NewTokenCommand())
	cmd.AddCommand(NewHashPasswordCommand())

	return cmd
}
