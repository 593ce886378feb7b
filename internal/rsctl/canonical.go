package rsctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCanonicalCommand creates the canonical command.
func NewCanonicalCommand() *cobra.Command {
	var timestamp int64

	cmd := &cobra.Command{
		Use:   "canonical <file|->",
		Short: "Print the canonical payload signed for a collection",
		Long: `Print the canonical JSON payload of a list of records.

The input is a JSON array of records, a {"data": [...]} listing or a
changeset as served by the /changeset endpoint. Tombstones are dropped
and records are sorted by id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := loadPayload(cmd, args[0], timestamp)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(p))
			return err
		},
	}

	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "collection timestamp (defaults to the changeset's)")

	return cmd
}
