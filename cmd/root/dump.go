package root

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stitchcli/stitch/pkg/client"
	"github.com/stitchcli/stitch/pkg/logging"
)

func newDumpCmd(flags *rootFlags) *cobra.Command {
	var pretty bool

	cmd := &cobra.Command{
		Use:   "dump <session-id>",
		Short: "Print a session's reconstructed transcript as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries data here, logs would corrupt it.
			logging.Silence()

			sessionID := args[0]
			cl := client.New(flags.cfg.ServerURL)
			store, err := openStore(flags.cfg, cl)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := store.SyncSessionEvents(ctx, sessionID); err != nil {
				return fmt.Errorf("syncing session %s: %w", sessionID, err)
			}
			state, err := store.GetReconstructedState(ctx, sessionID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if pretty {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(state)
		},
	}

	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent the JSON output")
	return cmd
}
