package root

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stitchcli/stitch/pkg/client"
)

func newSessionsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List locally mirrored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl := client.New(flags.cfg.ServerURL)
			store, err := openStore(flags.cfg, cl)
			if err != nil {
				return err
			}
			defer store.Close()

			summaries, err := store.GetSessionSummaries(cmd.Context())
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions mirrored yet.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tMESSAGES\tTITLE")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					s.ID, s.CreatedAt.Format("2006-01-02 15:04"), s.MessageCount, s.Title)
			}
			return w.Flush()
		},
	}
}
