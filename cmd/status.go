package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/reconcile-cli/internal/session"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent batches and resumable sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStaging(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		batches, err := st.RecentBatches(ctx, statusLimit)
		if err != nil {
			return err
		}
		if len(batches) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
		} else {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BATCH\tTOTAL\tAPPLIED\tFAILED\tPENDING\tSTARTED")
			for _, b := range batches {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
					b.BatchID, b.Total, b.Applied, b.Failed, b.Pending,
					b.StartedAt.Format("2006-01-02 15:04"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}

		sessions, err := session.NewManager(cfg.Session.Dir, nil)
		if err != nil {
			return err
		}
		resumable, err := sessions.Resumable()
		if err != nil {
			return err
		}
		if len(resumable) > 0 {
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSTATE\tENTITIES\tSTAGED\tUPDATED")
			for _, s := range resumable {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					s.SessionID, s.State, s.EntitiesProcessed, s.OperationsStaged,
					s.UpdatedAt.Format("2006-01-02 15:04"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "max batches to show")
	rootCmd.AddCommand(statusCmd)
}
