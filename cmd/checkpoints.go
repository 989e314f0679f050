package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/checkpoint"
	"github.com/sells-group/reconcile-cli/internal/session"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and clean up recovery checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the latest checkpoint per known session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		manager, err := checkpoint.NewManager(cfg.Checkpoint.Dir)
		if err != nil {
			return err
		}
		sessions, err := session.NewManager(cfg.Session.Dir, nil)
		if err != nil {
			return err
		}
		all, err := sessions.List(0)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tPHASE\tPENDING\tCREATED")
		found := 0
		for _, s := range all {
			latest, err := manager.Latest(s.SessionID)
			if err != nil {
				return err
			}
			if latest == nil {
				continue
			}
			found++
			pending := len(latest.ItemsRemaining) + len(latest.EntitiesPending) + len(latest.OperationsPending)
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				s.SessionID, latest.Phase, pending,
				latest.CreatedAt.Format("2006-01-02 15:04"))
		}
		if found == 0 {
			fmt.Fprintln(os.Stderr, "No checkpoints found.")
			return nil
		}
		return w.Flush()
	},
}

var checkpointsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete checkpoints of completed sessions and trim the rest",
	RunE: func(cmd *cobra.Command, _ []string) error {
		manager, err := checkpoint.NewManager(cfg.Checkpoint.Dir)
		if err != nil {
			return err
		}

		deleted, err := manager.CleanupCompletedSessions(cfg.Session.Dir)
		if err != nil {
			return err
		}

		sessions, err := session.NewManager(cfg.Session.Dir, nil)
		if err != nil {
			return err
		}
		resumable, err := sessions.Resumable()
		if err != nil {
			return err
		}
		trimmed := 0
		for _, s := range resumable {
			n, err := manager.CleanupOld(s.SessionID, cfg.Checkpoint.KeepLatest)
			if err != nil {
				return err
			}
			trimmed += n
		}

		zap.L().Info("checkpoints cleaned",
			zap.Int("completed_sessions", deleted),
			zap.Int("trimmed", trimmed),
		)
		fmt.Printf("Deleted %d checkpoints from completed sessions, trimmed %d old checkpoints.\n", deleted, trimmed)
		return nil
	},
}

func init() {
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsCleanupCmd)
	rootCmd.AddCommand(checkpointsCmd)
}
