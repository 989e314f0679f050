package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/reconcile-cli/internal/apply"
	"github.com/sells-group/reconcile-cli/internal/hooks"
)

var (
	applyBatch  string
	applyOp     int64
	applyDryRun bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply ready staged operations",
	Long:  "Executes ready operations against the graph in priority order: merges first, then updates, then creates. Operations released by review runs are picked up here.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStaging(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		graph, err := initGraphStore()
		if err != nil {
			return err
		}
		auditLog, err := initAudit("")
		if err != nil {
			return err
		}
		executor := apply.NewExecutor(st, graph, cfg.Graph, hooks.NewRegistry(nil), auditLog)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if applyOp != 0 {
			result, err := executor.ExecuteOne(ctx, applyOp, applyDryRun)
			if err != nil {
				return err
			}
			return enc.Encode(result)
		}

		summary, err := executor.ExecuteBatch(ctx, applyBatch, applyDryRun)
		if err != nil {
			return err
		}
		return enc.Encode(summary)
	},
}

func init() {
	applyCmd.Flags().StringVar(&applyBatch, "batch", "", "restrict to one batch id (default: all ready operations)")
	applyCmd.Flags().Int64Var(&applyOp, "op", 0, "apply a single operation by id")
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "report what would happen without writing")
	rootCmd.AddCommand(applyCmd)
}
