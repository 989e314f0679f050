package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/apply"
	"github.com/sells-group/reconcile-cli/internal/checkpoint"
	"github.com/sells-group/reconcile-cli/internal/hooks"
	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/pipeline"
	"github.com/sells-group/reconcile-cli/internal/session"
)

var (
	reconcileInput   string
	reconcileSource  string
	reconcileSession string
	reconcileApply   bool
	reconcileDryRun  bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile extracted entities against the graph",
	Long:  "Reads extracted entity records from a JSON file, matches each against the knowledge graph, and stages merge/update/create operations. Ambiguous decisions land in the review queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		entities, err := loadEntities(reconcileInput)
		if err != nil {
			return err
		}
		zap.L().Info("entities loaded",
			zap.String("input", reconcileInput),
			zap.Int("entities", len(entities)),
		)

		st, err := initStaging(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		graph, err := initGraphStore()
		if err != nil {
			return err
		}
		matcher, err := buildMatcher()
		if err != nil {
			return err
		}

		hookReg := hooks.NewRegistry(nil)
		sessions, err := session.NewManager(cfg.Session.Dir, hookReg)
		if err != nil {
			return err
		}
		var sess *session.Data
		if reconcileSession != "" {
			sess, err = sessions.Load(reconcileSession)
			if err != nil {
				return err
			}
			if sess == nil {
				return eris.Errorf("session not found: %s", reconcileSession)
			}
		} else {
			sess, err = sessions.Create()
			if err != nil {
				return err
			}
		}

		auditLog, err := initAudit(sess.SessionID)
		if err != nil {
			return err
		}
		engine, err := buildEngine(auditLog)
		if err != nil {
			return err
		}
		checkpoints, err := checkpoint.NewManager(cfg.Checkpoint.Dir)
		if err != nil {
			return err
		}
		executor := apply.NewExecutor(st, graph, cfg.Graph, hookReg, auditLog)

		p, err := pipeline.New(pipeline.Deps{
			Config:      cfg,
			Staging:     st,
			Store:       graph,
			Matcher:     matcher,
			Engine:      engine,
			Executor:    executor,
			Checkpoints: checkpoints,
			Sessions:    sessions,
			Hooks:       hookReg,
			Audit:       auditLog,
		})
		if err != nil {
			return err
		}

		source := reconcileSource
		if source == "" {
			source = reconcileInput
		}
		result, err := p.RunBatch(ctx, entities, pipeline.RunOptions{
			Source: source,
			Apply:  reconcileApply,
			DryRun: reconcileDryRun,
		})
		if err != nil {
			if failErr := sessions.Fail(err.Error()); failErr != nil {
				zap.L().Warn("session fail not recorded", zap.Error(failErr))
			}
			return eris.Wrap(err, "reconcile batch")
		}

		// A session with nothing left to review or apply is done.
		if reconcileApply && !reconcileDryRun && result.Questions == 0 {
			if err := sessions.Complete(); err != nil {
				return err
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// loadEntities reads a JSON array of extracted entities, or an object with
// an "entities" array.
func loadEntities(path string) ([]model.ExtractedEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read input %s", path)
	}

	var entities []model.ExtractedEntity
	if err := json.Unmarshal(data, &entities); err == nil {
		return entities, nil
	}

	var wrapped struct {
		Entities []model.ExtractedEntity `json:"entities"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, eris.Wrapf(err, "parse input %s", path)
	}
	return wrapped.Entities, nil
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileInput, "input", "", "JSON file of extracted entities (required)")
	reconcileCmd.Flags().StringVar(&reconcileSource, "source", "", "source label for the batch (defaults to the input path)")
	reconcileCmd.Flags().StringVar(&reconcileSession, "session", "", "resume an existing session id")
	reconcileCmd.Flags().BoolVar(&reconcileApply, "apply", false, "apply ready operations after staging")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "report what apply would do without writing")
	_ = reconcileCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(reconcileCmd)
}
