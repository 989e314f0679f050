package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/audit"
	"github.com/sells-group/reconcile-cli/internal/config"
	"github.com/sells-group/reconcile-cli/internal/decide"
	"github.com/sells-group/reconcile-cli/internal/entitystore"
	"github.com/sells-group/reconcile-cli/internal/index"
	"github.com/sells-group/reconcile-cli/internal/match"
	"github.com/sells-group/reconcile-cli/internal/resilience"
	"github.com/sells-group/reconcile-cli/internal/staging"
	"github.com/sells-group/reconcile-cli/pkg/oracle"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "reconcile-cli",
	Short: "Entity reconciliation pipeline",
	Long:  "Matches extracted entity records against the knowledge graph, stages merge/update/create operations with confidence scores, and applies them after optional human review.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initStaging(ctx context.Context) (*staging.Store, error) {
	st, err := staging.Open(cfg.Store.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func initGraphStore() (*entitystore.FSStore, error) {
	return entitystore.NewFSStore(cfg.Graph.Root)
}

func initAudit(sessionID string) (*audit.Logger, error) {
	return audit.New(cfg.Audit.Path, sessionID, cfg.Audit.RetentionDays)
}

func buildMatcher() (*match.Registry, error) {
	table, err := index.LoadAliasTable(cfg.Graph.AliasesPath)
	if err != nil {
		return nil, err
	}

	var strategies []match.Strategy
	for _, name := range cfg.Matching.Strategies {
		switch name {
		case "alias":
			strategies = append(strategies, match.NewAliasStrategy(table))
		case "fuzzy_name":
			strategies = append(strategies, match.NewFuzzyStrategy(cfg.Matching.FuzzyThreshold))
		case "email_domain":
			strategies = append(strategies, match.NewDomainStrategy(cfg.Matching.GenericDomains))
		default:
			return nil, eris.Errorf("unknown match strategy %q", name)
		}
	}
	return match.NewRegistry(strategies...), nil
}

// oracleMaxTokens bounds the decision response; a batch of verdicts is
// small JSON.
const oracleMaxTokens = 4096

func buildEngine(auditLog *audit.Logger) (*decide.Engine, error) {
	var opts []decide.Option
	if auditLog != nil {
		opts = append(opts, decide.WithAudit(auditLog))
	}

	if cfg.Oracle.Enabled && cfg.Oracle.Key != "" {
		client := oracle.New(cfg.Oracle.Key, cfg.Oracle.Model, oracleMaxTokens)
		retry := resilience.DefaultRetryConfig()
		if cfg.Oracle.MaxAttempts > 0 {
			retry.MaxAttempts = cfg.Oracle.MaxAttempts
		}
		timeout := time.Duration(cfg.Oracle.TimeoutSecs) * time.Second
		opts = append(opts, decide.WithOracle(client, timeout, retry))
	} else {
		zap.L().Warn("oracle disabled, ambiguous entities will be staged for review")
	}

	return decide.NewEngine(cfg.Confidence, opts...)
}
