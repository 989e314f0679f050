package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Graph      GraphConfig      `yaml:"graph" mapstructure:"graph"`
	Confidence ConfidenceConfig `yaml:"confidence" mapstructure:"confidence"`
	Matching   MatchingConfig   `yaml:"matching" mapstructure:"matching"`
	Oracle     OracleConfig     `yaml:"oracle" mapstructure:"oracle"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Session    SessionConfig    `yaml:"session" mapstructure:"session"`
	Audit      AuditConfig      `yaml:"audit" mapstructure:"audit"`
	Workflow   WorkflowConfig   `yaml:"workflow" mapstructure:"workflow"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the staging database.
type StoreConfig struct {
	// DatabasePath is the SQLite file shared by the CLI and any long-lived
	// server process. WAL journaling plus a busy timeout make that sharing
	// safe without application-level locks.
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`
}

// GraphConfig configures the entity store layout.
type GraphConfig struct {
	Root        string                      `yaml:"root" mapstructure:"root"`
	AliasesPath string                      `yaml:"aliases_path" mapstructure:"aliases_path"`
	EntityTypes map[string]EntityTypeConfig `yaml:"entity_types" mapstructure:"entity_types"`
	// Tiers is ordered: earlier entries are higher-priority buckets.
	Tiers []string `yaml:"tiers" mapstructure:"tiers"`
}

// EntityTypeConfig configures one entity type (customer, supplier, person).
type EntityTypeConfig struct {
	Directory string `yaml:"directory" mapstructure:"directory"`
	Tiered    bool   `yaml:"tiered" mapstructure:"tiered"`
}

// HasTier reports whether tier is a configured tier name.
func (g GraphConfig) HasTier(tier string) bool {
	for _, t := range g.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// ConfidenceConfig holds the thresholds driving auto-decisions.
type ConfidenceConfig struct {
	AutoMerge  float64 `yaml:"auto_merge" mapstructure:"auto_merge"`
	AutoUpdate float64 `yaml:"auto_update" mapstructure:"auto_update"`
	AutoCreate float64 `yaml:"auto_create" mapstructure:"auto_create"`
	// LLMMin/LLMMax classify how ambiguous a case was for audit events.
	LLMMin float64 `yaml:"llm_min" mapstructure:"llm_min"`
	LLMMax float64 `yaml:"llm_max" mapstructure:"llm_max"`
}

// RequiresOracle reports whether score falls in the ambiguous range.
func (c ConfidenceConfig) RequiresOracle(score float64) bool {
	return score >= c.LLMMin && score < c.LLMMax
}

// Validate enforces threshold ordering invariants.
func (c ConfidenceConfig) Validate() error {
	if c.AutoMerge <= c.AutoUpdate {
		return eris.Errorf("config: auto_merge (%.2f) must exceed auto_update (%.2f)", c.AutoMerge, c.AutoUpdate)
	}
	if c.LLMMin >= c.LLMMax {
		return eris.Errorf("config: llm_min (%.2f) must be below llm_max (%.2f)", c.LLMMin, c.LLMMax)
	}
	return nil
}

// MatchingConfig configures the match strategy set.
type MatchingConfig struct {
	Strategies     []string `yaml:"strategies" mapstructure:"strategies"`
	FuzzyThreshold float64  `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	GenericDomains []string `yaml:"generic_domains" mapstructure:"generic_domains"`
}

// OracleConfig configures the LLM decision oracle.
type OracleConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// CheckpointConfig configures checkpoint persistence.
type CheckpointConfig struct {
	Dir        string `yaml:"dir" mapstructure:"dir"`
	KeepLatest int    `yaml:"keep_latest" mapstructure:"keep_latest"`
}

// SessionConfig configures session persistence.
type SessionConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// AuditConfig configures the JSONL audit trail.
type AuditConfig struct {
	Path          string `yaml:"path" mapstructure:"path"`
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days"`
}

// WorkflowConfig configures the per-record workflow run.
type WorkflowConfig struct {
	RefactorProbability float64 `yaml:"refactor_probability" mapstructure:"refactor_probability"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECONCILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_path", "reconcile.db")
	v.SetDefault("graph.root", "graph")
	v.SetDefault("graph.aliases_path", "")
	v.SetDefault("graph.tiers", []string{"strategic", "standard", "prospects"})
	v.SetDefault("confidence.auto_merge", 0.95)
	v.SetDefault("confidence.auto_update", 0.90)
	v.SetDefault("confidence.auto_create", 0.50)
	v.SetDefault("confidence.llm_min", 0.50)
	v.SetDefault("confidence.llm_max", 0.95)
	v.SetDefault("matching.strategies", []string{"alias", "fuzzy_name", "email_domain"})
	v.SetDefault("matching.fuzzy_threshold", 0.85)
	v.SetDefault("matching.generic_domains", []string{
		"gmail.com", "yahoo.com", "hotmail.com", "outlook.com",
		"aol.com", "icloud.com", "mail.com", "protonmail.com",
		"live.com", "msn.com", "ymail.com",
	})
	v.SetDefault("oracle.enabled", true)
	v.SetDefault("oracle.model", "claude-haiku-4-5-20251001")
	v.SetDefault("oracle.timeout_secs", 120)
	v.SetDefault("oracle.max_attempts", 3)
	v.SetDefault("checkpoint.dir", "checkpoints")
	v.SetDefault("checkpoint.keep_latest", 3)
	v.SetDefault("session.dir", "sessions")
	v.SetDefault("audit.path", "audit.jsonl")
	v.SetDefault("audit.retention_days", 30)
	v.SetDefault("workflow.refactor_probability", 0.1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.Graph.EntityTypes == nil {
		cfg.Graph.EntityTypes = map[string]EntityTypeConfig{
			"customer": {Directory: "customers", Tiered: true},
			"supplier": {Directory: "suppliers", Tiered: false},
			"person":   {Directory: "people", Tiered: false},
		}
	}

	if err := cfg.Confidence.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
