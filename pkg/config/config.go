// Package config provides the typed configuration structs consumed by the
// orchestration engine, budget tracker, recovery policy, and persistence
// layer. Loading environment/.env sources is the only part of this package
// that touches the filesystem; everything downstream takes a concrete
// *Config value, matching the teacher's pattern of a typed config struct
// threaded explicitly rather than read ad hoc from the environment.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// RunDefaults controls an orchestration run's execution parameters,
// mirroring the POST start request fields named in spec §6.
type RunDefaults struct {
	ParallelTasks      int
	PerTaskTimeout     time.Duration
	MaxAttempts        int
	FailFast           bool
	MaxTotalIterations int
	MaxRuntime         time.Duration
	AutoCommit         bool
	PushToRemote       bool
	CreatePR           bool
	PRBaseBranch       string
}

// BudgetPolicy mirrors the counter ceilings table in spec §4.4.
type BudgetPolicy struct {
	MaxToolLoopsPerMessage  int
	MaxToolCallsPerMessage  int
	MaxToolCallsPerSession  int
	MaxShellSecondsSession  float64
	MaxOutputBytesSession   int64
}

// DefaultBudgetPolicy returns the ceilings named literally in spec §4.4.
func DefaultBudgetPolicy() BudgetPolicy {
	return BudgetPolicy{
		MaxToolLoopsPerMessage: 6,
		MaxToolCallsPerMessage: 30,
		MaxToolCallsPerSession: 500,
		MaxShellSecondsSession: 300,
		MaxOutputBytesSession:  5 * 1024 * 1024,
	}
}

// RecoveryPolicy controls backoff parameters named in spec §4.6.
type RecoveryPolicy struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Multiplier  float64
}

func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		BackoffBase: 2 * time.Second,
		BackoffCap:  30 * time.Second,
		Multiplier:  2,
	}
}

// DatabaseConfig mirrors the teacher's pkg/database Config shape.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LLMConfig configures the default Anthropic-backed agent implementation.
type LLMConfig struct {
	APIKey       string
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int64
	Temperature  float64
}

// Config aggregates every concern the engine needs at construction time.
type Config struct {
	Run      RunDefaults
	Budget   BudgetPolicy
	Recovery RecoveryPolicy
	Database DatabaseConfig
	LLM      LLMConfig

	PerCallTimeout time.Duration
	MaxSymlinkDepth int
	AllowedWriteDirs []string
}

// Load reads .env (if present, via godotenv — missing file is not an
// error, matching the teacher's local-dev-defaults usage) then overlays
// process environment variables, returning a Config with sane defaults for
// everything not set.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg := &Config{
		Run: RunDefaults{
			ParallelTasks:      3,
			PerTaskTimeout:     30 * time.Minute,
			MaxAttempts:        3,
			FailFast:           true,
			MaxTotalIterations: 200,
			MaxRuntime:         4 * time.Hour,
			AutoCommit:         true,
			PushToRemote:       false,
			CreatePR:           false,
			PRBaseBranch:       "main",
		},
		Budget:          DefaultBudgetPolicy(),
		Recovery:        DefaultRecoveryPolicy(),
		PerCallTimeout:  300 * time.Second,
		MaxSymlinkDepth: 10,
		Database: DatabaseConfig{
			Host:            envOr("ORCH_DB_HOST", "localhost"),
			Port:            5432,
			User:            envOr("ORCH_DB_USER", "orchestrator"),
			Password:        os.Getenv("ORCH_DB_PASSWORD"),
			Database:        envOr("ORCH_DB_NAME", "orchestrator"),
			SSLMode:         envOr("ORCH_DB_SSLMODE", "disable"),
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		LLM: LLMConfig{
			APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
			DefaultModel: envOr("ORCH_LLM_DEFAULT_MODEL", "claude-sonnet-4-5"),
			HighModel:    envOr("ORCH_LLM_HIGH_MODEL", "claude-opus-4-1"),
			SmallModel:   envOr("ORCH_LLM_SMALL_MODEL", "claude-haiku-4-5"),
			MaxTokens:    4096,
			Temperature:  0.2,
		},
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
