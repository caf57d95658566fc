// Package config maps CLI flags, environment variables, and config files
// onto the engine configuration.
package config

import (
	"fmt"
	"time"

	"bank-reconciliation-engine/internal/discrepancy"
	"bank-reconciliation-engine/internal/engine"
	"bank-reconciliation-engine/internal/matcher"

	"github.com/spf13/viper"
)

// Config is the flat CLI-facing configuration. It is deliberately simpler
// than the engine's nested config; BuildEngineConfig does the mapping.
type Config struct {
	// Matching
	AmountTolerance int64   `mapstructure:"amount_tolerance"`
	FuzzyThreshold  int     `mapstructure:"fuzzy_threshold"`
	EnableFuzzy     bool    `mapstructure:"enable_fuzzy"`
	AmountWeight    float64 `mapstructure:"amount_weight"`
	TextWeight      float64 `mapstructure:"text_weight"`
	ScoringWorkers  int     `mapstructure:"scoring_workers"`

	// Discrepancy
	MaterialityRatio float64 `mapstructure:"materiality_ratio"`
	GraceDays        int     `mapstructure:"grace_days"`

	// Orchestration
	AbortFailureRatio float64       `mapstructure:"abort_failure_ratio"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	BookWindowDays    int           `mapstructure:"book_window_days"`

	// Profile selects a matching preset: balanced, strict, or relaxed.
	// Explicit matching flags override the preset's values.
	Profile string `mapstructure:"profile"`
}

// SetDefaults registers the configuration defaults with viper.
func SetDefaults(v *viper.Viper) {
	defaults := matcher.DefaultConfig()
	dd := discrepancy.DefaultConfig()
	de := engine.DefaultConfig()

	v.SetDefault("amount_tolerance", defaults.AmountToleranceMinorUnits)
	v.SetDefault("fuzzy_threshold", defaults.FuzzyThreshold)
	v.SetDefault("enable_fuzzy", defaults.EnableFuzzyMatching)
	v.SetDefault("amount_weight", defaults.Weights.Amount)
	v.SetDefault("text_weight", defaults.Weights.Text)
	v.SetDefault("scoring_workers", defaults.ScoringWorkers)

	v.SetDefault("materiality_ratio", dd.MaterialityRatio)
	v.SetDefault("grace_days", dd.GraceDays)

	v.SetDefault("abort_failure_ratio", de.AbortFailureRatio)
	v.SetDefault("run_timeout", de.RunTimeout)
	v.SetDefault("book_window_days", de.BookWindowDays)

	v.SetDefault("profile", "balanced")
}

// Load reads the configuration from viper.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal configuration: %w", err)
	}
	return &cfg, nil
}

// BuildEngineConfig maps the CLI configuration onto the engine configuration.
// The profile preset supplies the matching values; only keys the operator set
// explicitly (flag, env, or config file) override it. Registered defaults do
// not count as set, so a bare --profile keeps the preset intact.
func (c *Config) BuildEngineConfig(v *viper.Viper) (*engine.Config, error) {
	var matching *matcher.Config
	switch c.Profile {
	case "", "balanced":
		matching = matcher.DefaultConfig()
	case "strict":
		matching = matcher.StrictConfig()
	case "relaxed":
		matching = matcher.RelaxedConfig()
	default:
		return nil, fmt.Errorf("unknown matching profile: %s", c.Profile)
	}

	if v.IsSet("amount_tolerance") {
		matching.AmountToleranceMinorUnits = c.AmountTolerance
	}
	if v.IsSet("fuzzy_threshold") {
		matching.FuzzyThreshold = c.FuzzyThreshold
	}
	if v.IsSet("enable_fuzzy") {
		matching.EnableFuzzyMatching = c.EnableFuzzy
	}
	if v.IsSet("amount_weight") {
		matching.Weights.Amount = c.AmountWeight
	}
	if v.IsSet("text_weight") {
		matching.Weights.Text = c.TextWeight
	}
	if v.IsSet("scoring_workers") {
		matching.ScoringWorkers = c.ScoringWorkers
	}

	disc := discrepancy.DefaultConfig()
	disc.MaterialityRatio = c.MaterialityRatio
	disc.GraceDays = c.GraceDays

	cfg := engine.DefaultConfig()
	cfg.AbortFailureRatio = c.AbortFailureRatio
	cfg.RunTimeout = c.RunTimeout
	cfg.BookWindowDays = c.BookWindowDays
	cfg.Matching = matching
	cfg.Discrepancy = disc

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
