// Package matcher implements the transaction matching engine.
//
// Matching runs three strictly sequential passes over a per-run arena of
// unmatched transactions:
//  1. Exact: identical (amount, date, currency) with deterministic
//     tie-breaking.
//  2. Rule: auto_match outcomes from the rule pipeline, with confidence
//     decaying by date variance.
//  3. Fuzzy: weighted amount/text similarity with a stable greedy claim.
//
// Determinism is the load-bearing property: identical inputs always yield
// identical matches, which is what makes re-runs after rule changes safe.
package matcher

import (
	"fmt"
)

// Weights defines the relative importance of amount proximity and textual
// similarity in the fuzzy pass.
type Weights struct {
	Amount float64 `json:"amount"`
	Text   float64 `json:"text"`
}

// Validate checks the weights.
func (w *Weights) Validate() error {
	if w.Amount < 0.0 || w.Amount > 1.0 {
		return fmt.Errorf("amount weight must be between 0.0 and 1.0: %f", w.Amount)
	}
	if w.Text < 0.0 || w.Text > 1.0 {
		return fmt.Errorf("text weight must be between 0.0 and 1.0: %f", w.Text)
	}
	total := w.Amount + w.Text
	if total < 0.9 || total > 1.1 {
		return fmt.Errorf("weights should sum to approximately 1.0, got %f", total)
	}
	return nil
}

// Config holds the tunables of the matching engine. All thresholds are
// configurable defaults supplied as data, never hardcoded into the passes.
type Config struct {
	// AmountToleranceMinorUnits is the maximum absolute amount difference
	// the fuzzy pass will consider. Zero means amounts must match exactly
	// unless a rule explicitly allows variance.
	AmountToleranceMinorUnits int64 `json:"amount_tolerance_minor_units"`

	// FuzzyThreshold is the minimum similarity score (0-100) for a fuzzy
	// pairing to be accepted.
	FuzzyThreshold int `json:"fuzzy_threshold"`

	// EnableFuzzyMatching toggles the fuzzy pass.
	EnableFuzzyMatching bool `json:"enable_fuzzy_matching"`

	// AutoMatchBaseConfidence is the confidence of a rule auto-match with
	// zero date variance.
	AutoMatchBaseConfidence int `json:"auto_match_base_confidence"`

	// AutoMatchDecayPerDay is subtracted per day of date variance.
	AutoMatchDecayPerDay int `json:"auto_match_decay_per_day"`

	// AutoMatchFloor is the lowest confidence a rule auto-match can decay to.
	AutoMatchFloor int `json:"auto_match_floor"`

	// ScoringWorkers bounds the goroutines used for fuzzy-pass scoring.
	// Claims still happen on a single-threaded commit path.
	ScoringWorkers int `json:"scoring_workers"`

	// Weights for the fuzzy similarity score.
	Weights Weights `json:"weights"`
}

// DefaultConfig returns the balanced configuration used for most runs.
func DefaultConfig() *Config {
	return &Config{
		AmountToleranceMinorUnits: 0,
		FuzzyThreshold:            70,
		EnableFuzzyMatching:       true,
		AutoMatchBaseConfidence:   90,
		AutoMatchDecayPerDay:      5,
		AutoMatchFloor:            50,
		ScoringWorkers:            4,
		Weights: Weights{
			Amount: 0.6,
			Text:   0.4,
		},
	}
}

// StrictConfig returns a configuration for critical reconciliation: exact
// and rule matches only.
func StrictConfig() *Config {
	return &Config{
		AmountToleranceMinorUnits: 0,
		FuzzyThreshold:            95,
		EnableFuzzyMatching:       false,
		AutoMatchBaseConfidence:   90,
		AutoMatchDecayPerDay:      10,
		AutoMatchFloor:            50,
		ScoringWorkers:            4,
		Weights: Weights{
			Amount: 0.7,
			Text:   0.3,
		},
	}
}

// RelaxedConfig returns a configuration for exploratory matching with a
// small amount tolerance.
func RelaxedConfig() *Config {
	return &Config{
		AmountToleranceMinorUnits: 100,
		FuzzyThreshold:            60,
		EnableFuzzyMatching:       true,
		AutoMatchBaseConfidence:   90,
		AutoMatchDecayPerDay:      5,
		AutoMatchFloor:            50,
		ScoringWorkers:            4,
		Weights: Weights{
			Amount: 0.5,
			Text:   0.5,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.AmountToleranceMinorUnits < 0 {
		return fmt.Errorf("amount tolerance cannot be negative: %d", c.AmountToleranceMinorUnits)
	}
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 100 {
		return fmt.Errorf("fuzzy threshold must be between 0 and 100: %d", c.FuzzyThreshold)
	}
	if c.AutoMatchBaseConfidence < 0 || c.AutoMatchBaseConfidence > 100 {
		return fmt.Errorf("auto-match base confidence must be between 0 and 100: %d", c.AutoMatchBaseConfidence)
	}
	if c.AutoMatchDecayPerDay < 0 {
		return fmt.Errorf("auto-match decay cannot be negative: %d", c.AutoMatchDecayPerDay)
	}
	if c.AutoMatchFloor < 0 || c.AutoMatchFloor > c.AutoMatchBaseConfidence {
		return fmt.Errorf("auto-match floor must be between 0 and the base confidence: %d", c.AutoMatchFloor)
	}
	if c.ScoringWorkers <= 0 {
		return fmt.Errorf("scoring workers must be positive: %d", c.ScoringWorkers)
	}
	if err := c.Weights.Validate(); err != nil {
		return fmt.Errorf("invalid weights: %w", err)
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// String returns a human-readable description of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf("Config{AmountTolerance: %d, FuzzyThreshold: %d, Fuzzy: %t, AutoMatch: %d-%d/day (floor %d)}",
		c.AmountToleranceMinorUnits, c.FuzzyThreshold, c.EnableFuzzyMatching,
		c.AutoMatchBaseConfidence, c.AutoMatchDecayPerDay, c.AutoMatchFloor)
}
