package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MatchingConfig carries the cross-source matching tolerances. The window
// and tolerance values are deployment configuration, not constants: the
// right numbers depend on how far the payment gateways' clocks and
// settlement rounding drift from the machines' logs.
//
// Env overrides:
// - MATCH_TIME_WINDOW_SECONDS        (default 120)
// - MATCH_AMOUNT_TOLERANCE           (default 1.00)
// - MATCH_FUZZY_CONFIDENCE_FLOOR     (default 60)
// - MATCH_CORROBORATION_SOURCES      (default 2)
// - MATCH_PROMOTE_SCORE              (default 70)
// - MATCH_MAX_RETRIES                (default 3)
// - CLASSIFY_MIN_PERCENT             (default 60)
// - SWEEP_INTERVAL_SECONDS           (default 60)
// - SWEEP_GRACE_PERIOD_SECONDS       (default 600)
// - SWEEP_PASS_TIMEOUT_SECONDS       (default 120)
// - CONSOLIDATION_HORIZON_HOURS      (default 24)
type MatchingConfig struct {
	TimeWindow           time.Duration
	AmountTolerance      decimal.Decimal
	FuzzyConfidenceFloor int
	CorroborationSources int
	PromoteScore         int
	MaxRetries           int
	ClassifyMinPercent   float64
	SweepInterval        time.Duration
	SweepGracePeriod     time.Duration
	SweepPassTimeout     time.Duration
	ConsolidationHorizon time.Duration
}

func DefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{
		TimeWindow:           120 * time.Second,
		AmountTolerance:      decimal.NewFromInt(1),
		FuzzyConfidenceFloor: 60,
		CorroborationSources: 2,
		PromoteScore:         70,
		MaxRetries:           3,
		ClassifyMinPercent:   60,
		SweepInterval:        time.Minute,
		SweepGracePeriod:     10 * time.Minute,
		SweepPassTimeout:     2 * time.Minute,
		ConsolidationHorizon: 24 * time.Hour,
	}
}

func LoadMatchingConfig() MatchingConfig {
	cfg := DefaultMatchingConfig()
	cfg.TimeWindow = time.Duration(intFromEnv("MATCH_TIME_WINDOW_SECONDS", 120)) * time.Second
	if v := strings.TrimSpace(os.Getenv("MATCH_AMOUNT_TOLERANCE")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && !d.IsNegative() {
			cfg.AmountTolerance = d
		}
	}
	cfg.FuzzyConfidenceFloor = intFromEnv("MATCH_FUZZY_CONFIDENCE_FLOOR", 60)
	cfg.CorroborationSources = intFromEnv("MATCH_CORROBORATION_SOURCES", 2)
	cfg.PromoteScore = intFromEnv("MATCH_PROMOTE_SCORE", 70)
	cfg.MaxRetries = intFromEnv("MATCH_MAX_RETRIES", 3)
	cfg.ClassifyMinPercent = float64(intFromEnv("CLASSIFY_MIN_PERCENT", 60))
	cfg.SweepInterval = time.Duration(intFromEnv("SWEEP_INTERVAL_SECONDS", 60)) * time.Second
	cfg.SweepGracePeriod = time.Duration(intFromEnv("SWEEP_GRACE_PERIOD_SECONDS", 600)) * time.Second
	cfg.SweepPassTimeout = time.Duration(intFromEnv("SWEEP_PASS_TIMEOUT_SECONDS", 120)) * time.Second
	cfg.ConsolidationHorizon = time.Duration(intFromEnv("CONSOLIDATION_HORIZON_HOURS", 24)) * time.Hour
	return cfg
}
