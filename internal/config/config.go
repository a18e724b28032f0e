// Package config loads and validates the engine's configuration surface
// (§6.4): freshness half-life, clamps, top_n, feature weights, verification
// and provisional multipliers, and GOD weights. Loading follows the
// teacher's internal/config/providers.go shape: os.ReadFile + yaml.Unmarshal
// + an explicit Validate() that fails closed.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/scoreengine/internal/domain"
)

// EngineConfig is the §6.3 config singleton table, in memory.
type EngineConfig struct {
	FreshnessHalfLifeDays float64                              `yaml:"freshness_half_life_days"`
	ClampMin              float64                              `yaml:"clamp_min"`
	ClampMax              float64                              `yaml:"clamp_max"`
	TopN                  int                                  `yaml:"top_n"`
	FeatureWeights        map[domain.FeatureID]float64         `yaml:"feature_weights"`
	VerificationMultipliers map[domain.VerificationTier]float64 `yaml:"verification_multipliers"`
	ProvisionalMultipliers  map[domain.ImpactGuess]float64      `yaml:"provisional_multipliers"`
	GodWeights            GodWeights                           `yaml:"god_weights"`
	Blockers              BlockerMessages                      `yaml:"blockers"`
	RateLimit             RateLimitConfig                      `yaml:"rate_limit"`
}

// RateLimitConfig bounds per-subject submitAction/submitEvidence intake via
// resilience.SubjectLimiter.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// GodWeights are the canonical-score adjustment weights of §4.5.3.
type GodWeights struct {
	Signal          float64 `yaml:"signal"`
	Traction        float64 `yaml:"traction"`
	InvestorIntent  float64 `yaml:"investorIntent"`
	PenaltyPerBlocker float64 `yaml:"penaltyPerBlocker"`
}

// BlockerMessage carries the configured message and fix-path for one rule.
type BlockerMessage struct {
	Message string `yaml:"message"`
	FixPath string `yaml:"fix_path"`
}

// BlockerMessages holds the configured copy for all five BlockerEngine rules.
type BlockerMessages map[domain.BlockerID]BlockerMessage

// Default returns the spec's documented defaults (§4.1, §4.3, §6.4).
func Default() *EngineConfig {
	return &EngineConfig{
		FreshnessHalfLifeDays: 14,
		ClampMin:              0,
		ClampMax:              100,
		TopN:                  5,
		FeatureWeights: map[domain.FeatureID]float64{
			domain.FeatureTraction:           2.0,
			domain.FeatureFounderVelocity:    1.5,
			domain.FeatureInvestorIntent:     1.5,
			domain.FeatureMarketBeliefShift:  1.0,
			domain.FeatureCapitalConvergence: 1.0,
			domain.FeatureTeamStrength:       1.0,
			domain.FeatureProductQuality:     1.0,
			domain.FeatureMarketSize:         0.75,
		},
		VerificationMultipliers: map[domain.VerificationTier]float64{
			domain.TierUnverified:   0.20,
			domain.TierSoftVerified: 0.45,
			domain.TierVerified:     0.85,
			domain.TierTrusted:      1.0,
		},
		ProvisionalMultipliers: map[domain.ImpactGuess]float64{
			domain.ImpactLow:    0.15,
			domain.ImpactMedium: 0.25,
			domain.ImpactHigh:   0.35,
		},
		GodWeights: GodWeights{
			Signal:            0.25,
			Traction:          0.35,
			InvestorIntent:    0.20,
			PenaltyPerBlocker: 0.5,
		},
		Blockers:  defaultBlockerMessages(),
		RateLimit: RateLimitConfig{RPS: 5, Burst: 10},
	}
}

func defaultBlockerMessages() BlockerMessages {
	return BlockerMessages{
		domain.BlockerIdentityNotVerified: {
			Message: "Identity features (traction, founder velocity) are not sufficiently verified.",
			FixPath: "/verify/identity",
		},
		domain.BlockerEvidenceInsufficient: {
			Message: "A top-moving feature changed materially without enough supporting evidence.",
			FixPath: "/evidence/upload",
		},
		domain.BlockerRecencyGap: {
			Message: "A heavily-weighted feature is stale.",
			FixPath: "/features/refresh",
		},
		domain.BlockerInconsistencyDetected: {
			Message: "Conflicting claims were detected in submitted evidence.",
			FixPath: "/evidence/resolve",
		},
		domain.BlockerMissingRequiredConnectors: {
			Message: "A required data connector has not been linked.",
			FixPath: "/connectors/connect",
		},
	}
}

// Load reads and validates an EngineConfig from a YAML file decoded over
// Default(): keys the file omits keep their default values; keys the file
// sets, including to zero, replace them.
func Load(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	return cfg, nil
}

// Validate fails closed on out-of-range values, matching the teacher's
// ProvidersConfig.Validate shape.
func (c *EngineConfig) Validate() error {
	if c.FreshnessHalfLifeDays <= 0 {
		return fmt.Errorf("freshness_half_life_days must be positive, got %f", c.FreshnessHalfLifeDays)
	}
	if c.ClampMax <= c.ClampMin {
		return fmt.Errorf("clamp_max (%f) must be > clamp_min (%f)", c.ClampMax, c.ClampMin)
	}
	if c.TopN <= 0 {
		return fmt.Errorf("top_n must be positive, got %d", c.TopN)
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate_limit.rps must be positive, got %f", c.RateLimit.RPS)
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be positive, got %d", c.RateLimit.Burst)
	}
	for tier, mult := range c.VerificationMultipliers {
		if !domain.IsKnownTier(tier) {
			return fmt.Errorf("unknown verification tier in config: %s", tier)
		}
		if mult < 0 || mult > 1 {
			return fmt.Errorf("verification multiplier for %s out of [0,1]: %f", tier, mult)
		}
	}
	for impact, mult := range c.ProvisionalMultipliers {
		if !domain.IsKnownImpactGuess(impact) {
			return fmt.Errorf("unknown impact guess in config: %s", impact)
		}
		if mult < 0 || mult > 1 {
			return fmt.Errorf("provisional multiplier for %s out of [0,1]: %f", impact, mult)
		}
	}
	for id, w := range c.FeatureWeights {
		if !domain.IsKnownFeatureID(id) {
			return fmt.Errorf("unknown feature_id in config: %s", id)
		}
		if w < 0 {
			return fmt.Errorf("feature weight for %s must be >= 0, got %f", id, w)
		}
	}
	return nil
}

// HalfLifeFloor is the minimum half-life §4.1 enforces to avoid division by
// (near) zero.
const HalfLifeFloor = 1e-6
