// Package algebra implements FeatureAlgebra (§4.1): freshness decay, the
// contribution formula, verification-tier multipliers, and tier inference.
// Pure math, no I/O, deterministic, trivially thread-safe.
package algebra

import (
	"math"
	"time"

	"github.com/sawpanic/scoreengine/internal/config"
	"github.com/sawpanic/scoreengine/internal/domain"
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func Clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Freshness computes fresh(updatedAt, asOf, halfLife) = clamp01(exp(-ln2 *
// ageDays / halfLife)). ageDays is clamped non-negative; halfLife is floored
// at config.HalfLifeFloor. Result is exactly 0.5 at ageDays == halfLife.
func Freshness(updatedAt, asOf time.Time, halfLifeDays float64) float64 {
	ageDays := asOf.Sub(updatedAt).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	halfLife := halfLifeDays
	if halfLife < config.HalfLifeFloor {
		halfLife = config.HalfLifeFloor
	}
	return clamp01(math.Exp(-math.Ln2 * ageDays / halfLife))
}

// VerificationMultiplier returns the configured multiplier for a tier,
// falling back to the spec's documented defaults if the config omits it.
func VerificationMultiplier(cfg *config.EngineConfig, tier domain.VerificationTier) float64 {
	if cfg != nil {
		if m, ok := cfg.VerificationMultipliers[tier]; ok {
			return m
		}
	}
	switch tier {
	case domain.TierUnverified:
		return 0.20
	case domain.TierSoftVerified:
		return 0.45
	case domain.TierVerified:
		return 0.85
	case domain.TierTrusted:
		return 1.0
	default:
		return 0.20
	}
}

// TierFromVerification maps a verification score to a tier using strict,
// lower-bound-inclusive thresholds. The trusted tier is never inferred here;
// it is only set by an explicit upgrade.
func TierFromVerification(verification float64) domain.VerificationTier {
	switch {
	case verification >= 0.85:
		return domain.TierVerified
	case verification >= 0.45:
		return domain.TierSoftVerified
	default:
		return domain.TierUnverified
	}
}

// Parts is the resolved, per-feature factor breakdown used to compute a
// contribution.
type Parts struct {
	Weight       float64
	Norm         float64
	Confidence   float64
	Verification float64
	Freshness    float64
}

// Resolve derives the Parts for a feature at asOf, applying the §4.1
// defaults to any of weight, confidence and verification the feature leaves
// zero. A nil feature (absent on this side of a comparison) yields all-zero
// Parts.
func Resolve(f *domain.Feature, cfg *config.EngineConfig, asOf time.Time) Parts {
	if f == nil {
		return Parts{}
	}

	weight := f.Weight
	if weight == 0 {
		if cfg != nil {
			if w, ok := cfg.FeatureWeights[f.FeatureID]; ok {
				weight = w
			}
		}
		if weight == 0 {
			weight = 1.0
		}
	}

	confidence := f.Confidence
	if confidence == 0 {
		confidence = 0.5
	}

	verification := f.Verification
	if verification == 0 {
		verification = 0.20
	}

	halfLife := 14.0
	if cfg != nil {
		halfLife = cfg.FreshnessHalfLifeDays
	}
	freshness := Freshness(f.MeasuredAt, asOf, halfLife)

	return Parts{
		Weight:       weight,
		Norm:         clamp01(f.Norm),
		Confidence:   clamp01(confidence),
		Verification: clamp01(verification),
		Freshness:    freshness,
	}
}

// Contribution computes weight * norm * confidence * verification *
// freshness. All factors except weight are already clamped to [0,1] by
// Resolve; weight is taken as-is.
func (p Parts) Contribution() float64 {
	return p.Weight * p.Norm * p.Confidence * p.Verification * p.Freshness
}
