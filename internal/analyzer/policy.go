package analyzer

import (
	"github.com/pkg/errors"

	"github.com/gzhole/skillshield/internal/config"
)

// Sensitivity adjusts how eagerly weak signals are reported.
type Sensitivity string

const (
	// SensitivityLow drops a verdict that would only be LOW to SAFE.
	SensitivityLow Sensitivity = "low"
	// SensitivityMedium is the default.
	SensitivityMedium Sensitivity = "medium"
	// SensitivityHigh keeps low-confidence clusters in the headline.
	SensitivityHigh Sensitivity = "high"
	// SensitivityParanoid also flags suspicious keywords when nothing else fired.
	SensitivityParanoid Sensitivity = "paranoid"
)

// ParseSensitivity validates a sensitivity name. Empty means medium.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch Sensitivity(s) {
	case "":
		return SensitivityMedium, nil
	case SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityParanoid:
		return Sensitivity(s), nil
	}
	return SensitivityMedium, errors.Errorf("unknown sensitivity %q", s)
}

// Policy holds the thresholds used across stages.
type Policy struct {
	NarrowConfidence              float64
	BroadConfidence               float64
	SingleStageCriticalConfidence float64
	FPConfidence                  float64
	LLMDismissConfidence          float64
	Sensitivity                   Sensitivity
}

// Scoring weights the bonus added to the tier base score.
type Scoring struct {
	CorroboratedWeight int
	SurvivingWeight    int
	MaxBonus           int
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return PolicyFromConfig(config.Default().Policy)
}

// DefaultScoring mirrors the configuration defaults.
func DefaultScoring() Scoring {
	return ScoringFromConfig(config.Default().Scoring)
}

// PolicyFromConfig converts the policy section. The section is assumed to
// have passed config validation.
func PolicyFromConfig(c config.PolicyConfig) Policy {
	sens, err := ParseSensitivity(c.Sensitivity)
	if err != nil {
		sens = SensitivityMedium
	}
	return Policy{
		NarrowConfidence:              c.NarrowConfidence,
		BroadConfidence:               c.BroadConfidence,
		SingleStageCriticalConfidence: c.SingleStageCriticalConfidence,
		FPConfidence:                  c.FPConfidence,
		LLMDismissConfidence:          c.LLMDismissConfidence,
		Sensitivity:                   sens,
	}
}

func ScoringFromConfig(c config.ScoringConfig) Scoring {
	return Scoring{
		CorroboratedWeight: c.CorroboratedWeight,
		SurvivingWeight:    c.SurvivingWeight,
		MaxBonus:           c.MaxBonus,
	}
}
