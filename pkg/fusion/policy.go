// Package fusion combines the independent detector outputs and the
// contextual indicator set for one (subject, window) into a single
// tiered, explainable assessment. Fusion is a pure function of its
// inputs and the policy: no clock, no randomness, no hidden state.
package fusion

import (
	"fmt"
)

// Tier is the fused risk verdict.
type Tier string

const (
	TierNormal   Tier = "NORMAL"
	TierLow      Tier = "LOW"
	TierMedium   Tier = "MEDIUM"
	TierHigh     Tier = "HIGH"
	TierCritical Tier = "CRITICAL"
)

// Rank orders tiers for comparison and sorting; higher is riskier.
func (t Tier) Rank() int {
	switch t {
	case TierLow:
		return 1
	case TierMedium:
		return 2
	case TierHigh:
		return 3
	case TierCritical:
		return 4
	default:
		return 0
	}
}

func (t Tier) valid() bool {
	switch t {
	case TierNormal, TierLow, TierMedium, TierHigh, TierCritical:
		return true
	}
	return false
}

// Agreement summarizes how the non-abstaining detectors concur.
type Agreement string

const (
	InsufficientData Agreement = "INSUFFICIENT_DATA"
	AllAgreeAnomaly  Agreement = "ALL_AGREE_ANOMALY"
	AllAgreeNormal   Agreement = "ALL_AGREE_NORMAL"
	PartialAgree     Agreement = "PARTIAL_AGREE"
)

// TierRule is one row of the ordered tier cutoff table. An empty
// Agreement matches any assessment with at least one flagging detector,
// which is how the low-confidence fallback row is expressed.
type TierRule struct {
	Agreement     Agreement `koanf:"agreement"`
	MinConfidence float64   `koanf:"min_confidence"`
	Tier          Tier      `koanf:"tier"`
}

// Policy is the immutable fusion configuration, passed explicitly into
// every Fuse call. Operators tune sensitivity here, not in code.
type Policy struct {
	// AgreementBonus is added per flagging detector beyond the first,
	// rewarding independent corroboration.
	AgreementBonus float64 `koanf:"agreement_bonus"`
	// BonusCap bounds the total corroboration bonus.
	BonusCap float64 `koanf:"bonus_cap"`
	// TierTable maps (agreement, confidence) to a tier, first match
	// wins walking top to bottom.
	TierTable []TierRule `koanf:"tier_table"`
}

// DefaultPolicy returns the reference cutoff table.
func DefaultPolicy() Policy {
	return Policy{
		AgreementBonus: 0.1,
		BonusCap:       0.3,
		TierTable: []TierRule{
			{Agreement: AllAgreeAnomaly, MinConfidence: 0.8, Tier: TierCritical},
			{Agreement: AllAgreeAnomaly, MinConfidence: 0.6, Tier: TierHigh},
			{Agreement: PartialAgree, MinConfidence: 0.6, Tier: TierHigh},
			{Agreement: PartialAgree, MinConfidence: 0.4, Tier: TierMedium},
			{Agreement: "", MinConfidence: 0.2, Tier: TierLow},
		},
	}
}

// Validate fails fast on a malformed policy so a bad deploy cannot
// silently corrupt every assessment in a run.
func (p Policy) Validate() error {
	if p.AgreementBonus < 0 || p.AgreementBonus > 1 {
		return &ConfigurationError{Field: "agreement_bonus", Reason: fmt.Sprintf("must be in [0,1], got %v", p.AgreementBonus)}
	}
	if p.BonusCap < 0 || p.BonusCap > 1 {
		return &ConfigurationError{Field: "bonus_cap", Reason: fmt.Sprintf("must be in [0,1], got %v", p.BonusCap)}
	}
	if len(p.TierTable) == 0 {
		return &ConfigurationError{Field: "tier_table", Reason: "empty"}
	}

	lastCutoff := make(map[Agreement]float64)
	prevRank := -1
	for i, row := range p.TierTable {
		if row.MinConfidence < 0 || row.MinConfidence > 1 {
			return &ConfigurationError{
				Field:  fmt.Sprintf("tier_table[%d].min_confidence", i),
				Reason: fmt.Sprintf("must be in [0,1], got %v", row.MinConfidence),
			}
		}
		if !row.Tier.valid() {
			return &ConfigurationError{
				Field:  fmt.Sprintf("tier_table[%d].tier", i),
				Reason: fmt.Sprintf("unknown tier %q", row.Tier),
			}
		}
		switch row.Agreement {
		case AllAgreeAnomaly, AllAgreeNormal, PartialAgree, InsufficientData, "":
		default:
			return &ConfigurationError{
				Field:  fmt.Sprintf("tier_table[%d].agreement", i),
				Reason: fmt.Sprintf("unknown agreement %q", row.Agreement),
			}
		}
		// Within one agreement class, cutoffs must strictly decrease:
		// a later row with an equal or higher cutoff is unreachable.
		if prev, seen := lastCutoff[row.Agreement]; seen && row.MinConfidence >= prev {
			return &ConfigurationError{
				Field:  fmt.Sprintf("tier_table[%d]", i),
				Reason: fmt.Sprintf("cutoffs for %s not monotonically decreasing (%v after %v)", row.Agreement, row.MinConfidence, prev),
			}
		}
		lastCutoff[row.Agreement] = row.MinConfidence
		// Tiers must not escalate walking down the table.
		if prevRank >= 0 && row.Tier.Rank() > prevRank {
			return &ConfigurationError{
				Field:  fmt.Sprintf("tier_table[%d]", i),
				Reason: fmt.Sprintf("tier %s outranks earlier rows", row.Tier),
			}
		}
		prevRank = row.Tier.Rank()
	}
	return nil
}
