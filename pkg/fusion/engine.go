package fusion

import (
	"sort"
	"time"

	"riskwatch/pkg/detectors"
	"riskwatch/pkg/indicators"
	"riskwatch/pkg/telemetry"
)

// Assessment is the fused risk verdict for one (subject, window). A new
// assessment supersedes any earlier one for the same key; assessments
// are never mutated in place.
type Assessment struct {
	Subject    string           `json:"subject"`
	Window     telemetry.Window `json:"window"`
	Tier       Tier             `json:"tier"`
	Confidence float64          `json:"confidence"`
	Agreement  Agreement        `json:"agreement"`
	// Contributing lists flagging detector ids first (ordered by id),
	// then triggered indicator names alphabetically.
	Contributing []string `json:"contributing"`

	// Audit fields stamped by the run orchestrator, not by Fuse.
	RunID         string            `json:"run_id,omitempty"`
	ModelVersions map[string]string `json:"model_versions,omitempty"`
	CreatedAt     time.Time         `json:"created_at,omitempty"`
}

// Engine applies one immutable policy. Safe for concurrent use.
type Engine struct {
	policy Policy
}

// NewEngine validates the policy once; Fuse never re-checks it.
func NewEngine(policy Policy) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Engine{policy: policy}, nil
}

// Fuse combines the detector outputs and indicator set for one key.
// A nil entry (or absent key) in outputs is an abstention; Fuse never
// errors on missing detector output. Identical inputs always produce
// an identical assessment.
func (e *Engine) Fuse(outputs map[detectors.ID]*detectors.Output, inds indicators.Set) Assessment {
	a := Assessment{
		Subject: inds.Subject,
		Window:  inds.Window,
	}

	var reporting, flagging []*detectors.Output
	for _, out := range outputs {
		if out == nil {
			continue
		}
		if a.Subject == "" {
			a.Subject = out.Subject
			a.Window = out.Window
		}
		reporting = append(reporting, out)
		if out.Flag {
			flagging = append(flagging, out)
		}
	}

	a.Agreement = classify(len(reporting), len(flagging))
	a.Confidence = e.fuseConfidence(flagging)
	a.Tier = e.mapTier(a.Agreement, a.Confidence, len(flagging))

	if inds.HasHardOverride() {
		// Ground truth outranks statistical inference.
		if a.Tier.Rank() < TierCritical.Rank() {
			a.Tier = TierCritical
		}
		a.Confidence = 1.0
	}

	a.Contributing = contributing(flagging, inds)
	return a
}

func classify(reporting, flagging int) Agreement {
	switch {
	case reporting == 0:
		return InsufficientData
	case flagging == reporting && flagging >= 2:
		return AllAgreeAnomaly
	case flagging == 0:
		return AllAgreeNormal
	default:
		return PartialAgree
	}
}

// fuseConfidence implements the corroboration rule: a single flagger
// stands on its own confidence; two or more average theirs and earn a
// bonus per extra agreeing detector, because independent weak signals
// are stronger evidence than one strong signal alone.
func (e *Engine) fuseConfidence(flagging []*detectors.Output) float64 {
	switch len(flagging) {
	case 0:
		return 0
	case 1:
		return clamp01(flagging[0].Confidence)
	}

	sum := 0.0
	for _, out := range flagging {
		sum += out.Confidence
	}
	bonus := e.policy.AgreementBonus * float64(len(flagging)-1)
	if bonus > e.policy.BonusCap {
		bonus = e.policy.BonusCap
	}
	return clamp01(sum/float64(len(flagging)) + bonus)
}

func (e *Engine) mapTier(agreement Agreement, confidence float64, flagging int) Tier {
	for _, row := range e.policy.TierTable {
		if row.Agreement == "" {
			// Fallback row: any agreement, as long as something flagged.
			if flagging > 0 && confidence >= row.MinConfidence {
				return row.Tier
			}
			continue
		}
		if row.Agreement == agreement && confidence >= row.MinConfidence {
			return row.Tier
		}
	}
	return TierNormal
}

func contributing(flagging []*detectors.Output, inds indicators.Set) []string {
	names := make([]string, 0, len(flagging)+len(inds.Indicators))
	ids := make([]string, 0, len(flagging))
	for _, out := range flagging {
		ids = append(ids, string(out.Detector))
	}
	sort.Strings(ids)
	names = append(names, ids...)
	return append(names, inds.TriggeredNames()...)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
