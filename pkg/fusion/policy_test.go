package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyValidates(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
}

func TestPolicyValidateRejections(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Policy)
		field string
	}{
		{
			"negative bonus",
			func(p *Policy) { p.AgreementBonus = -0.1 },
			"agreement_bonus",
		},
		{
			"cap above one",
			func(p *Policy) { p.BonusCap = 1.5 },
			"bonus_cap",
		},
		{
			"empty table",
			func(p *Policy) { p.TierTable = nil },
			"tier_table",
		},
		{
			"cutoff out of range",
			func(p *Policy) { p.TierTable[0].MinConfidence = 1.2 },
			"tier_table[0].min_confidence",
		},
		{
			"unknown tier",
			func(p *Policy) { p.TierTable[1].Tier = "SEVERE" },
			"tier_table[1].tier",
		},
		{
			"unknown agreement",
			func(p *Policy) { p.TierTable[2].Agreement = "MOSTLY_AGREE" },
			"tier_table[2].agreement",
		},
		{
			"non-decreasing cutoffs shadow a row",
			func(p *Policy) { p.TierTable[1].MinConfidence = 0.9 },
			"tier_table[1]",
		},
		{
			"tier escalates down the table",
			func(p *Policy) { p.TierTable[3].Tier = TierCritical },
			"tier_table[3]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mod(&p)

			err := p.Validate()
			require.Error(t, err)
			var cerr *ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestTierRank(t *testing.T) {
	order := []Tier{TierNormal, TierLow, TierMedium, TierHigh, TierCritical}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Rank(), order[i-1].Rank())
	}
	assert.Zero(t, Tier("bogus").Rank(), "unknown tiers sort with NORMAL")
}
