package risk

import (
	"testing"

	"github.com/aristath/asv8/internal/indicators"
	"github.com/stretchr/testify/assert"
)

func setupBBase() SetupBInputs {
	return SetupBInputs{
		Prev: indicators.Set{SqueezeOn: true, Momentum: -0.5},
		Curr: indicators.Set{
			ADX:      28,
			PlusDI:   24,
			MinusDI:  12,
			Momentum: 0.3,
			VolRatio: 2.1,
		},
		ADXMin:      25,
		VolRatioMin: 1.5,
		AIScore:     60,
		AIScoreMin:  50,
	}
}

func TestEvaluateSetupBAllLegsHold(t *testing.T) {
	assert.True(t, EvaluateSetupB(setupBBase()))
}

func TestEvaluateSetupBEachLegGates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SetupBInputs)
	}{
		{"adx below min", func(in *SetupBInputs) { in.Curr.ADX = 20 }},
		{"minus di dominant", func(in *SetupBInputs) { in.Curr.MinusDI = 30 }},
		{"squeeze never on", func(in *SetupBInputs) { in.Prev.SqueezeOn = false }},
		{"squeeze still on", func(in *SetupBInputs) { in.Curr.SqueezeOn = true }},
		{"momentum already positive", func(in *SetupBInputs) { in.Prev.Momentum = 0.1 }},
		{"momentum not crossed", func(in *SetupBInputs) { in.Curr.Momentum = -0.1 }},
		{"volume thin", func(in *SetupBInputs) { in.Curr.VolRatio = 1.0 }},
		{"ai score low", func(in *SetupBInputs) { in.AIScore = 40 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := setupBBase()
			tt.mutate(&in)
			assert.False(t, EvaluateSetupB(in))
		})
	}
}

func TestBaseMargin(t *testing.T) {
	// Small account hits the floor.
	assert.Equal(t, 50.0, BaseMargin(100, 60))
	// Large account is proportional.
	assert.Equal(t, 200.0, BaseMargin(2000, 60))
	// High AI score amplifies.
	assert.InDelta(t, 240.0, BaseMargin(2000, 90), 1e-9)
	// Exactly at the threshold does not amplify.
	assert.Equal(t, 200.0, BaseMargin(2000, 85))
}

func TestApplyRiskBudgetStepsLeverageDown(t *testing.T) {
	// equity=500 -> margin=50, budget=15. stop=0.08:
	// lev 5 -> 20, lev 4 -> 16, lev 3 -> 12 <= 15 approved.
	d := ApplyRiskBudget(500, 60, 0.08, 5)
	assert.True(t, d.Approved)
	assert.Equal(t, 3, d.Leverage)
	assert.InDelta(t, 12.0, d.RiskAmount, 1e-9)
}

func TestApplyRiskBudgetApprovesAtStartLeverage(t *testing.T) {
	// stop=0.02: lev 5 -> 5 <= 15 approved immediately.
	d := ApplyRiskBudget(500, 60, 0.02, 5)
	assert.True(t, d.Approved)
	assert.Equal(t, 5, d.Leverage)
}

func TestApplyRiskBudgetRejectsWhenLeverageOneStillOver(t *testing.T) {
	// stop=0.40: even lev 1 -> 20 > 15 rejected.
	d := ApplyRiskBudget(500, 60, 0.40, 5)
	assert.False(t, d.Approved)
	assert.Equal(t, 1, d.Leverage)
	assert.InDelta(t, 20.0, d.RiskAmount, 1e-9)
}
