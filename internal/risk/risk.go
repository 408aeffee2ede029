// Package risk implements the Setup B long-entry predicate, dynamic
// margin sizing, and the hard 3% risk budget.
package risk

import "github.com/aristath/asv8/internal/indicators"

// SetupBInputs gathers everything the predicate needs from one
// just-closed bar plus the prior cached bar.
type SetupBInputs struct {
	Prev, Curr indicators.Set
	ADXMin     float64
	VolRatioMin float64
	AIScore    float64
	AIScoreMin float64
}

// EvaluateSetupB reports whether the long-entry predicate holds on the
// just-closed bar. All five legs must hold.
func EvaluateSetupB(in SetupBInputs) bool {
	adxOK := in.Curr.ADX >= in.ADXMin && in.Curr.PlusDI > in.Curr.MinusDI
	squeezeOK := indicators.SqueezeReleased(in.Prev, in.Curr)
	momentumOK := indicators.MomentumCrossedUp(in.Prev, in.Curr)
	volOK := in.Curr.VolRatio >= in.VolRatioMin
	aiOK := in.AIScore >= in.AIScoreMin

	return adxOK && squeezeOK && momentumOK && volOK && aiOK
}

const (
	// MinBaseMargin is the floor under base_margin regardless of equity
	// (max(50, equity * 0.10)).
	MinBaseMargin = 50.0
	// BaseMarginEquityFraction is the equity-proportional component.
	BaseMarginEquityFraction = 0.10
	// HighAIScoreThreshold triggers the margin amplifier.
	HighAIScoreThreshold = 85.0
	// HighAIScoreMultiplier is applied to base_margin when ai_score exceeds
	// HighAIScoreThreshold.
	HighAIScoreMultiplier = 1.2
	// RiskBudgetFraction is the hard cap on risk_amount as a fraction of equity.
	RiskBudgetFraction = 0.03
	// MinLeverage is the floor leverage tried before rejecting the order.
	MinLeverage = 1
)

// BaseMargin computes the dynamic margin formula.
func BaseMargin(equity, aiScore float64) float64 {
	margin := equity * BaseMarginEquityFraction
	if margin < MinBaseMargin {
		margin = MinBaseMargin
	}
	if aiScore > HighAIScoreThreshold {
		margin *= HighAIScoreMultiplier
	}
	return margin
}

// Decision is the outcome of applying the 3% risk budget, including the
// leverage the order should actually be submitted at.
type Decision struct {
	Approved   bool
	Leverage   int
	RiskAmount float64
	Margin     float64
}

// ApplyRiskBudget steps leverage down from startLeverage to MinLeverage,
// rejecting only if even leverage=1 breaches the 3% budget.
func ApplyRiskBudget(equity, aiScore, stopDistPct float64, startLeverage int) Decision {
	margin := BaseMargin(equity, aiScore)
	budget := RiskBudgetFraction * equity

	for lev := startLeverage; lev >= MinLeverage; lev-- {
		riskAmount := margin * float64(lev) * stopDistPct
		if riskAmount <= budget {
			return Decision{Approved: true, Leverage: lev, RiskAmount: riskAmount, Margin: margin}
		}
	}

	riskAmount := margin * float64(MinLeverage) * stopDistPct
	return Decision{Approved: false, Leverage: MinLeverage, RiskAmount: riskAmount, Margin: margin}
}
