// Package indicators computes the Setup B feature set from a window
// of OHLCV bars.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"
)

// Set is the full precomputed feature set written to market_data_cache.
type Set struct {
	ADX        float64 `json:"adx"`
	PlusDI     float64 `json:"plus_di"`
	MinusDI    float64 `json:"minus_di"`
	EMA21      float64 `json:"ema21"`
	EMA55      float64 `json:"ema55"`
	RSI        float64 `json:"rsi"`
	RSISlope   float64 `json:"rsi_slope"`
	Momentum   float64 `json:"momentum"`
	VolRatio   float64 `json:"vol_ratio"`
	SqueezeOn  bool    `json:"squeeze_on"`
	BTCCorr    *float64 `json:"btc_corr,omitempty"`
}

const (
	adxPeriod      = 14
	rsiPeriod      = 14
	ema21Period    = 21
	ema55Period    = 55
	momentumPeriod = 10
	keltnerPeriod  = 20
	keltnerMult    = 1.5
	bbPeriod       = 20
	bbStdDev       = 2.0
	volRatioPeriod = 20
)

// Compute derives Set from ascending-by-time OHLCV arrays of equal
// length. It returns false if there isn't enough history yet for the
// longest lookback (EMA55).
func Compute(high, low, close, volume []float64) (Set, bool) {
	var s Set
	if len(close) < ema55Period+2 {
		return s, false
	}

	adx := talib.Adx(high, low, close, adxPeriod)
	plusDI := talib.PlusDI(high, low, close, adxPeriod)
	minusDI := talib.MinusDI(high, low, close, adxPeriod)
	ema21 := talib.Ema(close, ema21Period)
	ema55 := talib.Ema(close, ema55Period)
	rsi := talib.Rsi(close, rsiPeriod)
	mom := talib.Mom(close, momentumPeriod)

	s.ADX = lastOrZero(adx)
	s.PlusDI = lastOrZero(plusDI)
	s.MinusDI = lastOrZero(minusDI)
	s.EMA21 = lastOrZero(ema21)
	s.EMA55 = lastOrZero(ema55)
	s.RSI = lastOrZero(rsi)
	s.RSISlope = slope(rsi)
	s.Momentum = lastOrZero(mom)
	s.VolRatio = volRatio(volume)
	s.SqueezeOn = squeezeOn(high, low, close)

	return s, true
}

// lastOrZero returns the last non-NaN value in series, or 0 if series
// is empty or its tail is NaN (not enough warm-up data yet).
func lastOrZero(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	v := series[len(series)-1]
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// slope is the one-bar delta of series' last two values, stored as the
// RSI-slope feature; Setup B has no RSI-slope leg.
func slope(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	last, prev := series[len(series)-1], series[len(series)-2]
	if math.IsNaN(last) || math.IsNaN(prev) {
		return 0
	}
	return last - prev
}

// volRatio is current volume over the trailing SMA of volume, the
// VolRatio leg of Setup B.
func volRatio(volume []float64) float64 {
	if len(volume) < volRatioPeriod+1 {
		return 0
	}
	sma := talib.Sma(volume, volRatioPeriod)
	avg := lastOrZero(sma)
	if avg == 0 {
		return 0
	}
	return volume[len(volume)-1] / avg
}

// squeezeOn reports whether the 20-period Bollinger Band is fully
// inside the 20-period Keltner channel on the latest bar, the standard
// squeeze-on definition.
func squeezeOn(high, low, close []float64) bool {
	if len(close) < keltnerPeriod+1 {
		return false
	}

	atr := talib.Atr(high, low, close, keltnerPeriod)
	emaMid := talib.Ema(close, keltnerPeriod)
	keltnerATR := lastOrZero(atr)
	keltnerMid := lastOrZero(emaMid)
	if keltnerATR == 0 || keltnerMid == 0 {
		return false
	}
	keltnerUpper := keltnerMid + keltnerMult*keltnerATR
	keltnerLower := keltnerMid - keltnerMult*keltnerATR

	if len(close) < bbPeriod {
		return false
	}
	bbUpper, _, bbLower := talib.BBands(close, bbPeriod, bbStdDev, bbStdDev, 0)
	upper := lastOrZero(bbUpper)
	lower := lastOrZero(bbLower)
	if upper == 0 && lower == 0 {
		return false
	}

	return upper < keltnerUpper && lower > keltnerLower
}

// SqueezeReleased reports whether the squeeze transitioned from on
// (the prior cached bar) to off (the just-closed bar), the Setup B
// squeeze leg.
func SqueezeReleased(prev, curr Set) bool {
	return prev.SqueezeOn && !curr.SqueezeOn
}

// MomentumCrossedUp reports whether momentum crossed from <= 0 on the
// prior cached bar to > 0 on the just-closed bar, the Setup B momentum
// leg.
func MomentumCrossedUp(prev, curr Set) bool {
	return prev.Momentum <= 0 && curr.Momentum > 0
}
