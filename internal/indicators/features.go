package indicators

// FeatureOrder is the stable feature ordering shared by the AI scorers;
// model weights are positional, so this list must only ever grow under
// a new feature version.
var FeatureOrder = []string{
	"adx", "plus_di", "minus_di", "ema21", "ema55",
	"rsi", "rsi_slope", "momentum", "vol_ratio", "squeeze_on", "btc_corr",
}

// Features flattens the set into the map shape the AI scorer consumes.
func (s Set) Features() map[string]float64 {
	m := map[string]float64{
		"adx":       s.ADX,
		"plus_di":   s.PlusDI,
		"minus_di":  s.MinusDI,
		"ema21":     s.EMA21,
		"ema55":     s.EMA55,
		"rsi":       s.RSI,
		"rsi_slope": s.RSISlope,
		"momentum":  s.Momentum,
		"vol_ratio": s.VolRatio,
	}
	if s.SqueezeOn {
		m["squeeze_on"] = 1
	} else {
		m["squeeze_on"] = 0
	}
	if s.BTCCorr != nil {
		m["btc_corr"] = *s.BTCCorr
	}
	return m
}
