package indicators

import "gonum.org/v1/gonum/stat"

// BTCCorrelation is the rolling Pearson correlation between a symbol's
// closes and BTC's closes over the trailing window (96 bars of 15m
// data by convention).
// It is best-effort: the trailing window of each series is used, so the
// lengths may differ; a series shorter than window, a window <= 1, or
// a NaN result (e.g. zero variance) yields false.
func BTCCorrelation(symbolCloses, btcCloses []float64, window int) (float64, bool) {
	if window <= 1 || len(symbolCloses) < window || len(btcCloses) < window {
		return 0, false
	}
	a := symbolCloses[len(symbolCloses)-window:]
	b := btcCloses[len(btcCloses)-window:]
	corr := stat.Correlation(a, b, nil)
	if corr != corr { // NaN guard, e.g. zero-variance window
		return 0, false
	}
	return corr, true
}
