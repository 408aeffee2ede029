package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticBars builds n bars of a gently trending series with enough
// variance for every indicator to warm up.
func syntheticBars(n int) (high, low, close, volume []float64) {
	high = make([]float64, n)
	low = make([]float64, n)
	close = make([]float64, n)
	volume = make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100 + float64(i)*0.5 + 3*math.Sin(float64(i)/5)
		close[i] = base
		high[i] = base + 1.5
		low[i] = base - 1.5
		volume[i] = 1000 + 200*math.Sin(float64(i)/3)
	}
	return
}

func TestComputeRequiresWarmup(t *testing.T) {
	high, low, close, volume := syntheticBars(30)
	_, ok := Compute(high, low, close, volume)
	assert.False(t, ok, "30 bars is below the EMA55 warm-up")
}

func TestComputeProducesFiniteFeatures(t *testing.T) {
	high, low, close, volume := syntheticBars(120)
	set, ok := Compute(high, low, close, volume)
	require.True(t, ok)

	for name, v := range set.Features() {
		assert.False(t, math.IsNaN(v), "feature %s is NaN", name)
		assert.False(t, math.IsInf(v, 0), "feature %s is Inf", name)
	}
	assert.Greater(t, set.EMA21, 0.0)
	assert.Greater(t, set.EMA55, 0.0)
	assert.Greater(t, set.VolRatio, 0.0)
}

func TestSqueezeReleased(t *testing.T) {
	assert.True(t, SqueezeReleased(Set{SqueezeOn: true}, Set{SqueezeOn: false}))
	assert.False(t, SqueezeReleased(Set{SqueezeOn: false}, Set{SqueezeOn: false}))
	assert.False(t, SqueezeReleased(Set{SqueezeOn: true}, Set{SqueezeOn: true}))
	assert.False(t, SqueezeReleased(Set{SqueezeOn: false}, Set{SqueezeOn: true}))
}

func TestMomentumCrossedUp(t *testing.T) {
	assert.True(t, MomentumCrossedUp(Set{Momentum: -0.5}, Set{Momentum: 0.3}))
	assert.True(t, MomentumCrossedUp(Set{Momentum: 0}, Set{Momentum: 0.1}))
	assert.False(t, MomentumCrossedUp(Set{Momentum: 0.1}, Set{Momentum: 0.3}))
	assert.False(t, MomentumCrossedUp(Set{Momentum: -0.5}, Set{Momentum: -0.1}))
}

func TestBTCCorrelation(t *testing.T) {
	a := make([]float64, 96)
	b := make([]float64, 96)
	for i := range a {
		a[i] = float64(i) + math.Sin(float64(i))
		b[i] = 2*float64(i) + 2*math.Sin(float64(i)) // perfectly correlated
	}

	corr, ok := BTCCorrelation(a, b, 96)
	require.True(t, ok)
	assert.InDelta(t, 1.0, corr, 1e-9)

	_, ok = BTCCorrelation(a[:10], b, 96)
	assert.False(t, ok, "short window must be best-effort false")
}

func TestFeaturesCoverFeatureOrder(t *testing.T) {
	corr := 0.5
	set := Set{BTCCorr: &corr}
	features := set.Features()
	for _, name := range FeatureOrder {
		_, ok := features[name]
		assert.True(t, ok, "feature order entry %s missing from Features()", name)
	}
}
