package flowcontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFirstSampleSeedsEstimate(t *testing.T) {
	var e RTTEstimator
	e.Observe(40 * time.Millisecond)

	assert.InDelta(t, 0.040, e.SmoothedRTT(), 1e-9)
	assert.InDelta(t, 0.020, e.Variance(), 1e-9)
}

func TestEWMAUpdate(t *testing.T) {
	var e RTTEstimator
	e.Observe(40 * time.Millisecond)
	e.Observe(80 * time.Millisecond)

	// error = 0.040: srtt += 0.125*0.040, rttvar += 0.25*(0.040-0.020)
	assert.InDelta(t, 0.045, e.SmoothedRTT(), 1e-9)
	assert.InDelta(t, 0.025, e.Variance(), 1e-9)
}

func TestZeroSampleIsValid(t *testing.T) {
	var e RTTEstimator
	e.Observe(0)
	assert.Equal(t, 0.0, e.SmoothedRTT())
	assert.Equal(t, 0.0, e.Variance())

	// A later real sample still moves the estimate.
	e.Observe(16 * time.Millisecond)
	assert.InDelta(t, 0.002, e.SmoothedRTT(), 1e-9)
}

func TestTimeoutFloor(t *testing.T) {
	var e RTTEstimator
	assert.Equal(t, time.Second, e.Timeout())

	e.Observe(10 * time.Millisecond)
	// srtt + 4*rttvar = 10ms + 20ms, still under the 1s floor.
	assert.Equal(t, time.Second, e.Timeout())
}

func TestTimeoutAboveFloor(t *testing.T) {
	var e RTTEstimator
	e.Observe(400 * time.Millisecond)

	// 0.4 + 4*0.2 = 1.2s
	assert.InDelta(t, 1.2, e.Timeout().Seconds(), 1e-6)
}
