package flowcontrol

import "time"

// EWMA gains from RFC 6298.
const (
	rttAlpha = 0.125
	rttBeta  = 0.25
)

// minRTO is the floor for the computed retransmission timeout.
const minRTO = time.Second

// RTTEstimator maintains a smoothed round-trip-time estimate and its variance
// from raw samples. The zero value is ready to use; the first sample seeds
// both the estimate and the variance.
//
// The estimator is not safe for concurrent use on its own; the Controller
// that owns it serializes access.
type RTTEstimator struct {
	smoothed  float64 // seconds
	variance  float64 // seconds
	hasSample bool
}

// Observe feeds one round-trip sample into the estimator. A zero sample is
// valid (the destination may be effectively local).
func (e *RTTEstimator) Observe(sample time.Duration) {
	if sample < 0 {
		sample = 0
	}
	s := sample.Seconds()
	if !e.hasSample {
		e.smoothed = s
		e.variance = s / 2
		e.hasSample = true
		return
	}
	err := s - e.smoothed
	e.smoothed += rttAlpha * err
	if err < 0 {
		err = -err
	}
	e.variance += rttBeta * (err - e.variance)
}

// SmoothedRTT returns the current smoothed estimate in seconds.
func (e *RTTEstimator) SmoothedRTT() float64 { return e.smoothed }

// Variance returns the current variance estimate in seconds.
func (e *RTTEstimator) Variance() float64 { return e.variance }

// Timeout returns SRTT + 4*RTTVAR, floored at one second. The 4x variance
// multiplier absorbs jitter before a timeout is declared.
func (e *RTTEstimator) Timeout() time.Duration {
	rto := time.Duration((e.smoothed + 4*e.variance) * float64(time.Second))
	if rto < minRTO {
		return minRTO
	}
	return rto
}
