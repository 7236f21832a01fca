package aqm

import "time"

const (
	defaultInitialRTT = 100 * time.Millisecond
	minimumRTT        = time.Millisecond
)

// rttEstimator is the classic mean/deviation smoother (RFC 6298).
type rttEstimator struct {
	smoothed    time.Duration
	deviation   time.Duration
	latest      time.Duration
	initialized bool
}

func newRTTEstimator(initial time.Duration) rttEstimator {
	if initial <= 0 {
		initial = defaultInitialRTT
	}
	return rttEstimator{
		smoothed:  initial,
		deviation: initial / 2,
	}
}

func (r *rttEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}
	r.latest = sample
	if !r.initialized {
		r.smoothed = sample
		r.deviation = sample / 2
		r.initialized = true
		return
	}
	delta := r.smoothed - sample
	if delta < 0 {
		delta = -delta
	}
	r.deviation = (3*r.deviation + delta) / 4
	r.smoothed = (7*r.smoothed + sample) / 8
}

// RTT returns the current smoothed estimate.
func (r *rttEstimator) RTT() time.Duration {
	if r.smoothed < minimumRTT {
		return minimumRTT
	}
	return r.smoothed
}

func (r *rttEstimator) Deviation() time.Duration {
	return r.deviation
}
