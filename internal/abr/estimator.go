package abr

import "time"

// bandwidthEstimator is an exponentially-weighted moving average over
// completed transfers, in bits per second. The smoothing factor follows
// the hand-rolled pattern used elsewhere in the corpus for moving averages
// over instantaneous samples (no ready-made EWMA package is pulled in
// anywhere in the pack; this mirrors that convention rather than inventing
// a dependency for three lines of arithmetic).
type bandwidthEstimator struct {
	alpha   float64
	value   float64
	primed  bool
}

func newBandwidthEstimator(alpha float64) *bandwidthEstimator {
	return &bandwidthEstimator{alpha: alpha}
}

// addEstimate folds in one completed transfer's throughput sample.
func (e *bandwidthEstimator) addEstimate(durationSec float64, sizeBytes int64) {
	if durationSec <= 0 {
		return
	}
	inst := float64(sizeBytes) / durationSec * 8 // bits/sec
	if !e.primed {
		e.value = inst
		e.primed = true
		return
	}
	e.value = e.alpha*inst + (1-e.alpha)*e.value
}

// estimate returns the current bandwidth estimate in bits/sec, or 0 if no
// sample has ever been folded in.
func (e *bandwidthEstimator) estimate() float64 {
	return e.value
}

// seed sets the starting value used before any real sample has been folded
// in, letting a caller hint an initial bitrate instead of starting cold at
// zero. A no-op once a real sample has arrived.
func (e *bandwidthEstimator) seed(bitsPerSec float64) {
	if e.primed {
		return
	}
	e.value = bitsPerSec
}

func (e *bandwidthEstimator) hasSample() bool {
	return e.primed
}

// pendingRequest tracks one in-flight fetch the chooser has been told about.
type pendingRequest struct {
	time             float64 // segment start time, seconds
	duration         float64 // segment duration, seconds
	requestTimestamp time.Time

	bytesSoFar   int64
	lastProgress time.Time
}

// projectedBandwidth returns bytesSoFar / elapsed-since-start, in bits/sec,
// the "live estimator" used to pre-empt stalls on slow in-flight requests.
func (p *pendingRequest) projectedBandwidth(now time.Time) (float64, bool) {
	elapsed := now.Sub(p.requestTimestamp).Seconds()
	if elapsed <= 0 || p.bytesSoFar <= 0 {
		return 0, false
	}
	return float64(p.bytesSoFar) / elapsed * 8, true
}

// halfDurationElapsed reports whether this request has been outstanding
// for more than half its segment's duration — the threshold at which its
// projected bandwidth is eligible to override the EWMA estimate.
func (p *pendingRequest) halfDurationElapsed(now time.Time) bool {
	if p.duration <= 0 {
		return false
	}
	return now.Sub(p.requestTimestamp).Seconds() > p.duration/2
}
