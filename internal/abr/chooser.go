// Package abr implements the Representation Chooser and ABR Manager: one
// chooser per media type, continuously estimating throughput and selecting
// a Representation under user-imposed ceilings and viewport constraints.
package abr

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"bufferengine/internal/clock"
	"bufferengine/internal/logger"
	"bufferengine/internal/models"

	"github.com/google/uuid"
)

// stabilityWindow is the minimum time a candidate must remain the stable
// pick before a no-op re-evaluation is allowed to re-emit it.
const stabilityWindow = 2 * time.Second

const ewmaAlpha = 0.3

// ProgressSample describes bytes received for a pending request so far.
type ProgressSample struct {
	Size      int64
	Timestamp time.Time
}

// PendingRequestInfo is supplied when a request begins.
type PendingRequestInfo struct {
	Time             float64 // segment start, seconds
	Duration         float64 // segment duration, seconds
	RequestTimestamp time.Time
}

// Chooser selects a Representation for one media type, reacting to
// bandwidth estimates, in-flight request progress, and user-imposed
// ceilings. It never fails: degenerate inputs (no representations, no
// bandwidth samples) make it emit the lowest representation.
type Chooser struct {
	mu sync.Mutex

	log logger.Logger

	bandwidth *bandwidthEstimator
	pending   map[uuid.UUID]*pendingRequest

	manualBitrate  int // -1 = disabled
	maxAutoBitrate int // 0 = unlimited
	limitWidth     float64 // +Inf = no limit
	throttle       float64 // +Inf = no throttle

	lastSelection   *models.Representation
	lastEmittedAt   time.Time
	lastCandidateID string
}

// NewChooser creates a Chooser with auto bitrate selection enabled and no
// ceilings in effect.
func NewChooser(log logger.Logger) *Chooser {
	if log == nil {
		log = logger.Nop()
	}
	return &Chooser{
		log:            log,
		bandwidth:      newBandwidthEstimator(ewmaAlpha),
		pending:        make(map[uuid.UUID]*pendingRequest),
		manualBitrate:  -1,
		maxAutoBitrate: 0,
		limitWidth:     math.Inf(1),
		throttle:       math.Inf(1),
	}
}

// AddEstimate feeds a completed transfer into the bandwidth EWMA.
func (c *Chooser) AddEstimate(durationSec float64, sizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bandwidth.addEstimate(durationSec, sizeBytes)
}

// SeedEstimate hints a starting bandwidth (bits/sec) so the first selection
// doesn't default to the lowest representation while waiting on a real
// sample, e.g. from config.EngineOptions' initialAudioBitrate/
// initialVideoBitrate. Ignored once a real sample has been folded in.
func (c *Chooser) SeedEstimate(bitsPerSec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bandwidth.seed(bitsPerSec)
}

// PendingCount returns the number of in-flight requests currently tracked,
// reported by the HTTP API's stats endpoint as the scheduler's queue depth.
func (c *Chooser) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// AddPendingRequest registers an in-flight request so its progress can
// contribute to the emergency down-switch calculation.
func (c *Chooser) AddPendingRequest(id uuid.UUID, info PendingRequestInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = &pendingRequest{
		time:             info.Time,
		duration:         info.Duration,
		requestTimestamp: info.RequestTimestamp,
	}
}

// AddRequestProgress records a progress sample for a pending request.
// Samples must arrive in non-decreasing timestamp order per request;
// out-of-order samples are ignored, not fatal.
func (c *Chooser) AddRequestProgress(id uuid.UUID, sample ProgressSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return
	}
	if !p.lastProgress.IsZero() && sample.Timestamp.Before(p.lastProgress) {
		c.log.Warnf("abr: out-of-order progress for request %s, ignoring", id)
		return
	}
	p.bytesSoFar = sample.Size
	p.lastProgress = sample.Timestamp
}

// RemovePendingRequest removes a request from the registry once it has
// completed, errored, or been cancelled.
func (c *Chooser) RemovePendingRequest(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		c.log.Warnf("abr: removePendingRequest called for unknown request %s", id)
		return
	}
	delete(c.pending, id)
}

// SetManualBitrate pins the selection to the highest representation with
// bitrate <= bitrate, or the lowest if none qualifies. -1 disables the
// override and returns to automatic selection.
func (c *Chooser) SetManualBitrate(bitrate int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manualBitrate = bitrate
}

// SetMaxAutoBitrate caps automatic selection. 0 means unlimited.
func (c *Chooser) SetMaxAutoBitrate(bitrate int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxAutoBitrate = bitrate
}

// SetLimitWidth caps automatic selection to representations whose width is
// at most w. Pass +Inf (or call with math.Inf(1)) to disable.
func (c *Chooser) SetLimitWidth(w float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limitWidth = w
}

// SetThrottle caps automatic selection to bitrate <= t (e.g. when the page
// is hidden). Pass +Inf to disable.
func (c *Chooser) SetThrottle(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttle = t
}

// Get starts emitting the currently-selected representation on the
// returned channel, re-evaluating whenever ticks arrive on clock. The
// channel is closed when ctx is done. Get never fails: it always has a
// representation to offer as long as reps is non-empty.
func (c *Chooser) Get(ctx context.Context, ticks <-chan clock.Tick, reps []*models.Representation) <-chan *models.Representation {
	out := make(chan *models.Representation, 1)
	go func() {
		defer close(out)
		if len(reps) == 0 {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ticks:
				if !ok {
					return
				}
				if sel, emit := c.evaluate(reps); emit {
					select {
					case out <- sel:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

// evaluate runs the six-step selection algorithm and decides whether to
// emit, applying the stability-window debounce.
func (c *Chooser) evaluate(reps []*models.Representation) (*models.Representation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sorted := sortedByBitrate(reps)
	candidate := c.selectLocked(sorted)

	now := time.Now()
	if c.lastSelection == nil {
		c.lastSelection = candidate
		c.lastEmittedAt = now
		c.lastCandidateID = candidate.ID
		return candidate, true
	}

	if candidate.ID != c.lastSelection.ID {
		c.lastSelection = candidate
		c.lastEmittedAt = now
		c.lastCandidateID = candidate.ID
		return candidate, true
	}

	// Same candidate as last emission: only re-emit once the stability
	// window has elapsed and the pick has remained stable across this and
	// the previous evaluation.
	stableAcrossEvals := candidate.ID == c.lastCandidateID
	c.lastCandidateID = candidate.ID
	if stableAcrossEvals && now.Sub(c.lastEmittedAt) > stabilityWindow {
		c.lastEmittedAt = now
		return candidate, true
	}
	return candidate, false
}

func (c *Chooser) selectLocked(sorted []*models.Representation) *models.Representation {
	if len(sorted) == 0 {
		return nil
	}

	if c.manualBitrate >= 0 {
		return pickManual(sorted, c.manualBitrate)
	}

	estimate := c.bandwidth.estimate()
	if worst, found := c.worstCaseProjection(); found && worst < estimate {
		estimate = worst
	}

	ceiling := estimate
	if c.maxAutoBitrate > 0 && float64(c.maxAutoBitrate) < ceiling {
		ceiling = float64(c.maxAutoBitrate)
	}
	if c.throttle < ceiling {
		ceiling = c.throttle
	}

	candidates := filterByBitrate(sorted, ceiling)
	if len(candidates) == 0 {
		return sorted[0] // lowest: degenerate-input fallback
	}

	if !math.IsInf(c.limitWidth, 1) {
		byWidth := filterByWidth(candidates, c.limitWidth)
		if len(byWidth) == 0 {
			// Keep at least the lowest-bitrate candidate.
			byWidth = []*models.Representation{candidates[0]}
		}
		candidates = byWidth
	}

	return candidates[len(candidates)-1] // highest remaining
}

// worstCaseProjection returns the minimum projected effective bandwidth
// among pending requests older than half their segment duration — the
// emergency down-switch signal.
func (c *Chooser) worstCaseProjection() (float64, bool) {
	now := time.Now()
	worst := math.Inf(1)
	found := false
	for _, p := range c.pending {
		if !p.halfDurationElapsed(now) {
			continue
		}
		bw, ok := p.projectedBandwidth(now)
		if !ok {
			continue
		}
		if bw < worst {
			worst = bw
			found = true
		}
	}
	return worst, found
}

func sortedByBitrate(reps []*models.Representation) []*models.Representation {
	out := make([]*models.Representation, len(reps))
	copy(out, reps)
	sort.Slice(out, func(i, j int) bool { return out[i].Bitrate < out[j].Bitrate })
	return out
}

func pickManual(sorted []*models.Representation, manual int) *models.Representation {
	var best *models.Representation
	for _, r := range sorted {
		if r.Bitrate <= manual {
			best = r
		}
	}
	if best != nil {
		return best
	}
	return sorted[0]
}

func filterByBitrate(sorted []*models.Representation, ceiling float64) []*models.Representation {
	var out []*models.Representation
	for _, r := range sorted {
		if float64(r.Bitrate) <= ceiling {
			out = append(out, r)
		}
	}
	return out
}

func filterByWidth(sorted []*models.Representation, limit float64) []*models.Representation {
	var out []*models.Representation
	for _, r := range sorted {
		if r.Width == 0 || float64(r.Width) <= limit {
			out = append(out, r)
		}
	}
	return out
}
