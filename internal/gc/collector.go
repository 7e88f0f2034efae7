// Package gc implements the buffer engine's garbage collector: reclaiming
// buffered space on the media sink's QuotaExceeded error, the same
// trigger-then-sweep shape the pack's segment cache uses for eviction, but
// driven synchronously by the scheduler rather than a ticker, since it
// only ever runs in response to a specific failure.
package gc

import (
	"context"

	"bufferengine/internal/buffer"
	"bufferengine/internal/logger"
)

const (
	// GapCalm is tried first: a wide, conservative symmetric window around
	// the playhead, reclaiming only clearly distant regions.
	GapCalm = 240.0
	// GapBeefy is tried only if GapCalm reclaims nothing.
	GapBeefy = 30.0
)

// Remover is the subset of the sink capability set the collector needs.
type Remover interface {
	Remove(ctx context.Context, start, end float64) error
}

// Collector reclaims buffered space around the current playhead.
type Collector struct {
	log logger.Logger
}

// New builds a Collector. A nil Logger gets a no-op logger.
func New(log logger.Logger) *Collector {
	if log == nil {
		log = logger.Nop()
	}
	return &Collector{log: log}
}

// Plan describes one candidate [start, end) span to reclaim.
type Plan struct {
	Start float64
	End   float64
}

// ComputePlan returns the spans to reclaim for playhead ts given the
// buffered range map, trying GapCalm first and falling back to GapBeefy
// only if GapCalm has nothing to reclaim.
func (c *Collector) ComputePlan(ranges *buffer.Map, ts float64) []Plan {
	plan := computePlanForGap(ranges, ts, GapCalm)
	if len(plan) > 0 {
		return plan
	}
	return computePlanForGap(ranges, ts, GapBeefy)
}

func computePlanForGap(ranges *buffer.Map, ts, gap float64) []Plan {
	var plan []Plan

	lowerBound := ts - gap
	upperBound := ts + gap

	for _, r := range ranges.GetOuterRanges(ts) {
		if r.End <= lowerBound || r.Start >= upperBound {
			plan = append(plan, Plan{Start: r.Start, End: r.End})
		}
	}

	if inner, ok := ranges.GetRange(ts); ok {
		if inner.Start < lowerBound {
			plan = append(plan, Plan{Start: inner.Start, End: lowerBound})
		}
		if inner.End > upperBound {
			plan = append(plan, Plan{Start: upperBound, End: inner.End})
		}
	}

	return plan
}

// Collect computes a reclaim plan and issues the Remove calls on sink
// serially, per the engine's single-outstanding-mutation discipline.
func (c *Collector) Collect(ctx context.Context, ranges *buffer.Map, ts float64, sink Remover) (int, error) {
	plan := c.ComputePlan(ranges, ts)
	if len(plan) == 0 {
		c.log.Debugf("gc: nothing to reclaim at ts=%.3f even at beefy gap", ts)
		return 0, nil
	}

	reclaimed := 0
	for _, p := range plan {
		if err := sink.Remove(ctx, p.Start, p.End); err != nil {
			return reclaimed, err
		}
		ranges.Remove(p.Start, p.End)
		reclaimed++
	}
	c.log.Infof("gc: reclaimed %d span(s) around playhead %.3f", reclaimed, ts)
	return reclaimed, nil
}
