// Package buffer implements the sorted, disjoint Buffered Range Map: the
// set of media-time intervals already delivered to the sink, each tagged
// with the bitrate at which it was written.
package buffer

import (
	"math"
	"sort"
)

// Interval is a half-open [Start, End) span in seconds.
type Interval struct {
	Start   float64
	End     float64
	Bitrate int
}

// Map is a sorted, disjoint set of Intervals. The zero value is an empty
// map ready to use. It is not safe for concurrent use by multiple
// goroutines without an external lock; callers that share a Map across
// goroutines (the scheduler and the garbage collector both touch the same
// instance) must serialize access themselves, matching the buffer
// engine's single-task-queue concurrency model.
type Map struct {
	ranges []Interval
}

// New returns an empty Buffered Range Map.
func New() *Map {
	return &Map{}
}

// Ranges returns a copy of the current sorted, disjoint interval set.
func (m *Map) Ranges() []Interval {
	out := make([]Interval, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// Insert merges start..end at bitrate into the map. Overlapping or adjacent
// existing intervals are merged in only if they share the same bitrate;
// otherwise they are trimmed or split so the newly inserted range wins on
// overlap (newer inserts dominate).
func (m *Map) Insert(bitrate int, start, end float64) {
	if end <= start {
		return
	}

	var result []Interval
	newIv := Interval{Start: start, End: end, Bitrate: bitrate}

	for _, r := range m.ranges {
		switch {
		case r.End <= start || r.Start >= end:
			// No overlap with the new range at all.
			result = append(result, r)
		case r.Bitrate == bitrate:
			// Same bitrate: absorb into the new range's span.
			if r.Start < newIv.Start {
				newIv.Start = r.Start
			}
			if r.End > newIv.End {
				newIv.End = r.End
			}
		default:
			// Different bitrate: the new range dominates on overlap, so
			// trim or split the old one to whatever falls outside it.
			if r.Start < start {
				result = append(result, Interval{Start: r.Start, End: start, Bitrate: r.Bitrate})
			}
			if r.End > end {
				result = append(result, Interval{Start: end, End: r.End, Bitrate: r.Bitrate})
			}
		}
	}

	result = append(result, newIv)
	sort.Slice(result, func(i, j int) bool { return result[i].Start < result[j].Start })
	m.ranges = coalesce(result)
}

// coalesce merges adjacent (touching) intervals that share a bitrate. The
// input must already be sorted by Start.
func coalesce(sorted []Interval) []Interval {
	if len(sorted) == 0 {
		return sorted
	}
	out := make([]Interval, 0, len(sorted))
	cur := sorted[0]
	for _, r := range sorted[1:] {
		if r.Bitrate == cur.Bitrate && r.Start <= cur.End {
			if r.End > cur.End {
				cur.End = r.End
			}
			continue
		}
		out = append(out, cur)
		cur = r
	}
	out = append(out, cur)
	return out
}

// GetRange returns the interval containing t, if any.
func (m *Map) GetRange(t float64) (Interval, bool) {
	i := m.indexContaining(t)
	if i < 0 {
		return Interval{}, false
	}
	return m.ranges[i], true
}

func (m *Map) indexContaining(t float64) int {
	// Linear scan: range counts are small (bounded by distinct quality
	// switches within the buffer window), so a sorted slice scan is both
	// simpler and, in practice, as fast as a tree for this size.
	for i, r := range m.ranges {
		if t >= r.Start && t < r.End {
			return i
		}
	}
	return -1
}

// GetOuterRanges returns every interval that does not contain t.
func (m *Map) GetOuterRanges(t float64) []Interval {
	var out []Interval
	for _, r := range m.ranges {
		if t < r.Start || t >= r.End {
			out = append(out, r)
		}
	}
	return out
}

// GetGap returns the distance from t to the end of its containing
// interval, or +Inf if t is not covered.
func (m *Map) GetGap(t float64) float64 {
	if r, ok := m.GetRange(t); ok {
		return r.End - t
	}
	return math.Inf(1)
}

// HasRange returns an interval whose span contains [start, start+duration],
// if any.
func (m *Map) HasRange(start, duration float64) (Interval, bool) {
	end := start + duration
	for _, r := range m.ranges {
		if r.Start <= start && r.End >= end {
			return r, true
		}
	}
	return Interval{}, false
}

// Intersect reduces m to its intersection with other, preserving m's own
// bitrate tags on the surviving spans.
func (m *Map) Intersect(other *Map) {
	var result []Interval
	for _, a := range m.ranges {
		for _, b := range other.ranges {
			start := max(a.Start, b.Start)
			end := min(a.End, b.End)
			if start < end {
				result = append(result, Interval{Start: start, End: end, Bitrate: a.Bitrate})
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Start < result[j].Start })
	m.ranges = coalesce(result)
}

// Equals reports whether m and other cover the same spans, ignoring
// bitrate tags.
func (m *Map) Equals(other *Map) bool {
	if len(m.ranges) != len(other.ranges) {
		return false
	}
	for i := range m.ranges {
		if m.ranges[i].Start != other.ranges[i].Start || m.ranges[i].End != other.ranges[i].End {
			return false
		}
	}
	return true
}

// Remove deletes [start, end) from the map, splitting any interval that
// straddles the boundary. Used by the garbage collector to reclaim space.
func (m *Map) Remove(start, end float64) {
	var result []Interval
	for _, r := range m.ranges {
		switch {
		case r.End <= start || r.Start >= end:
			result = append(result, r)
		case r.Start >= start && r.End <= end:
			// fully reclaimed
		default:
			if r.Start < start {
				result = append(result, Interval{Start: r.Start, End: start, Bitrate: r.Bitrate})
			}
			if r.End > end {
				result = append(result, Interval{Start: end, End: r.End, Bitrate: r.Bitrate})
			}
		}
	}
	m.ranges = result
}
