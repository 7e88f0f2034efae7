package timeline

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"bufferengine/internal/models"
)

// RawEntry mirrors one <S t="" d="" r=""/> element of a DASH
// SegmentTimeline before normalization. TSSpecified distinguishes "t
// omitted, continue from previous" from an explicit t=0.
type RawEntry struct {
	TS          int64
	TSSpecified bool
	D           int64 // -1 means open-ended ("live, extends to next update")
	R           int64 // repeat count; negative means "repeat until next ts or period end"
}

// entry is the normalized, internal representation: R is always >= 0
// except on the very last entry, where -1 means "open, caller/to-bounded".
type entry struct {
	ts int64
	d  int64
	r  int64
}

// unboundedRepeat is returned by resolveRepeat when an entry's repeat count
// cannot be determined without a caller-supplied upper bound.
const unboundedRepeat = int64(math.MaxInt64)

// NormalizeEntries converts raw, possibly-open-ended timeline entries into
// the strictly-increasing, finite-repeat form the invariants require,
// except that the final entry may still carry r = -1 ("repeat until next ts
// or period end") when there is no following entry to bound it against.
func NormalizeEntries(raw []RawEntry) []entry {
	out := make([]entry, 0, len(raw))
	var cursor int64
	for i, re := range raw {
		ts := cursor
		if re.TSSpecified {
			ts = re.TS
		}
		e := entry{ts: ts, d: re.D, r: re.R}
		if e.r < 0 && e.d > 0 {
			// Resolve against the next raw entry's start time, if any.
			if i+1 < len(raw) {
				next := raw[i+1]
				nextTS := ts + e.d // fallback if next.ts is unspecified
				if next.TSSpecified {
					nextTS = next.TS
				}
				span := nextTS - ts
				if span > 0 {
					e.r = int64(math.Ceil(float64(span)/float64(e.d))) - 1
					if e.r < 0 {
						e.r = 0
					}
				} else {
					e.r = 0
				}
			}
			// else: leave e.r negative; it is the open, to-bounded last entry.
		}
		if e.r < 0 {
			e.r = -1
		}
		out = append(out, e)
		if e.d > 0 {
			cursor = ts + (e.r+1)*e.d
		} else {
			cursor = ts
		}
	}
	return out
}

// TemplateTimelineIndex is the live-friendly, run-length encoded timeline
// variant: an ordered sequence of {ts, d, r} entries plus the addressing
// template used to build segment URLs/ids.
type TemplateTimelineIndex struct {
	mu sync.RWMutex

	entries                []entry
	timescale              int64
	media                  string
	startNumber            int64
	presentationTimeOffset int64
	repID                  string

	logger debugLogger
}

// debugLogger is satisfied by logger.Logger; declared narrowly here to
// avoid an import cycle and to let callers pass nil for "no logging".
type debugLogger interface {
	Debugf(format string, v ...interface{})
}

// NewTemplateTimelineIndex builds an index from raw entries, which it
// normalizes with NormalizeEntries, and the SegmentTemplate addressing info.
func NewTemplateTimelineIndex(raw []RawEntry, timescale, startNumber, presentationTimeOffset int64, media, repID string, log debugLogger) *TemplateTimelineIndex {
	return &TemplateTimelineIndex{
		entries:                NormalizeEntries(raw),
		timescale:              timescale,
		media:                  media,
		startNumber:            startNumber,
		presentationTimeOffset: presentationTimeOffset,
		repID:                  repID,
		logger:                 log,
	}
}

func (t *TemplateTimelineIndex) debugf(format string, v ...interface{}) {
	if t.logger != nil {
		t.logger.Debugf(format, v...)
	}
}

func (t *TemplateTimelineIndex) toTicks(sec float64) int64 {
	return int64(math.Round(sec*float64(t.timescale))) - t.presentationTimeOffset
}

func (t *TemplateTimelineIndex) toSeconds(ticks int64) float64 {
	if t.timescale == 0 {
		return 0
	}
	return float64(ticks+t.presentationTimeOffset) / float64(t.timescale)
}

// resolveRepeat returns the finite repeat count for entries[idx], resolving
// an open ("-1") repeat against toTicks when idx is the last entry.
func (t *TemplateTimelineIndex) resolveRepeat(idx int64, toTicks int64) int64 {
	e := t.entries[idx]
	if e.r >= 0 {
		return e.r
	}
	if e.d <= 0 {
		return 0
	}
	span := toTicks - e.ts
	if span <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(span)/float64(e.d))) - 1
}

// floorEntry returns the index of the greatest entry with ts <= tick, or -1.
func (t *TemplateTimelineIndex) floorEntry(tick int64) int64 {
	n := len(t.entries)
	idx := sort.Search(n, func(i int) bool { return t.entries[i].ts > tick }) - 1
	return int64(idx)
}

func (t *TemplateTimelineIndex) cumulativeCountBefore(idx int64) int64 {
	var count int64
	for i := int64(0); i < idx; i++ {
		count += t.resolveRepeat(i, t.entries[i].ts) + 1
	}
	return count
}

// GetSegments returns every segment reference overlapping [upSec, toSec).
func (t *TemplateTimelineIndex) GetSegments(upSec, toSec float64) ([]models.SegmentRef, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.entries) == 0 {
		return nil, ErrOutOfIndex
	}

	upTicks := t.toTicks(upSec)
	toTicks := t.toTicks(toSec)

	if upTicks < t.entries[0].ts {
		return nil, ErrOutOfIndex
	}

	floor := t.floorEntry(upTicks)
	if floor < 0 {
		return nil, ErrOutOfIndex
	}

	var refs []models.SegmentRef
	var lastFiniteDuration int64

	for idx := floor; idx < int64(len(t.entries)); idx++ {
		e := t.entries[idx]

		if e.d == -1 {
			// Open-ended "live" placeholder: one pending reference, emitted
			// only if it could plausibly still be within [up, to).
			if e.ts+lastFiniteDuration < toTicks {
				refs = append(refs, t.buildRef(idx, 0, e.ts))
			}
			break
		}

		repeat := t.resolveRepeat(idx, toTicks)
		kStart := int64(0)
		if e.ts < upTicks && e.d > 0 {
			kStart = (upTicks - e.ts) / e.d
			if kStart < 0 {
				kStart = 0
			}
		}
		for k := kStart; k <= repeat; k++ {
			start := e.ts + k*e.d
			if start >= toTicks {
				break
			}
			refs = append(refs, t.buildRef(idx, k, start))
		}
		lastFiniteDuration = e.d
	}

	return refs, nil
}

func (t *TemplateTimelineIndex) buildRef(entryIdx, k, startOverride int64) models.SegmentRef {
	e := t.entries[entryIdx]
	start := e.ts + k*e.d
	if e.d == -1 {
		start = startOverride
	}
	number := t.startNumber + t.cumulativeCountBefore(entryIdx) + k

	duration := e.d
	media := strings.Replace(t.media, "$RepresentationID$", t.repID, 1)
	media = strings.Replace(media, "$Time$", strconv.FormatInt(start, 10), 1)
	media = strings.Replace(media, "$Number$", strconv.FormatInt(number, 10), 1)

	return models.SegmentRef{
		ID:            fmt.Sprintf("%s/%d", t.repID, start),
		Time:          start,
		Duration:      duration,
		Number:        number,
		Timescale:     t.timescale,
		MediaTemplate: media,
	}
}

// ShouldRefresh reports whether the timeline does not extend to toSec.
func (t *TemplateTimelineIndex) ShouldRefresh(timeSec, upSec, toSec float64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.entries) == 0 {
		return true
	}
	lastEnd := t.rangeEndTicks(int64(len(t.entries)) - 1)
	return t.toSeconds(lastEnd) < toSec
}

// rangeEndTicks returns the tick at which entries[idx]'s coverage ends. An
// open-ended (d=-1) or open-repeat (r=-1) entry collapses to its own start,
// since its true extent is unknown without a caller-supplied bound.
func (t *TemplateTimelineIndex) rangeEndTicks(idx int64) int64 {
	e := t.entries[idx]
	if e.d == -1 || e.r == -1 {
		return e.ts
	}
	return e.ts + (e.r+1)*e.d
}

// GetFirstPosition returns the earliest representable time, in seconds.
func (t *TemplateTimelineIndex) GetFirstPosition() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return 0, false
	}
	return t.toSeconds(t.entries[0].ts), true
}

// GetLastPosition returns the latest representable time, in seconds.
func (t *TemplateTimelineIndex) GetLastPosition() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return 0, false
	}
	last := int64(len(t.entries)) - 1
	return t.toSeconds(t.rangeEndTicks(last)), true
}

// CheckDiscontinuity returns the start time (seconds) of the next entry iff
// timeSec lies within the last tick of the current entry and the next
// entry does not continue seamlessly from it; -1 if there is no gap.
func (t *TemplateTimelineIndex) CheckDiscontinuity(timeSec float64) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if timeSec <= 0 || len(t.entries) == 0 {
		return -1
	}

	tick := t.toTicks(timeSec)
	idx := t.floorEntry(tick)
	if idx < 0 || idx+1 >= int64(len(t.entries)) {
		return -1
	}

	e := t.entries[idx]
	if e.d <= 0 {
		return -1
	}
	repeat := t.resolveRepeat(idx, tick+e.d)
	lastOccurrenceStart := e.ts + repeat*e.d
	lastOccurrenceEnd := lastOccurrenceStart + e.d
	if tick < lastOccurrenceStart || tick >= lastOccurrenceEnd {
		return -1 // not within the final tick of this entry
	}

	next := t.entries[idx+1]
	expectedNext := e.ts + (repeat+1)*e.d
	if next.ts == expectedNext {
		return -1
	}
	return t.toSeconds(next.ts)
}

// AddSegmentInfos mutates the timeline for live content, per the two modes
// described in the buffer engine's timeline contract: deduction-from-
// duration (when newSeg shares currentSeg's start time) and plain append.
func (t *TemplateTimelineIndex) AddSegmentInfos(newSeg models.SegmentRef, currentSeg *models.SegmentRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) == 0 {
		t.entries = append(t.entries, entry{ts: newSeg.Time, d: newSeg.Duration, r: 0})
		return true
	}

	if currentSeg != nil && newSeg.Time == currentSeg.Time {
		return t.deduceDuration(newSeg, *currentSeg)
	}
	return t.appendSegment(newSeg)
}

func (t *TemplateTimelineIndex) deduceDuration(newSeg models.SegmentRef, currentSeg models.SegmentRef) bool {
	lastIdx := int64(len(t.entries)) - 1
	last := t.entries[lastIdx]

	deducedDuration := newSeg.Duration
	deducedEnd := currentSeg.Time + deducedDuration

	tsDiff := deducedEnd - last.ts
	if tsDiff <= 0 {
		t.debugf("timeline: deduced end %d behind current last entry start %d, ignoring", deducedEnd, last.ts)
		return false
	}

	if lastIdx-1 >= 0 {
		prev := &t.entries[lastIdx-1]
		if prev.d == deducedDuration {
			prev.r++
			t.entries = t.entries[:lastIdx]
			t.entries = append(t.entries, entry{ts: deducedEnd, d: -1, r: 0})
			t.debugf("timeline: deduced duration %d matches previous entry, merged (r=%d)", deducedDuration, prev.r)
			return true
		}
	}

	t.entries[lastIdx].d = deducedDuration
	t.entries[lastIdx].r = 0
	t.entries = append(t.entries, entry{ts: deducedEnd, d: -1, r: 0})
	t.debugf("timeline: deduced duration %d for entry at %d, appended new open entry at %d", deducedDuration, last.ts, deducedEnd)
	return true
}

func (t *TemplateTimelineIndex) appendSegment(newSeg models.SegmentRef) bool {
	lastIdx := int64(len(t.entries)) - 1
	last := t.entries[lastIdx]
	lastEnd := t.rangeEndTicks(lastIdx)

	if newSeg.Time < lastEnd {
		return false
	}

	if last.d == newSeg.Duration && last.d > 0 {
		t.entries[lastIdx].r++
		return true
	}

	t.entries = append(t.entries, entry{ts: newSeg.Time, d: newSeg.Duration, r: 0})
	return true
}

var _ Index = (*TemplateTimelineIndex)(nil)
