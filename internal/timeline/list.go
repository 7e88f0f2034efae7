package timeline

import (
	"sort"
	"sync"

	"bufferengine/internal/models"
)

// ListIndex implements Index over an explicitly enumerated, ordered
// sequence of segment references — the DASH SegmentList addressing mode.
// It is always on-demand: AddSegmentInfos only supports the append path
// since an enumerated list has no open-ended placeholder to deduce into.
type ListIndex struct {
	mu   sync.RWMutex
	segs []models.SegmentRef
}

// NewListIndex builds a list index from an already-ordered, non-overlapping
// slice of segment references.
func NewListIndex(segs []models.SegmentRef) *ListIndex {
	out := make([]models.SegmentRef, len(segs))
	copy(out, segs)
	return &ListIndex{segs: out}
}

func (l *ListIndex) GetSegments(upSec, toSec float64) ([]models.SegmentRef, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.segs) == 0 {
		return nil, ErrOutOfIndex
	}
	if toSec <= l.segs[0].TimeSeconds() && upSec < l.segs[0].TimeSeconds() {
		return nil, ErrOutOfIndex
	}

	start := sort.Search(len(l.segs), func(i int) bool {
		end := l.segs[i].TimeSeconds() + l.segs[i].DurationSeconds()
		return end > upSec
	})

	var refs []models.SegmentRef
	for i := start; i < len(l.segs); i++ {
		if l.segs[i].TimeSeconds() >= toSec {
			break
		}
		refs = append(refs, l.segs[i])
	}
	return refs, nil
}

func (l *ListIndex) ShouldRefresh(timeSec, upSec, toSec float64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.segs) == 0 {
		return true
	}
	last := l.segs[len(l.segs)-1]
	return last.TimeSeconds()+last.DurationSeconds() < toSec
}

func (l *ListIndex) GetFirstPosition() (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.segs) == 0 {
		return 0, false
	}
	return l.segs[0].TimeSeconds(), true
}

func (l *ListIndex) GetLastPosition() (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.segs) == 0 {
		return 0, false
	}
	last := l.segs[len(l.segs)-1]
	return last.TimeSeconds() + last.DurationSeconds(), true
}

// CheckDiscontinuity always reports no gap: an enumerated list has no
// implicit repeat structure that can drift from its successor.
func (l *ListIndex) CheckDiscontinuity(timeSec float64) float64 {
	return -1
}

// AddSegmentInfos only supports appending a new trailing segment; list
// indexes have no open-ended placeholder to deduce a duration into.
func (l *ListIndex) AddSegmentInfos(newSeg models.SegmentRef, currentSeg *models.SegmentRef) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.segs) == 0 {
		l.segs = append(l.segs, newSeg)
		return true
	}
	last := l.segs[len(l.segs)-1]
	lastEnd := last.Time + last.Duration
	if newSeg.Time < lastEnd {
		return false
	}
	l.segs = append(l.segs, newSeg)
	return true
}

var _ Index = (*ListIndex)(nil)
