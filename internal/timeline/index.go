// Package timeline resolves playback time to concrete segment references.
// It implements the two timeline variants of the buffer engine's data
// model: an explicitly enumerated list index, and a compact run-length
// encoded template-with-timeline index for live content.
package timeline

import (
	"errors"

	"bufferengine/internal/models"
)

// ErrOutOfIndex is raised when a query falls outside the representable
// range of the index (e.g. before the first entry, with no preceding
// period to resolve it against).
var ErrOutOfIndex = errors.New("timeline: time out of index range")

// Index is the common surface both timeline variants implement. One Index
// is owned by exactly one Representation.
type Index interface {
	// GetSegments returns every segment reference overlapping [upSec, toSec).
	GetSegments(upSec, toSec float64) ([]models.SegmentRef, error)

	// ShouldRefresh reports whether the index does not yet extend to toSec,
	// meaning the owning manifest should be refreshed.
	ShouldRefresh(timeSec, upSec, toSec float64) bool

	// GetFirstPosition returns the earliest representable time, in seconds.
	GetFirstPosition() (float64, bool)

	// GetLastPosition returns the latest representable time, in seconds.
	GetLastPosition() (float64, bool)

	// CheckDiscontinuity returns the start time (seconds) of the next
	// timeline entry if timeSec sits at the end of a known entry and the
	// following entry does not pick up where this one ends; -1 otherwise.
	CheckDiscontinuity(timeSec float64) float64

	// AddSegmentInfos mutates the timeline for live content. It returns
	// true iff the timeline changed; applying the same (newSeg, currentSeg)
	// pair twice must return true then false, with an unchanged timeline
	// after the second call.
	AddSegmentInfos(newSeg models.SegmentRef, currentSeg *models.SegmentRef) bool
}

var _ models.TimelineIndex = Index(nil)
