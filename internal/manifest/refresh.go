package manifest

import (
	"errors"
	"fmt"

	"bufferengine/internal/logger"
	"bufferengine/internal/models"
	"bufferengine/internal/timeline"
)

// segmentInfoAdder is satisfied by both timeline.Index implementations;
// declared locally so refresh doesn't need a type assertion to the wider
// timeline.Index interface just to reach AddSegmentInfos and
// GetLastPosition.
type segmentInfoAdder interface {
	AddSegmentInfos(newSeg models.SegmentRef, currentSeg *models.SegmentRef) bool
	GetLastPosition() (float64, bool)
	GetSegments(upSec, toSec float64) ([]models.SegmentRef, error)
}

// Refresh merges newly-discovered segments from fresh into m's existing
// Adaptations/Representations, mutating each matched representation's
// Index in place via AddSegmentInfos rather than replacing it — this is
// what lets a live Scheduler's reference to Representation.Index survive a
// manifest refresh.
// It returns the total number of segments added across every
// representation.
func (m *Manifest) Refresh(fresh *Manifest, log logger.Logger) (int, error) {
	if log == nil {
		log = logger.Nop()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastMerged == nil {
		m.lastMerged = make(map[string]*models.SegmentRef)
	}

	m.MinimumUpdatePeriod = fresh.MinimumUpdatePeriod
	m.IsLive = fresh.IsLive

	total := 0
	for _, dstAd := range m.Adaptations {
		srcAd := fresh.AdaptationByID(dstAd.ID)
		if srcAd == nil {
			continue
		}
		for _, dstRep := range dstAd.Representations {
			srcRep := srcAd.RepresentationByID(dstRep.ID)
			if srcRep == nil {
				continue
			}
			n, err := m.mergeRepresentation(dstRep, srcRep, log)
			if err != nil {
				return total, fmt.Errorf("manifest: merging representation %s: %w", dstRep.ID, err)
			}
			total += n
		}
	}
	return total, nil
}

func (m *Manifest) mergeRepresentation(dst, src *models.Representation, log logger.Logger) (int, error) {
	adder, ok := dst.Index.(segmentInfoAdder)
	if !ok {
		return 0, fmt.Errorf("index does not support live refresh")
	}

	from, ok := adder.GetLastPosition()
	if !ok {
		from = 0
	}

	// GetSegments needs a finite upper bound; the freshly-fetched index's
	// own last position is the furthest anything could usefully query.
	srcIdx, ok := src.Index.(interface{ GetLastPosition() (float64, bool) })
	to := from
	if ok {
		if last, ok := srcIdx.GetLastPosition(); ok && last > to {
			to = last
		}
	}
	if to <= from {
		return 0, nil
	}

	segs, err := src.Index.GetSegments(from, to)
	if err != nil {
		if errors.Is(err, timeline.ErrOutOfIndex) {
			return 0, nil
		}
		return 0, err
	}

	added := 0
	current := m.lastMerged[dst.ID]
	for i := range segs {
		seg := segs[i]
		if adder.AddSegmentInfos(seg, current) {
			added++
			log.Debugf("manifest: merged segment %s into %s (added=%d)", seg.ID, dst.ID, added)
		}
		current = &seg
	}
	if current != nil {
		m.lastMerged[dst.ID] = current
	}
	return added, nil
}
