// Package models holds the data types shared across the buffer engine's
// components: media types, representations, adaptations, and segment
// references. These are immutable once a manifest has been loaded, except
// where the timeline they carry is explicitly mutated for live content.
package models

// MediaType is the closed set of media kinds the engine schedules.
type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
	MediaText  MediaType = "text"
	MediaImage MediaType = "image"
)

// Valid reports whether m is one of the four recognized media types.
func (m MediaType) Valid() bool {
	switch m {
	case MediaVideo, MediaAudio, MediaText, MediaImage:
		return true
	}
	return false
}

// ByteRange is an inclusive byte span within a segment's resource, used for
// representations addressed by range requests into a single file.
type ByteRange struct {
	Start uint64
	End   uint64
}

// SegmentRef identifies one fetchable unit of a representation's timeline.
// Time and Duration are expressed in Timescale ticks; real time in seconds
// is Time/Timescale.
type SegmentRef struct {
	ID            string
	Time          int64
	Duration      int64 // -1 means open-ended (live, not yet terminated)
	Number        int64
	ByteRange     *ByteRange
	IsInit        bool
	Timescale     int64
	MediaTemplate string
}

// TimeSeconds returns the segment's start time in seconds.
func (s SegmentRef) TimeSeconds() float64 {
	if s.Timescale == 0 {
		return 0
	}
	return float64(s.Time) / float64(s.Timescale)
}

// DurationSeconds returns the segment's duration in seconds, or -1 if open-ended.
func (s SegmentRef) DurationSeconds() float64 {
	if s.Duration < 0 {
		return -1
	}
	if s.Timescale == 0 {
		return 0
	}
	return float64(s.Duration) / float64(s.Timescale)
}

// TimelineIndex is implemented by internal/timeline; declared here to avoid
// an import cycle between models and the representations it decorates.
type TimelineIndex interface {
	GetSegments(upSec, toSec float64) ([]SegmentRef, error)
}

// Representation is one selectable quality within an Adaptation. It is
// immutable after manifest load: the Index it carries may still be mutated
// in place for live content (see timeline.Index.AddSegmentInfos), but the
// Representation struct itself is never replaced.
type Representation struct {
	ID      string
	Bitrate int
	Width   int // 0 means unknown/not applicable
	Height  int
	Codec   string
	Index   TimelineIndex
	Init    *SegmentRef // prepended by the scheduler on the first iteration after (re)subscribing
}

// TextInitPolicy controls whether a text adaptation requires an init
// segment before its first media segment, mirroring subtitle formats that
// are either self-contained (WebVTT) or need container setup (TTML in MP4).
type TextInitPolicy int

const (
	TextInitNone TextInitPolicy = iota
	TextInitRequired
)

// Adaptation is a set of interchangeable Representations of one MediaType
// within one Period.
type Adaptation struct {
	ID              string
	Type            MediaType
	Lang            string
	Representations []*Representation
	TextInitPolicy  TextInitPolicy // meaningful only when Type == MediaText
}

// RepresentationByID returns the representation with the given id, or nil.
func (a *Adaptation) RepresentationByID(id string) *Representation {
	for _, r := range a.Representations {
		if r.ID == id {
			return r
		}
	}
	return nil
}
