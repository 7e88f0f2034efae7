// Package events defines the buffer engine's event taxonomy. The
// in-process bus that fans events out to subscribers lives in
// internal/engine, and the WebSocket feed for external observers in
// internal/api.
package events

import (
	"bufferengine/internal/models"
)

// Kind identifies an event's type for consumers that only care about a
// subset of the taxonomy (e.g. the HTTP API's /events stream).
type Kind string

const (
	KindLoaded               Kind = "loaded"
	KindPreconditionFailed   Kind = "preconditionFailed"
	KindOutOfIndex           Kind = "outOfIndex"
	KindRepresentationSwitch Kind = "representationSwitch"
	KindGCReclaim            Kind = "gcReclaim"
	KindFatal                Kind = "fatal"
)

// Event is the payload carried on the bus. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind           Kind
	MediaType      models.MediaType
	Representation *models.Representation
	Segment        *models.SegmentRef
	AddedSegments  int
	Err            error
}

// Loaded builds a KindLoaded event.
func Loaded(mt models.MediaType, rep *models.Representation, seg models.SegmentRef, added int) Event {
	return Event{Kind: KindLoaded, MediaType: mt, Representation: rep, Segment: &seg, AddedSegments: added}
}

// PreconditionFailed builds a KindPreconditionFailed event.
func PreconditionFailed(mt models.MediaType, err error) Event {
	return Event{Kind: KindPreconditionFailed, MediaType: mt, Err: err}
}

// OutOfIndex builds a KindOutOfIndex event.
func OutOfIndex(mt models.MediaType, err error) Event {
	return Event{Kind: KindOutOfIndex, MediaType: mt, Err: err}
}

// RepresentationSwitch builds a KindRepresentationSwitch event.
func RepresentationSwitch(mt models.MediaType, rep *models.Representation) Event {
	return Event{Kind: KindRepresentationSwitch, MediaType: mt, Representation: rep}
}

// GCReclaim builds a KindGCReclaim event, reporting how many spans the
// garbage collector reclaimed on a QuotaExceeded retry.
func GCReclaim(mt models.MediaType, spans int) Event {
	return Event{Kind: KindGCReclaim, MediaType: mt, AddedSegments: spans}
}

// Fatal builds a KindFatal event.
func Fatal(mt models.MediaType, err error) Event {
	return Event{Kind: KindFatal, MediaType: mt, Err: err}
}
