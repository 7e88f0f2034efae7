// Package manifest parses DASH Media Presentation Descriptions and builds
// the engine's Adaptation/Representation/Index model from them.
package manifest

import (
	"encoding/xml"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MPD is the root element of a Media Presentation Description.
type MPD struct {
	XMLName               xml.Name `xml:"MPD"`
	Type                  string   `xml:"type,attr"` // "static" or "dynamic"
	Profiles              string   `xml:"profiles,attr"`
	MinimumUpdatePeriod   string   `xml:"minimumUpdatePeriod,attr"`
	TimeShiftBufferDepth  string   `xml:"timeShiftBufferDepth,attr"`
	AvailabilityStartTime string   `xml:"availabilityStartTime,attr"`
	PublishTime           string   `xml:"publishTime,attr"`
	MaxSegmentDuration    string   `xml:"maxSegmentDuration,attr"`
	MinBufferTime         string   `xml:"minBufferTime,attr"`
	Periods               []Period `xml:"Period"`
}

// IsLive reports whether the MPD describes a dynamic (live) presentation.
func (m *MPD) IsLive() bool {
	return m.Type == "dynamic"
}

// GetMinimumUpdatePeriod returns MinimumUpdatePeriod as a time.Duration.
func (m *MPD) GetMinimumUpdatePeriod() (time.Duration, error) {
	if m.MinimumUpdatePeriod == "" {
		return 0, nil
	}
	return parseDuration(m.MinimumUpdatePeriod)
}

// parseDuration parses an ISO 8601 duration string like "PT8S".
func parseDuration(duration string) (time.Duration, error) {
	if !strings.HasPrefix(duration, "PT") {
		return time.ParseDuration(duration)
	}

	duration = strings.TrimPrefix(duration, "PT")
	if duration == "" {
		return 0, nil
	}

	var total time.Duration
	re := regexp.MustCompile(`(\d+\.?\d*)(\w)`)
	matches := re.FindAllStringSubmatch(duration, -1)
	if len(matches) == 0 {
		return 0, errors.New("manifest: invalid ISO 8601 duration format")
	}

	for _, match := range matches {
		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, err
		}
		switch match[2] {
		case "H":
			total += time.Duration(value * float64(time.Hour))
		case "M":
			total += time.Duration(value * float64(time.Minute))
		case "S":
			total += time.Duration(value * float64(time.Second))
		default:
			return 0, errors.New("manifest: unsupported duration unit: " + match[2])
		}
	}
	return total, nil
}

// Period represents a media content period.
type Period struct {
	ID      string          `xml:"id,attr"`
	Start   string          `xml:"start,attr"`
	BaseURL string          `xml:"BaseURL"`
	Sets    []AdaptationSet `xml:"AdaptationSet"`
}

// GetStart returns the Period's start time as a time.Duration.
func (p *Period) GetStart() (time.Duration, error) {
	if p.Start == "" {
		return 0, nil
	}
	return parseDuration(p.Start)
}

// AdaptationSet represents a set of interchangeable representations.
type AdaptationSet struct {
	ID               string           `xml:"id,attr"`
	ContentType      string           `xml:"contentType,attr"`
	Lang             string           `xml:"lang,attr,omitempty"`
	MimeType         string           `xml:"mimeType,attr"`
	SegmentAlignment bool             `xml:"segmentAlignment,attr"`
	StartWithSAP     int              `xml:"startWithSAP,attr"`
	MaxWidth         int              `xml:"maxWidth,attr,omitempty"`
	MaxHeight        int              `xml:"maxHeight,attr,omitempty"`
	Representations  []Representation `xml:"Representation"`
	SegmentTemplate  *SegmentTemplate `xml:"SegmentTemplate"`
	SegmentList      *SegmentList     `xml:"SegmentList"`
}

// resolvedContentType maps MimeType/ContentType onto the engine's closed
// MediaType enum, preferring the explicit contentType attribute.
func (as *AdaptationSet) resolvedContentType() string {
	if as.ContentType != "" {
		return as.ContentType
	}
	if idx := strings.IndexByte(as.MimeType, '/'); idx > 0 {
		return as.MimeType[:idx]
	}
	return as.MimeType
}

// Representation represents a specific media stream.
type Representation struct {
	ID                     string           `xml:"id,attr"`
	Bandwidth              int              `xml:"bandwidth,attr"`
	Codecs                 string           `xml:"codecs,attr"`
	Width                  int              `xml:"width,attr,omitempty"`
	Height                 int              `xml:"height,attr,omitempty"`
	FrameRate              string           `xml:"frameRate,attr,omitempty"`
	AudioSamplingRate      int              `xml:"audioSamplingRate,attr,omitempty"`
	PresentationTimeOffset uint64           `xml:"presentationTimeOffset,attr,omitempty"`
	SegmentTemplate        *SegmentTemplate `xml:"SegmentTemplate"`
	SegmentList            *SegmentList     `xml:"SegmentList"`
}

// SegmentTemplate defines the URL structure for segments addressed by
// $Time$/$Number$, either explicitly timed (SegmentTimeline present) or
// fixed-duration (Duration attribute, no timeline).
type SegmentTemplate struct {
	Timescale              int64           `xml:"timescale,attr"`
	Duration               int64           `xml:"duration,attr,omitempty"`
	StartNumber            int64           `xml:"startNumber,attr"`
	PresentationTimeOffset int64           `xml:"presentationTimeOffset,attr,omitempty"`
	Initialization         string          `xml:"initialization,attr"`
	Media                  string          `xml:"media,attr"`
	Timeline               SegmentTimeline `xml:"SegmentTimeline"`
}

// SegmentTimeline defines the explicit {t,d,r} timeline of segments.
type SegmentTimeline struct {
	Segments []S `xml:"S"`
}

// S represents one <S t="" d="" r=""/> run of the SegmentTimeline.
type S struct {
	T       uint64 `xml:"t,attr"`
	THasSet bool   `xml:"-"`
	D       int64  `xml:"d,attr"`
	R       int64  `xml:"r,attr,omitempty"`
}

// UnmarshalXML captures whether t was actually present in the source
// element, since "t omitted" (continue from the previous entry's end) and
// "t=0" are distinct per the DASH spec.
func (s *S) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	type raw struct {
		T *uint64 `xml:"t,attr"`
		D int64   `xml:"d,attr"`
		R int64   `xml:"r,attr,omitempty"`
	}
	var r raw
	if err := d.DecodeElement(&r, &start); err != nil {
		return err
	}
	s.D = r.D
	s.R = r.R
	if r.T != nil {
		s.T = *r.T
		s.THasSet = true
	}
	return nil
}

// SegmentList enumerates segments explicitly by URL rather than by
// addressing template, the DASH SegmentList addressing mode.
type SegmentList struct {
	Timescale      int64        `xml:"timescale,attr"`
	Duration       int64        `xml:"duration,attr,omitempty"`
	Initialization *URLType     `xml:"Initialization"`
	SegmentURLs    []SegmentURL `xml:"SegmentURL"`
}

// SegmentURL is one enumerated entry of a SegmentList.
type SegmentURL struct {
	Media      string `xml:"media,attr"`
	MediaRange string `xml:"mediaRange,attr,omitempty"`
}

// URLType is a bare sourceURL reference, used for SegmentList's
// Initialization element.
type URLType struct {
	SourceURL string `xml:"sourceURL,attr"`
}
