package manifest

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"bufferengine/internal/logger"
	"bufferengine/internal/models"
	"bufferengine/internal/timeline"
)

// Manifest is the engine's built view of an MPD: adaptations ready to be
// handed to Schedulers, plus the live-refresh metadata needed to re-fetch
// and merge it.
type Manifest struct {
	LocationURL         string
	IsLive              bool
	MinimumUpdatePeriod time.Duration
	Adaptations         []*models.Adaptation

	mu sync.Mutex

	// lastMerged tracks, per representation id, the last segment ref this
	// manifest merged into its index — the currentSeg argument AddSegmentInfos
	// needs to tell a duration deduction from a plain append on refresh.
	lastMerged map[string]*models.SegmentRef
}

// AdaptationByID returns the adaptation with the given id, or nil.
func (m *Manifest) AdaptationByID(id string) *models.Adaptation {
	for _, a := range m.Adaptations {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Build converts a parsed MPD into a Manifest, resolving every segment
// addressing template against locationURL and the period's BaseURL. Only
// the first Period is built: multi-period timelines are a manifest
// refresh concern (a new Period appearing in a live MPD), not a single
// Build call's.
func Build(mpd *MPD, locationURL string, log logger.Logger) (*Manifest, error) {
	if log == nil {
		log = logger.Nop()
	}
	if len(mpd.Periods) == 0 {
		return nil, fmt.Errorf("manifest: MPD has no periods")
	}

	minUpdate, err := mpd.GetMinimumUpdatePeriod()
	if err != nil {
		return nil, fmt.Errorf("manifest: parsing minimumUpdatePeriod: %w", err)
	}

	base, err := url.Parse(locationURL)
	if err != nil {
		return nil, fmt.Errorf("manifest: parsing location URL %q: %w", locationURL, err)
	}

	period := &mpd.Periods[0]
	periodBase := base
	if period.BaseURL != "" {
		periodBase, err = resolveURL(base, period.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("manifest: resolving period BaseURL: %w", err)
		}
	}

	var adaptations []*models.Adaptation
	for i := range period.Sets {
		as := &period.Sets[i]
		adaptation, err := buildAdaptation(as, periodBase, log)
		if err != nil {
			return nil, err
		}
		adaptations = append(adaptations, adaptation)
	}

	return &Manifest{
		LocationURL:         locationURL,
		IsLive:              mpd.IsLive(),
		MinimumUpdatePeriod: minUpdate,
		Adaptations:         adaptations,
		lastMerged:          make(map[string]*models.SegmentRef),
	}, nil
}

func buildAdaptation(as *AdaptationSet, base *url.URL, log logger.Logger) (*models.Adaptation, error) {
	mt := mapMediaType(as.resolvedContentType())
	adaptation := &models.Adaptation{
		ID:   as.ID,
		Type: mt,
		Lang: as.Lang,
	}
	if mt == models.MediaText {
		adaptation.TextInitPolicy = models.TextInitRequired
	}

	for i := range as.Representations {
		rep := &as.Representations[i]
		built, err := buildRepresentation(as, rep, base, log)
		if err != nil {
			return nil, fmt.Errorf("manifest: representation %s: %w", rep.ID, err)
		}
		adaptation.Representations = append(adaptation.Representations, built)
	}
	return adaptation, nil
}

func mapMediaType(contentType string) models.MediaType {
	switch strings.ToLower(contentType) {
	case "audio":
		return models.MediaAudio
	case "video":
		return models.MediaVideo
	case "text", "application":
		return models.MediaText
	case "image":
		return models.MediaImage
	default:
		return models.MediaVideo
	}
}

func buildRepresentation(as *AdaptationSet, rep *Representation, base *url.URL, log logger.Logger) (*models.Representation, error) {
	tmpl := rep.SegmentTemplate
	if tmpl == nil {
		tmpl = as.SegmentTemplate
	}
	segList := rep.SegmentList
	if segList == nil {
		segList = as.SegmentList
	}

	out := &models.Representation{
		ID:      rep.ID,
		Bitrate: rep.Bandwidth,
		Width:   rep.Width,
		Height:  rep.Height,
		Codec:   rep.Codecs,
	}

	switch {
	case tmpl != nil:
		idx, initRef, err := buildTemplateIndex(tmpl, rep.ID, base, log)
		if err != nil {
			return nil, err
		}
		out.Index = idx
		out.Init = initRef
	case segList != nil:
		idx, initRef, err := buildListIndex(segList, rep.ID, base)
		if err != nil {
			return nil, err
		}
		out.Index = idx
		out.Init = initRef
	default:
		return nil, fmt.Errorf("no SegmentTemplate or SegmentList")
	}

	return out, nil
}

func buildTemplateIndex(tmpl *SegmentTemplate, repID string, base *url.URL, log logger.Logger) (*timeline.TemplateTimelineIndex, *models.SegmentRef, error) {
	media, err := resolveTemplate(base, tmpl.Media)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving media template: %w", err)
	}

	startNumber := tmpl.StartNumber
	if startNumber == 0 {
		startNumber = 1
	}

	var raw []timeline.RawEntry
	if len(tmpl.Timeline.Segments) > 0 {
		for _, s := range tmpl.Timeline.Segments {
			raw = append(raw, timeline.RawEntry{
				TS:          int64(s.T),
				TSSpecified: s.THasSet,
				D:           s.D,
				R:           s.R,
			})
		}
	} else if tmpl.Duration > 0 {
		// Fixed-duration, number-based addressing: one open entry that
		// extends indefinitely until a refresh narrows it down.
		raw = append(raw, timeline.RawEntry{D: tmpl.Duration, R: -1})
	} else {
		return nil, nil, fmt.Errorf("SegmentTemplate has neither SegmentTimeline nor duration")
	}

	idx := timeline.NewTemplateTimelineIndex(raw, tmpl.Timescale, startNumber, tmpl.PresentationTimeOffset, media, repID, log)

	var initRef *models.SegmentRef
	if tmpl.Initialization != "" {
		initURL, err := resolveTemplate(base, tmpl.Initialization)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving initialization template: %w", err)
		}
		initURL = strings.Replace(initURL, "$RepresentationID$", repID, 1)
		initRef = &models.SegmentRef{
			ID:            repID + "/init",
			IsInit:        true,
			Timescale:     tmpl.Timescale,
			MediaTemplate: initURL,
		}
	}

	return idx, initRef, nil
}

func buildListIndex(list *SegmentList, repID string, base *url.URL) (*timeline.ListIndex, *models.SegmentRef, error) {
	timescale := list.Timescale
	if timescale == 0 {
		timescale = 1
	}

	segs := make([]models.SegmentRef, 0, len(list.SegmentURLs))
	var cursor int64
	for i, su := range list.SegmentURLs {
		resolved, err := resolveURL(base, su.Media)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving SegmentURL %q: %w", su.Media, err)
		}
		segs = append(segs, models.SegmentRef{
			ID:            fmt.Sprintf("%s/%d", repID, i),
			Time:          cursor,
			Duration:      list.Duration,
			Number:        int64(i),
			Timescale:     timescale,
			MediaTemplate: resolved.String(),
		})
		cursor += list.Duration
	}

	idx := timeline.NewListIndex(segs)

	var initRef *models.SegmentRef
	if list.Initialization != nil && list.Initialization.SourceURL != "" {
		resolved, err := resolveURL(base, list.Initialization.SourceURL)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving list initialization: %w", err)
		}
		initRef = &models.SegmentRef{
			ID:            repID + "/init",
			IsInit:        true,
			Timescale:     timescale,
			MediaTemplate: resolved.String(),
		}
	}

	return idx, initRef, nil
}

// resolveTemplate resolves a $-templated path against base without losing
// the template placeholders, which url.Parse treats as opaque path text.
func resolveTemplate(base *url.URL, tmpl string) (string, error) {
	resolved, err := resolveURL(base, tmpl)
	if err != nil {
		return "", err
	}
	return resolved.String(), nil
}

func resolveURL(base *url.URL, ref string) (*url.URL, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", ref, err)
	}
	return base.ResolveReference(parsed), nil
}
