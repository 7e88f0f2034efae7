package manifest

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bufferengine/internal/models"
)

const templateMPD = `<?xml version="1.0"?>
<MPD type="dynamic" minimumUpdatePeriod="PT8S" availabilityStartTime="1970-01-01T00:00:00Z">
  <Period id="p0" start="PT0S">
    <BaseURL>3/</BaseURL>
    <AdaptationSet id="1" contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="90000" startNumber="1" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Time$.m4s">
        <SegmentTimeline>
          <S t="0" d="180000" r="2"/>
          <S d="90000"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1000000" bandwidth="1000000" codecs="avc1.64001f" width="1280" height="720"/>
      <Representation id="v500000" bandwidth="500000" codecs="avc1.64001e" width="640" height="360"/>
    </AdaptationSet>
  </Period>
</MPD>`

const listMPD = `<?xml version="1.0"?>
<MPD type="static">
  <Period id="p0">
    <AdaptationSet id="2" contentType="audio" mimeType="audio/mp4">
      <Representation id="a128000" bandwidth="128000" codecs="mp4a.40.2">
        <SegmentList timescale="1" duration="4">
          <Initialization sourceURL="init.mp4"/>
          <SegmentURL media="seg1.m4s"/>
          <SegmentURL media="seg2.m4s"/>
        </SegmentList>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParseMPD_Template(t *testing.T) {
	var mpd MPD
	require.NoError(t, xml.Unmarshal([]byte(templateMPD), &mpd))

	assert.Equal(t, "dynamic", mpd.Type)
	assert.True(t, mpd.IsLive())
	require.Len(t, mpd.Periods, 1)

	period := mpd.Periods[0]
	assert.Equal(t, "3/", period.BaseURL)
	require.Len(t, period.Sets, 1)

	as := period.Sets[0]
	assert.Equal(t, "video", as.resolvedContentType())
	require.Len(t, as.Representations, 2)
	require.NotNil(t, as.SegmentTemplate)

	timeline := as.SegmentTemplate.Timeline.Segments
	require.Len(t, timeline, 2)
	assert.EqualValues(t, 0, timeline[0].T)
	assert.True(t, timeline[0].THasSet)
	assert.EqualValues(t, 180000, timeline[0].D)
	assert.EqualValues(t, 2, timeline[0].R)
	assert.False(t, timeline[1].THasSet)
}

func TestBuild_TemplateIndex(t *testing.T) {
	var mpd MPD
	require.NoError(t, xml.Unmarshal([]byte(templateMPD), &mpd))

	m, err := Build(&mpd, "https://cdn.example.com/live/manifest.mpd", nil)
	require.NoError(t, err)
	require.Len(t, m.Adaptations, 1)

	ad := m.Adaptations[0]
	assert.Equal(t, models.MediaVideo, ad.Type)
	require.Len(t, ad.Representations, 2)

	rep := ad.RepresentationByID("v1000000")
	require.NotNil(t, rep)
	assert.Equal(t, 1000000, rep.Bitrate)
	require.NotNil(t, rep.Init)
	assert.Contains(t, rep.Init.MediaTemplate, "v1000000/init.mp4")
	assert.Contains(t, rep.Init.MediaTemplate, "cdn.example.com/live/3/")

	segs, err := rep.Index.GetSegments(0, 3)
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	assert.Contains(t, segs[0].MediaTemplate, "v1000000/")
	assert.NotContains(t, segs[0].MediaTemplate, "$RepresentationID$")
	assert.NotContains(t, segs[0].MediaTemplate, "$Time$")
}

func TestBuild_ListIndex(t *testing.T) {
	var mpd MPD
	require.NoError(t, xml.Unmarshal([]byte(listMPD), &mpd))

	m, err := Build(&mpd, "https://cdn.example.com/vod/manifest.mpd", nil)
	require.NoError(t, err)
	require.Len(t, m.Adaptations, 1)

	ad := m.Adaptations[0]
	assert.Equal(t, models.MediaAudio, ad.Type)
	rep := ad.RepresentationByID("a128000")
	require.NotNil(t, rep)
	require.NotNil(t, rep.Init)
	assert.Equal(t, "https://cdn.example.com/vod/init.mp4", rep.Init.MediaTemplate)

	segs, err := rep.Index.GetSegments(0, 100)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "https://cdn.example.com/vod/seg1.m4s", segs[0].MediaTemplate)
	assert.Equal(t, "https://cdn.example.com/vod/seg2.m4s", segs[1].MediaTemplate)
	assert.EqualValues(t, 0, segs[0].Time)
	assert.EqualValues(t, 4, segs[1].Time)
}

func TestManifest_RefreshMergesNewSegments(t *testing.T) {
	var mpd MPD
	require.NoError(t, xml.Unmarshal([]byte(templateMPD), &mpd))

	m, err := Build(&mpd, "https://cdn.example.com/live/manifest.mpd", nil)
	require.NoError(t, err)

	// A republished MPD with one additional timeline entry downstream of
	// the original, simulating a live manifest refresh.
	const refreshed = `<?xml version="1.0"?>
<MPD type="dynamic" minimumUpdatePeriod="PT8S">
  <Period id="p0" start="PT0S">
    <BaseURL>3/</BaseURL>
    <AdaptationSet id="1" contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="90000" startNumber="1" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Time$.m4s">
        <SegmentTimeline>
          <S t="0" d="180000" r="2"/>
          <S d="90000" r="1"/>
          <S d="180000"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1000000" bandwidth="1000000" codecs="avc1.64001f" width="1280" height="720"/>
      <Representation id="v500000" bandwidth="500000" codecs="avc1.64001e" width="640" height="360"/>
    </AdaptationSet>
  </Period>
</MPD>`

	var freshMPD MPD
	require.NoError(t, xml.Unmarshal([]byte(refreshed), &freshMPD))
	fresh, err := Build(&freshMPD, "https://cdn.example.com/live/manifest.mpd", nil)
	require.NoError(t, err)

	added, err := m.Refresh(fresh, nil)
	require.NoError(t, err)
	assert.Greater(t, added, 0)

	rep := m.AdaptationByID("1").RepresentationByID("v1000000")
	last, ok := rep.Index.(segmentInfoAdder).GetLastPosition()
	require.True(t, ok)
	assert.Greater(t, last, 5.0)
}
