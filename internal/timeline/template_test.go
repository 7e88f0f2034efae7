package timeline

import (
	"testing"

	"bufferengine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(raw []RawEntry) *TemplateTimelineIndex {
	return NewTemplateTimelineIndex(raw, 1, 0, 0, "$RepresentationID$/$Time$.m4s", "v1", nil)
}

func TestTemplateTimelineIndex_GetSegments_Steady(t *testing.T) {
	idx := newTestIndex([]RawEntry{
		{TS: 0, TSSpecified: true, D: 4, R: 9},
	})
	refs, err := idx.GetSegments(10, 30)
	require.NoError(t, err)
	require.NotEmpty(t, refs)
	assert.Equal(t, int64(8), refs[0].Time) // floor((10-0)/4)=2 -> 8
	for _, r := range refs {
		assert.True(t, r.Time < 30)
	}
	for i := 1; i < len(refs); i++ {
		assert.Greater(t, refs[i].Time, refs[i-1].Time)
	}
}

func TestTemplateTimelineIndex_GetSegments_UniqueIDs(t *testing.T) {
	idx := newTestIndex([]RawEntry{
		{TS: 0, TSSpecified: true, D: 4, R: 9},
	})
	refs, err := idx.GetSegments(0, 40)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, r := range refs {
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
	}
}

func TestTemplateTimelineIndex_OpenEndedLastEntry(t *testing.T) {
	t.Run("single d=-1 entry emits one ref within bound", func(t *testing.T) {
		idx := newTestIndex([]RawEntry{
			{TS: 10, TSSpecified: true, D: -1, R: 0},
		})
		refs, err := idx.GetSegments(10, 20)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, int64(-1), refs[0].Duration)
	})
}

func TestTemplateTimelineIndex_OutOfIndex(t *testing.T) {
	idx := newTestIndex([]RawEntry{
		{TS: 100, TSSpecified: true, D: 4, R: 0},
	})
	_, err := idx.GetSegments(0, 10)
	assert.ErrorIs(t, err, ErrOutOfIndex)
}

func TestTemplateTimelineIndex_CheckDiscontinuity(t *testing.T) {
	idx := newTestIndex([]RawEntry{
		{TS: 0, TSSpecified: true, D: 4, R: 1}, // covers [0,8)
		{TS: 10, TSSpecified: true, D: 4, R: 0},
	})
	assert.Equal(t, -1.0, idx.CheckDiscontinuity(0))
	assert.Equal(t, 10.0, idx.CheckDiscontinuity(6))
}

func TestTemplateTimelineIndex_CheckDiscontinuity_NoGap(t *testing.T) {
	idx := newTestIndex([]RawEntry{
		{TS: 0, TSSpecified: true, D: 4, R: 1}, // covers [0,8)
		{TS: 8, TSSpecified: true, D: 4, R: 0},
	})
	assert.Equal(t, -1.0, idx.CheckDiscontinuity(6))
}

func TestTemplateTimelineIndex_AddSegmentInfos_DeductionIdempotent(t *testing.T) {
	idx := newTestIndex([]RawEntry{
		{TS: 100, TSSpecified: true, D: -1, R: 0},
	})
	newSeg := models.SegmentRef{Time: 100, Duration: 4}
	currentSeg := &models.SegmentRef{Time: 100}

	changed := idx.AddSegmentInfos(newSeg, currentSeg)
	assert.True(t, changed)
	require.Len(t, idx.entries, 2)
	assert.Equal(t, int64(4), idx.entries[0].d)
	assert.Equal(t, int64(104), idx.entries[1].ts)
	assert.Equal(t, int64(-1), idx.entries[1].d)

	before := append([]entry{}, idx.entries...)
	changed = idx.AddSegmentInfos(newSeg, currentSeg)
	assert.False(t, changed)
	assert.Equal(t, before, idx.entries)
}

func TestTemplateTimelineIndex_AddSegmentInfos_MergeIntoPrevious(t *testing.T) {
	idx := newTestIndex([]RawEntry{
		{TS: 90, TSSpecified: true, D: 4, R: 1}, // covers [90,98)
		{TS: 98, TSSpecified: true, D: -1, R: 0},
	})
	newSeg := models.SegmentRef{Time: 98, Duration: 4}
	currentSeg := &models.SegmentRef{Time: 98}

	changed := idx.AddSegmentInfos(newSeg, currentSeg)
	require.True(t, changed)
	require.Len(t, idx.entries, 2)
	assert.Equal(t, int64(2), idx.entries[0].r)
	assert.Equal(t, int64(102), idx.entries[1].ts)
	assert.Equal(t, int64(-1), idx.entries[1].d)
}

func TestTemplateTimelineIndex_AddSegmentInfos_Append(t *testing.T) {
	idx := newTestIndex([]RawEntry{
		{TS: 0, TSSpecified: true, D: 4, R: 0},
	})

	changed := idx.AddSegmentInfos(models.SegmentRef{Time: 4, Duration: 4}, nil)
	assert.True(t, changed)
	require.Len(t, idx.entries, 1)
	assert.Equal(t, int64(1), idx.entries[0].r)

	changed = idx.AddSegmentInfos(models.SegmentRef{Time: 20, Duration: 5}, nil)
	assert.True(t, changed)
	require.Len(t, idx.entries, 2)

	changed = idx.AddSegmentInfos(models.SegmentRef{Time: 1, Duration: 5}, nil)
	assert.False(t, changed)
}

func TestTemplateTimelineIndex_GetFirstLastPosition(t *testing.T) {
	idx := newTestIndex([]RawEntry{
		{TS: 0, TSSpecified: true, D: 4, R: 1},
		{TS: 8, TSSpecified: true, D: 4, R: 0},
	})
	first, ok := idx.GetFirstPosition()
	require.True(t, ok)
	assert.Equal(t, 0.0, first)

	last, ok := idx.GetLastPosition()
	require.True(t, ok)
	assert.Equal(t, 12.0, last)
}

func TestNormalizeEntries_NegativeRepeat(t *testing.T) {
	raw := []RawEntry{
		{TS: 0, TSSpecified: true, D: 4, R: -1},
		{TS: 20, TSSpecified: true, D: 4, R: 0},
	}
	out := NormalizeEntries(raw)
	require.Len(t, out, 2)
	assert.Equal(t, int64(4), out[0].r) // (20-0)/4 - 1 = 4
}
