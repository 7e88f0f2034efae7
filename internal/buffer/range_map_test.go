package buffer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_InsertAndGetRange(t *testing.T) {
	m := New()
	m.Insert(1000, 0, 10)
	r, ok := m.GetRange(5)
	require.True(t, ok)
	assert.Equal(t, 1000, r.Bitrate)
	assert.Equal(t, 0.0, r.Start)
	assert.Equal(t, 10.0, r.End)
}

func TestMap_InsertSameBitrateCoalesces(t *testing.T) {
	m := New()
	m.Insert(1000, 0, 10)
	m.Insert(1000, 10, 20)
	ranges := m.Ranges()
	require.Len(t, ranges, 1)
	assert.Equal(t, 0.0, ranges[0].Start)
	assert.Equal(t, 20.0, ranges[0].End)
}

func TestMap_InsertDifferentBitrateSplitsNeighbour(t *testing.T) {
	m := New()
	m.Insert(500, 0, 20)
	m.Insert(2000, 5, 10)

	ranges := m.Ranges()
	require.Len(t, ranges, 3)
	assert.Equal(t, Interval{Start: 0, End: 5, Bitrate: 500}, ranges[0])
	assert.Equal(t, Interval{Start: 5, End: 10, Bitrate: 2000}, ranges[1])
	assert.Equal(t, Interval{Start: 10, End: 20, Bitrate: 500}, ranges[2])
}

func TestMap_SortedAndDisjointUnderInsertSequence(t *testing.T) {
	m := New()
	inserts := []Interval{
		{Start: 20, End: 30, Bitrate: 1},
		{Start: 0, End: 10, Bitrate: 1},
		{Start: 9, End: 21, Bitrate: 2},
		{Start: 5, End: 6, Bitrate: 3},
	}
	for _, iv := range inserts {
		m.Insert(iv.Bitrate, iv.Start, iv.End)
	}
	ranges := m.Ranges()
	for i := 1; i < len(ranges); i++ {
		assert.LessOrEqual(t, ranges[i-1].End, ranges[i].Start, "ranges must be disjoint and sorted")
	}
}

func TestMap_GetOuterRanges(t *testing.T) {
	m := New()
	m.Insert(1, 0, 10)
	m.Insert(1, 20, 30)
	outer := m.GetOuterRanges(25)
	require.Len(t, outer, 1)
	assert.Equal(t, 0.0, outer[0].Start)
}

func TestMap_GetGap(t *testing.T) {
	m := New()
	m.Insert(1, 0, 10)
	assert.Equal(t, 5.0, m.GetGap(5))
	assert.True(t, math.IsInf(m.GetGap(15), 1))
}

func TestMap_HasRange(t *testing.T) {
	m := New()
	m.Insert(1, 0, 10)
	_, ok := m.HasRange(2, 5)
	assert.True(t, ok)
	_, ok = m.HasRange(8, 5)
	assert.False(t, ok)
}

func TestMap_IntersectIdentity(t *testing.T) {
	m := New()
	m.Insert(1, 0, 10)
	m.Insert(2, 20, 30)
	other := New()
	other.Insert(1, 0, 10)
	other.Insert(2, 20, 30)
	m.Intersect(other)
	assert.True(t, m.Equals(other))
}

func TestMap_IntersectEmptyYieldsEmpty(t *testing.T) {
	m := New()
	m.Insert(1, 0, 10)
	m.Intersect(New())
	assert.Empty(t, m.Ranges())
}

func TestMap_IntersectReducesToOverlap(t *testing.T) {
	m := New()
	m.Insert(1, 0, 20)
	other := New()
	other.Insert(9, 5, 15)
	m.Intersect(other)
	ranges := m.Ranges()
	require.Len(t, ranges, 1)
	assert.Equal(t, 5.0, ranges[0].Start)
	assert.Equal(t, 15.0, ranges[0].End)
	assert.Equal(t, 1, ranges[0].Bitrate, "intersect preserves this map's own bitrate tags")
}

func TestMap_Equals_IgnoresBitrate(t *testing.T) {
	a := New()
	a.Insert(1, 0, 10)
	b := New()
	b.Insert(2, 0, 10)
	assert.True(t, a.Equals(b))
}

func TestMap_Remove(t *testing.T) {
	m := New()
	m.Insert(1, 0, 100)
	m.Remove(20, 40)
	ranges := m.Ranges()
	require.Len(t, ranges, 2)
	assert.Equal(t, Interval{Start: 0, End: 20, Bitrate: 1}, ranges[0])
	assert.Equal(t, Interval{Start: 40, End: 100, Bitrate: 1}, ranges[1])
}
