package sink

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemSink_AppendTracksBufferedRange(t *testing.T) {
	s := NewMemSink()
	err := s.Append(context.Background(), []byte("data"), 0, 4, 1000)
	require.NoError(t, err)

	r, ok := s.Buffered().GetRange(2)
	require.True(t, ok)
	assert.Equal(t, 1000, r.Bitrate)
	assert.Equal(t, 0.0, r.Start)
	assert.Equal(t, 4.0, r.End)
}

func TestMemSink_RemoveClearsRange(t *testing.T) {
	s := NewMemSink()
	require.NoError(t, s.Append(context.Background(), nil, 0, 10, 1000))
	require.NoError(t, s.Remove(context.Background(), 2, 4))

	_, ok := s.Buffered().GetRange(3)
	assert.False(t, ok)
	r, ok := s.Buffered().GetRange(1)
	require.True(t, ok)
	assert.Equal(t, 0.0, r.Start)
}

func TestMemSink_UpdatingReflectsOutstandingMutation(t *testing.T) {
	s := NewMemSink()
	assert.False(t, s.Updating())

	require.NoError(t, s.beginMutation())
	assert.True(t, s.Updating())
	s.endMutation()
	assert.False(t, s.Updating())
}

func TestMemSink_ConcurrentMutationRejected(t *testing.T) {
	s := NewMemSink()
	require.NoError(t, s.beginMutation())
	defer s.endMutation()

	err := s.Append(context.Background(), nil, 0, 1, 1)
	assert.ErrorIs(t, err, ErrAlreadyUpdating)
}

func TestMemSink_AppendRespectsContextCancellation(t *testing.T) {
	s := NewMemSink()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Append(ctx, nil, 0, 1, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Updating(), "mutation flag must clear even on cancellation")
}

func TestMemSink_SerializesMutationsAcrossGoroutines(t *testing.T) {
	s := NewMemSink()
	var wg sync.WaitGroup
	var successes, rejections int32
	var mu sync.Mutex

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Append(context.Background(), nil, float64(i), 1, 1000)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else {
				rejections++
			}
		}(i)
	}
	wg.Wait()
	// beginMutation/endMutation bracket each Append entirely, so every
	// goroutine either fully completes before the next starts, or (rare
	// race window) sees ErrAlreadyUpdating. Either way none are lost.
	assert.Equal(t, int32(8), successes+rejections)
}
