package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bufferengine/internal/logger"
	"bufferengine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_FetchSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("segment-bytes"))
	}))
	defer srv.Close()

	p := New(Options{Workers: 2}, logger.Nop())
	tasks := []Task{{Segment: models.SegmentRef{ID: "s1"}, URL: srv.URL}}

	_, results := p.Fetch(context.Background(), tasks)
	res := <-results
	require.NoError(t, res.Err)
	assert.Equal(t, "segment-bytes", string(res.Data))
}

func TestPipeline_412IsPreconditionFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	p := New(Options{Workers: 1}, logger.Nop())
	tasks := []Task{{Segment: models.SegmentRef{ID: "s1"}, URL: srv.URL}}

	_, results := p.Fetch(context.Background(), tasks)
	res := <-results
	require.Error(t, res.Err)
	assert.True(t, IsPreconditionFailed(res.Err))
}

func TestPipeline_500ExhaustsRetriesAsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(Options{Workers: 1}, logger.Nop())
	tasks := []Task{{Segment: models.SegmentRef{ID: "s1"}, URL: srv.URL}}

	_, results := p.Fetch(context.Background(), tasks)
	res := <-results
	require.Error(t, res.Err)
	assert.True(t, IsFatal(res.Err))
}

func TestPipeline_FetchEmitsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 128*1024))
	}))
	defer srv.Close()

	p := New(Options{Workers: 1}, logger.Nop())
	tasks := []Task{{Segment: models.SegmentRef{ID: "s1"}, URL: srv.URL}}

	progress, results := p.Fetch(context.Background(), tasks)

	var sawProgress bool
	for {
		select {
		case _, ok := <-progress:
			if !ok {
				goto done
			}
			sawProgress = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for progress/results")
		}
	}
done:
	res := <-results
	require.NoError(t, res.Err)
	assert.True(t, sawProgress)
}

func TestPipeline_MultipleTasksAllComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	p := New(Options{Workers: 2}, logger.Nop())
	tasks := []Task{
		{Segment: models.SegmentRef{ID: "s1"}, URL: srv.URL},
		{Segment: models.SegmentRef{ID: "s2"}, URL: srv.URL},
		{Segment: models.SegmentRef{ID: "s3"}, URL: srv.URL},
	}

	_, results := p.Fetch(context.Background(), tasks)
	seen := make(map[string]bool)
	for res := range results {
		require.NoError(t, res.Err)
		seen[res.Segment.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestPipeline_ContextCancellationSurfacesAsError(t *testing.T) {
	p := New(Options{Workers: 1}, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := []Task{{Segment: models.SegmentRef{ID: "s1"}, URL: "http://example.invalid"}}
	_, results := p.Fetch(ctx, tasks)
	res := <-results
	require.Error(t, res.Err)
}
