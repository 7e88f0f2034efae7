package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bufferengine/internal/buffer"
	"bufferengine/internal/events"
	"bufferengine/internal/models"
)

type fakeEngine struct {
	stats          Stats
	setManualErr   error
	setMaxAutoErr  error
	lastManual     int
	lastMaxAuto    int
	ch             chan events.Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		stats: Stats{
			BufferedRanges: map[models.MediaType][]buffer.Interval{
				models.MediaVideo: {{Start: 0, End: 10, Bitrate: 1_000_000}},
			},
			CurrentBitrate: map[models.MediaType]int{models.MediaVideo: 1_000_000},
			QueueDepth:     map[models.MediaType]int{models.MediaVideo: 2},
		},
		ch: make(chan events.Event, 4),
	}
}

func (f *fakeEngine) Stats() Stats { return f.stats }

func (f *fakeEngine) SetManualBitrate(mt models.MediaType, bitrate int) error {
	f.lastManual = bitrate
	return f.setManualErr
}

func (f *fakeEngine) SetMaxAutoBitrate(mt models.MediaType, bitrate int) error {
	f.lastMaxAuto = bitrate
	return f.setMaxAutoErr
}

func (f *fakeEngine) Subscribe(ctx context.Context) (<-chan events.Event, func()) {
	return f.ch, func() {}
}

type fakeLookup struct {
	engines map[string]EngineHandle
}

func (f *fakeLookup) Get(id string) (EngineHandle, bool) {
	eng, ok := f.engines[id]
	return eng, ok
}

func newTestRouter() (*fakeEngine, http.Handler) {
	eng := newFakeEngine()
	lookup := &fakeLookup{engines: map[string]EngineHandle{"s1": eng}}
	return eng, New(lookup, NewMetrics(), nil)
}

func TestHandleStats(t *testing.T) {
	_, router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/engine/s1/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1_000_000, got.CurrentBitrate[models.MediaVideo])
}

func TestHandleStats_UnknownEngine(t *testing.T) {
	_, router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/engine/missing/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSetManualBitrate(t *testing.T) {
	eng, router := newTestRouter()

	body, _ := json.Marshal(bitrateRequest{Bitrate: 2_000_000})
	req := httptest.NewRequest(http.MethodPost, "/engine/s1/bitrate/video", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 2_000_000, eng.lastManual)
}

func TestHandleSetMaxAutoBitrate_BadBody(t *testing.T) {
	_, router := newTestRouter()

	req := httptest.NewRequest(http.MethodPost, "/engine/s1/max-bitrate/video", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMetrics(t *testing.T) {
	// Vector metrics only appear in the exposition once a label value has
	// been observed.
	metrics := NewMetrics()
	metrics.ObserveSegmentLoaded("video")
	router := New(&fakeLookup{engines: map[string]EngineHandle{"s1": newFakeEngine()}}, metrics, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bufferengine_")
}
