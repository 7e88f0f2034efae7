// Package api exposes the buffer engine's control plane over HTTP: runtime
// stats, bitrate setters, a WebSocket event feed, and Prometheus metrics.
// It depends only on internal/models, internal/buffer and internal/events so internal/engine
// can satisfy EngineLookup without api importing engine back.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"bufferengine/internal/buffer"
	"bufferengine/internal/events"
	"bufferengine/internal/models"
)

// Stats is the snapshot returned by GET /engine/{id}/stats.
type Stats struct {
	BufferedRanges map[models.MediaType][]buffer.Interval `json:"bufferedRanges"`
	CurrentBitrate map[models.MediaType]int               `json:"currentBitrate"`
	QueueDepth     map[models.MediaType]int               `json:"queueDepth"`
}

// EngineHandle is the subset of internal/engine.Engine this package needs.
// Declared locally to avoid api->engine->api import cycle.
type EngineHandle interface {
	Stats() Stats
	SetManualBitrate(mt models.MediaType, bitrate int) error
	SetMaxAutoBitrate(mt models.MediaType, bitrate int) error
	Subscribe(ctx context.Context) (<-chan events.Event, func())
}

// EngineLookup resolves an engine instance id to its handle, e.g. a
// SessionManager keyed by channel/session id.
type EngineLookup interface {
	Get(id string) (EngineHandle, bool)
}

// API is the chi-routed HTTP surface.
type API struct {
	engines EngineLookup
	metrics *Metrics
	log     *slog.Logger
	upgrade websocket.Upgrader
}

// New builds the router. log may be nil (defaults to slog.Default()).
func New(engines EngineLookup, metrics *Metrics, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	a := &API{
		engines: engines,
		metrics: metrics,
		log:     log,
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/metrics", a.handleMetrics)
	r.Route("/engine/{id}", func(r chi.Router) {
		r.Get("/stats", a.handleStats)
		r.Get("/events", a.handleEvents)
		r.Post("/bitrate/{mediaType}", a.handleSetManualBitrate)
		r.Post("/max-bitrate/{mediaType}", a.handleSetMaxAutoBitrate)
	})

	return r
}

func (a *API) engine(w http.ResponseWriter, r *http.Request) (EngineHandle, bool) {
	id := chi.URLParam(r, "id")
	eng, ok := a.engines.Get(id)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown engine %q", id), http.StatusNotFound)
		return nil, false
	}
	return eng, true
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	eng, ok := a.engine(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(eng.Stats()); err != nil {
		a.log.Error("api: encoding stats failed", "error", err)
	}
}

type bitrateRequest struct {
	Bitrate int `json:"bitrate"`
}

func (a *API) handleSetManualBitrate(w http.ResponseWriter, r *http.Request) {
	eng, ok := a.engine(w, r)
	if !ok {
		return
	}
	mt := models.MediaType(chi.URLParam(r, "mediaType"))
	var body bitrateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := eng.SetManualBitrate(mt, body.Bitrate); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetMaxAutoBitrate(w http.ResponseWriter, r *http.Request) {
	eng, ok := a.engine(w, r)
	if !ok {
		return
	}
	mt := models.MediaType(chi.URLParam(r, "mediaType"))
	var body bitrateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := eng.SetMaxAutoBitrate(mt, body.Bitrate); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if a.metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	a.metrics.Handler().ServeHTTP(w, r)
}

// handleEvents upgrades the connection and fans out every event the engine
// emits (segment loads, precondition failures, out-of-index signals,
// representation switches, fatal errors) until the client disconnects.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	eng, ok := a.engine(w, r)
	if !ok {
		return
	}

	conn, err := a.upgrade.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("api: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, unsubscribe := eng.Subscribe(ctx)
	defer unsubscribe()

	// Detect client-initiated close without blocking the write side.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := conn.WriteJSON(eventDTOFrom(ev)); err != nil {
				a.log.Debug("api: websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// eventDTO is the JSON shape sent over the events WebSocket; it drops the
// Representation pointer down to the fields a player-side listener needs.
type eventDTO struct {
	Kind          events.Kind      `json:"kind"`
	MediaType     models.MediaType `json:"mediaType"`
	Bitrate       int              `json:"bitrate,omitempty"`
	SegmentID     string           `json:"segmentId,omitempty"`
	AddedSegments int              `json:"addedSegments,omitempty"`
	Error         string           `json:"error,omitempty"`
}

func eventDTOFrom(ev events.Event) eventDTO {
	dto := eventDTO{Kind: ev.Kind, MediaType: ev.MediaType, AddedSegments: ev.AddedSegments}
	if ev.Representation != nil {
		dto.Bitrate = ev.Representation.Bitrate
	}
	if ev.Segment != nil {
		dto.SegmentID = ev.Segment.ID
	}
	if ev.Err != nil {
		dto.Error = ev.Err.Error()
	}
	return dto
}
