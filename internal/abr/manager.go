package abr

import (
	"sync"

	"bufferengine/internal/logger"
	"bufferengine/internal/models"
)

// Manager owns one Chooser per media type, so that video and audio (and any
// other type present in the manifest) estimate bandwidth and select
// representations independently rather than sharing a single throughput
// signal.
type Manager struct {
	mu       sync.Mutex
	log      logger.Logger
	choosers map[models.MediaType]*Chooser
}

// NewManager returns an empty Manager. Choosers are created lazily on first
// access, one per distinct media type seen.
func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		log:      log,
		choosers: make(map[models.MediaType]*Chooser),
	}
}

// Chooser returns the Chooser for mediaType, creating it on first access.
func (m *Manager) Chooser(mediaType models.MediaType) *Chooser {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.choosers[mediaType]
	if !ok {
		c = NewChooser(m.log)
		m.choosers[mediaType] = c
	}
	return c
}

// SetManualBitrate pins mediaType's chooser to bitrate, or to automatic
// selection if bitrate is negative.
func (m *Manager) SetManualBitrate(mediaType models.MediaType, bitrate int) {
	m.Chooser(mediaType).SetManualBitrate(bitrate)
}

// SetMaxAutoBitrate caps mediaType's automatic selection.
func (m *Manager) SetMaxAutoBitrate(mediaType models.MediaType, bitrate int) {
	m.Chooser(mediaType).SetMaxAutoBitrate(bitrate)
}

// SetThrottle caps every known chooser's automatic selection, used when
// playback is throttled globally (e.g. the page went to background).
func (m *Manager) SetThrottle(t float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.choosers {
		c.SetThrottle(t)
	}
}
