package engine

import (
	"context"
	"fmt"
	"sync"

	"bufferengine/internal/api"
	"bufferengine/internal/config"
	"bufferengine/internal/logger"
)

// Manager is the engine-instance registry keyed by session id, generalized
// from the teacher's SessionManager. It satisfies api.EngineLookup so
// internal/api can resolve a {id} path param without importing this
// package back.
type Manager struct {
	mu      sync.RWMutex
	log     logger.Logger
	engines map[string]*Engine

	optsFunc func() *config.EngineOptions
	metrics  *api.Metrics
}

// NewManager builds an empty Manager. optsFunc is consulted each time a new
// session is created, so a live-reloaded EngineOptions (see config.Watch)
// takes effect for sessions created after the reload without needing to
// rebuild ones already running.
func NewManager(optsFunc func() *config.EngineOptions, metrics *api.Metrics, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		log:      log,
		engines:  make(map[string]*Engine),
		optsFunc: optsFunc,
		metrics:  metrics,
	}
}

// Get implements api.EngineLookup.
func (m *Manager) Get(id string) (api.EngineHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eng, ok := m.engines[id]
	return eng, ok
}

// GetOrCreate returns the session for id, creating and loading it if
// absent.
func (m *Manager) GetOrCreate(ctx context.Context, id string, loadOpts config.LoadOptions) (*Engine, error) {
	m.mu.RLock()
	eng, ok := m.engines[id]
	m.mu.RUnlock()
	if ok {
		return eng, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if eng, ok = m.engines[id]; ok {
		return eng, nil
	}

	m.log.Infof("engine manager: creating session %s", id)
	eng = New(Options{ID: id, EngineOptions: m.optsFunc(), Metrics: m.metrics}, m.log)
	if err := eng.Load(ctx, loadOpts); err != nil {
		eng.Stop()
		return nil, fmt.Errorf("engine manager: loading session %s: %w", id, err)
	}
	m.engines[id] = eng
	return eng, nil
}

// UpdateAll pushes freshly reloaded EngineOptions to every running session,
// the engine-manager-wide counterpart to Engine.UpdateOptions, invoked from
// config.Watch's onChange callback.
func (m *Manager) UpdateAll(opts *config.EngineOptions) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, eng := range m.engines {
		eng.UpdateOptions(opts)
	}
}

// Remove stops and forgets the session for id, if present.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	eng, ok := m.engines[id]
	delete(m.engines, id)
	m.mu.Unlock()
	if ok {
		eng.Stop()
	}
}

// StopAll stops every active session, used on process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, eng := range m.engines {
		eng.Stop()
		delete(m.engines, id)
	}
}

var _ api.EngineLookup = (*Manager)(nil)
