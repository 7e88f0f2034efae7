// Package engine is the top-level orchestrator, generalized from the
// teacher's internal/session.StreamSession/SessionManager: one Engine per
// player session owns the manifest, one Scheduler per media type, the
// shared ABR manager, garbage collector, and clock observer, and satisfies
// internal/api's EngineHandle so the HTTP control plane can drive it
// without importing it back.
package engine

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"bufferengine/internal/abr"
	"bufferengine/internal/api"
	"bufferengine/internal/buffer"
	"bufferengine/internal/clock"
	"bufferengine/internal/config"
	"bufferengine/internal/events"
	"bufferengine/internal/gc"
	"bufferengine/internal/logger"
	"bufferengine/internal/manifest"
	"bufferengine/internal/models"
	"bufferengine/internal/pipeline"
	"bufferengine/internal/scheduler"
	"bufferengine/internal/sink"
)

// Per spec.md: don't refresh the manifest more often than every 2 seconds
// even if the MPD requests it, and fall back to a sensible default if it
// doesn't specify minimumUpdatePeriod at all.
const (
	minManifestRefreshInterval     = 2 * time.Second
	defaultManifestRefreshInterval = 5 * time.Second

	// hiddenThrottleBitrate/-Rate are applied when throttleWhenHidden is set
	// and the page goes to background: a conservative ceiling plus a slow
	// fetch cadence, not a hard stop.
	hiddenThrottleBitrate = 500_000
	hiddenThrottleRate    = 1.0
)

// SinkFactory builds the media sink for one media type of one engine
// instance.
type SinkFactory func(mt models.MediaType) sink.Sink

// DefaultSinkFactory returns in-memory sinks, with audio and video sharing
// one sink.LockedSink the way a single HTMLMediaElement's pair of
// SourceBuffers would be shared in a browser deployment (spec §5: "the
// media sink may be shared by audio and video Schedulers").
func DefaultSinkFactory() SinkFactory {
	shared := sink.Serialize(sink.NewMemSink())
	return func(mt models.MediaType) sink.Sink {
		switch mt {
		case models.MediaAudio, models.MediaVideo:
			return shared
		default:
			return sink.NewMemSink()
		}
	}
}

// Options configures New.
type Options struct {
	ID            string
	EngineOptions *config.EngineOptions
	Metrics       *api.Metrics
	HTTPClient    *http.Client
	UserAgent     string
	SinkFactory   SinkFactory // nil defaults to DefaultSinkFactory()
}

// Engine is one player session's buffer engine.
type Engine struct {
	id      string
	log     logger.Logger
	metrics *api.Metrics

	manifestClient *manifest.Client
	pipe           *pipeline.Pipeline
	abrManager     *abr.Manager
	collector      *gc.Collector
	sinkFactory    SinkFactory

	bus *eventBus

	rawTicks chan clock.Tick

	mu           sync.RWMutex
	opts         *config.EngineOptions
	man          *manifest.Manifest
	observer     *clock.Observer
	schedulers   map[models.MediaType]*scheduler.Scheduler
	sinks        map[models.MediaType]sink.Sink
	ticksCh      map[models.MediaType]chan clock.Tick
	chooserTicks map[models.MediaType]chan clock.Tick
	seeksCh      map[models.MediaType]chan clock.Tick
	currentBitrate map[models.MediaType]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Engine. It does not fetch anything until Load is called.
func New(opts Options, log logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	engineOpts := opts.EngineOptions
	if engineOpts == nil {
		engineOpts = &config.EngineOptions{}
	}
	sinkFactory := opts.SinkFactory
	if sinkFactory == nil {
		sinkFactory = DefaultSinkFactory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		id:             opts.ID,
		log:            log,
		metrics:        opts.Metrics,
		manifestClient: manifest.NewClient(opts.HTTPClient, log, opts.UserAgent),
		pipe:           pipeline.New(pipeline.Options{HTTPClient: opts.HTTPClient, UserAgent: opts.UserAgent}, log),
		abrManager:     abr.NewManager(log),
		collector:      gc.New(log),
		sinkFactory:    sinkFactory,
		bus:            newEventBus(),
		rawTicks:       make(chan clock.Tick, 1),
		opts:           engineOpts,
		schedulers:     make(map[models.MediaType]*scheduler.Scheduler),
		sinks:          make(map[models.MediaType]sink.Sink),
		ticksCh:        make(map[models.MediaType]chan clock.Tick),
		chooserTicks:   make(map[models.MediaType]chan clock.Tick),
		seeksCh:        make(map[models.MediaType]chan clock.Tick),
		currentBitrate: make(map[models.MediaType]int),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Load fetches and builds the initial manifest, starts one Scheduler per
// adaptation found, and (for live content) the manifest refresh loop.
func (e *Engine) Load(ctx context.Context, loadOpts config.LoadOptions) error {
	if err := loadOpts.Validate(); err != nil {
		return err
	}
	if loadOpts.DirectFile {
		return fmt.Errorf("engine[%s]: direct file playback is not implemented", e.id)
	}

	mpd, finalURL, err := e.manifestClient.FetchAndParseMPD(ctx, loadOpts.URL)
	if err != nil {
		return fmt.Errorf("engine[%s]: initial manifest fetch: %w", e.id, err)
	}
	man, err := manifest.Build(mpd, finalURL, e.log)
	if err != nil {
		return fmt.Errorf("engine[%s]: building manifest: %w", e.id, err)
	}

	e.mu.Lock()
	e.man = man
	e.observer = clock.NewObserver(clock.ObserverOptions{
		SkipInitialSeek:   true,
		IsLive:            man.IsLive,
		MaxBufferPosition: e.liveEdge,
	}, e.log)
	e.mu.Unlock()

	for _, ad := range man.Adaptations {
		e.startScheduler(ad)
	}
	e.startTickDistribution()

	if man.IsLive {
		e.wg.Add(1)
		go e.manifestRefreshLoop(loadOpts.URL, man.MinimumUpdatePeriod)
	}

	e.log.Infof("engine[%s]: loaded %s (%d adaptation(s), live=%v)", e.id, finalURL, len(man.Adaptations), man.IsLive)
	return nil
}

// startScheduler wires one Scheduler plus its feeding Chooser for ad's
// media type: the ABR manager's per-type Chooser picks a representation
// off the fanned-out tick stream, and the Scheduler injects segments for
// whatever the Chooser currently emits.
func (e *Engine) startScheduler(ad *models.Adaptation) {
	mt := ad.Type
	sk := e.sinkFactory(mt)
	chooser := e.abrManager.Chooser(mt)

	e.mu.RLock()
	opts := e.opts
	e.mu.RUnlock()
	if ceiling := opts.BitrateCeiling(mt); ceiling > 0 {
		chooser.SetMaxAutoBitrate(ceiling)
	}
	if initial := opts.InitialBitrate(mt); initial > 0 {
		chooser.SeedEstimate(float64(initial))
	}

	sched := scheduler.New(scheduler.Options{
		MediaType: mt,
		Sink:      sk,
		Pipeline:  e.pipe,
		Chooser:   chooser,
		Collector: e.collector,
	}, e.log)

	ticks := make(chan clock.Tick, 1)
	chooserTicks := make(chan clock.Tick, 1)
	seeks := make(chan clock.Tick, 1)
	reps := make(chan *models.Representation, 1)

	e.mu.Lock()
	e.schedulers[mt] = sched
	e.sinks[mt] = sk
	e.ticksCh[mt] = ticks
	e.chooserTicks[mt] = chooserTicks
	e.seeksCh[mt] = seeks
	e.mu.Unlock()

	repsOut := chooser.Get(e.ctx, chooserTicks, ad.Representations)

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		sched.Run(e.ctx, ticks, seeks, reps, e.wantedBufferSize)
	}()
	go e.forwardRepresentations(mt, repsOut, reps)
	go e.drainSchedulerEvents(sched)
}

// forwardRepresentations relays the Chooser's picks to the Scheduler's reps
// channel, publishing a RepresentationSwitch event and updating the stats
// cache on every emission.
func (e *Engine) forwardRepresentations(mt models.MediaType, repsOut <-chan *models.Representation, repsIn chan<- *models.Representation) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case rep, ok := <-repsOut:
			if !ok {
				return
			}
			e.mu.Lock()
			e.currentBitrate[mt] = rep.Bitrate
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.SetCurrentBitrate(string(mt), rep.Bitrate)
			}
			e.bus.publish(events.RepresentationSwitch(mt, rep))
			select {
			case repsIn <- rep:
			case <-e.ctx.Done():
				return
			}
		}
	}
}

// drainSchedulerEvents forwards one Scheduler's events onto the engine-wide
// bus and into Prometheus, until the scheduler's channel closes or the
// engine is stopped.
func (e *Engine) drainSchedulerEvents(sched *scheduler.Scheduler) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-sched.Events():
			if !ok {
				return
			}
			e.observeEvent(ev)
			e.bus.publish(ev)
		}
	}
}

func (e *Engine) observeEvent(ev events.Event) {
	if e.metrics == nil {
		return
	}
	switch ev.Kind {
	case events.KindLoaded:
		e.metrics.ObserveSegmentLoaded(string(ev.MediaType))
	case events.KindPreconditionFailed:
		e.metrics.ObservePreconditionFailed(string(ev.MediaType))
	case events.KindGCReclaim:
		e.metrics.ObserveGCReclaim(string(ev.MediaType), ev.AddedSegments)
	case events.KindFatal:
		e.metrics.ObserveFatal(string(ev.MediaType))
	}
}

// startTickDistribution augments raw ticks with liveGap, fans them out to
// every Scheduler's and Chooser's own tick channel, and derives+fans the
// seekings stream, all off the single rawTicks input PushTick feeds.
func (e *Engine) startTickDistribution() {
	e.mu.RLock()
	observer := e.observer
	e.mu.RUnlock()

	augmented := observer.Augment(e.ctx, e.rawTicks)
	seekInput := make(chan clock.Tick, 1)
	seeksOut := observer.Seekings(e.ctx, seekInput)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case tick, ok := <-augmented:
				if !ok {
					return
				}
				e.fanTick(tick)
				select {
				case seekInput <- tick:
				default:
				}
			}
		}
	}()
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case tick, ok := <-seeksOut:
				if !ok {
					return
				}
				e.fanSeek(tick)
			}
		}
	}()
}

// fanTick broadcasts tick to every registered Scheduler/Chooser tick
// channel, non-blocking: a slow consumer misses a sample rather than
// stalling every other media type's stream, since PushTick's caller will
// supply a fresher tick shortly after anyway.
func (e *Engine) fanTick(tick clock.Tick) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.ticksCh {
		select {
		case ch <- tick:
		default:
		}
	}
	for _, ch := range e.chooserTicks {
		select {
		case ch <- tick:
		default:
		}
	}
	if e.metrics != nil {
		for mt := range e.schedulers {
			e.metrics.SetBufferGap(string(mt), tick.BufferGap)
			e.metrics.SetQueueDepth(string(mt), e.abrManager.Chooser(mt).PendingCount())
		}
	}
}

func (e *Engine) fanSeek(tick clock.Tick) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.seeksCh {
		select {
		case ch <- tick:
		default:
		}
	}
}

// PushTick feeds one raw playback timing sample into the engine. Only the
// most recent unconsumed tick is kept; callers are expected to call this on
// every timeupdate-equivalent event from their media element.
func (e *Engine) PushTick(tick clock.Tick) {
	select {
	case e.rawTicks <- tick:
	default:
	}
}

func (e *Engine) wantedBufferSize() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts.WantedBufferAhead.Seconds()
}

// liveEdge reports the furthest known position across every
// representation's timeline index, used by the Clock Observer as the live
// edge for liveGap computation.
func (e *Engine) liveEdge() float64 {
	e.mu.RLock()
	man := e.man
	e.mu.RUnlock()
	if man == nil {
		return 0
	}

	var best float64
	for _, ad := range man.Adaptations {
		for _, rep := range ad.Representations {
			if lp, ok := rep.Index.(interface{ GetLastPosition() (float64, bool) }); ok {
				if v, ok := lp.GetLastPosition(); ok && v > best {
					best = v
				}
			}
		}
	}
	return best
}

// manifestRefreshLoop periodically re-fetches and merges the manifest,
// grounded on the teacher's mpdRefreshLoop.
func (e *Engine) manifestRefreshLoop(url string, minUpdate time.Duration) {
	defer e.wg.Done()

	interval := minUpdate
	if interval <= 0 {
		interval = defaultManifestRefreshInterval
	}
	if interval < minManifestRefreshInterval {
		interval = minManifestRefreshInterval
	}
	e.log.Infof("engine[%s]: starting manifest refresh loop, interval %v", e.id, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.refreshManifest(url)
		}
	}
}

// refreshManifest is grounded on the teacher's refreshMPD, but merges via
// manifest.Manifest.Refresh (AddSegmentInfos) instead of a bespoke
// whole-timeline splice, so live Schedulers keep their index references
// valid across the refresh.
func (e *Engine) refreshManifest(url string) {
	mpd, finalURL, err := e.manifestClient.FetchAndParseMPD(e.ctx, url)
	if err != nil {
		e.log.Warnf("engine[%s]: manifest refresh fetch failed: %v", e.id, err)
		return
	}
	fresh, err := manifest.Build(mpd, finalURL, e.log)
	if err != nil {
		e.log.Warnf("engine[%s]: manifest refresh build failed: %v", e.id, err)
		return
	}

	e.mu.RLock()
	man := e.man
	e.mu.RUnlock()
	if man == nil {
		return
	}

	added, err := man.Refresh(fresh, e.log)
	if err != nil {
		e.log.Errorf("engine[%s]: manifest refresh merge failed: %v", e.id, err)
		return
	}
	e.log.Debugf("engine[%s]: manifest refresh merged %d new segment(s)", e.id, added)
}

// SetPageHidden throttles (or restores) fetch behavior when
// throttleWhenHidden is enabled, lowering the pipeline's request rate and
// the ABR ceiling rather than cancelling in-flight work.
func (e *Engine) SetPageHidden(hidden bool) {
	e.mu.RLock()
	enabled := e.opts.ThrottleWhenHidden
	e.mu.RUnlock()
	if !enabled {
		return
	}
	if hidden {
		e.abrManager.SetThrottle(hiddenThrottleBitrate)
		e.pipe.SetThrottle(hiddenThrottleRate)
		return
	}
	e.abrManager.SetThrottle(math.Inf(1))
	e.pipe.SetThrottle(0)
}

// SetViewportWidth caps the video chooser to representations at or below
// width when limitVideoWidth is enabled.
func (e *Engine) SetViewportWidth(width float64) {
	e.mu.RLock()
	limit := e.opts.LimitVideoWidth
	e.mu.RUnlock()
	chooser := e.abrManager.Chooser(models.MediaVideo)
	if !limit || width <= 0 {
		chooser.SetLimitWidth(math.Inf(1))
		return
	}
	chooser.SetLimitWidth(width)
}

// UpdateOptions swaps in freshly reloaded EngineOptions, e.g. from
// config.Watch's onChange callback, re-applying bitrate ceilings to every
// already-running Chooser.
func (e *Engine) UpdateOptions(opts *config.EngineOptions) {
	e.mu.Lock()
	e.opts = opts
	mediaTypes := make([]models.MediaType, 0, len(e.schedulers))
	for mt := range e.schedulers {
		mediaTypes = append(mediaTypes, mt)
	}
	e.mu.Unlock()

	for _, mt := range mediaTypes {
		if ceiling := opts.BitrateCeiling(mt); ceiling >= 0 {
			e.abrManager.SetMaxAutoBitrate(mt, ceiling)
		}
	}
}

// Stats implements api.EngineHandle.
func (e *Engine) Stats() api.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := api.Stats{
		BufferedRanges: make(map[models.MediaType][]buffer.Interval, len(e.sinks)),
		CurrentBitrate: make(map[models.MediaType]int, len(e.currentBitrate)),
		QueueDepth:     make(map[models.MediaType]int, len(e.schedulers)),
	}
	for mt, sk := range e.sinks {
		stats.BufferedRanges[mt] = sk.Buffered().Ranges()
	}
	for mt, bitrate := range e.currentBitrate {
		stats.CurrentBitrate[mt] = bitrate
	}
	for mt := range e.schedulers {
		stats.QueueDepth[mt] = e.abrManager.Chooser(mt).PendingCount()
	}
	return stats
}

// SetManualBitrate implements api.EngineHandle.
func (e *Engine) SetManualBitrate(mt models.MediaType, bitrate int) error {
	if !mt.Valid() {
		return fmt.Errorf("engine[%s]: invalid media type %q", e.id, mt)
	}
	e.mu.RLock()
	_, ok := e.schedulers[mt]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine[%s]: no active scheduler for media type %q", e.id, mt)
	}
	e.abrManager.SetManualBitrate(mt, bitrate)
	return nil
}

// SetMaxAutoBitrate implements api.EngineHandle.
func (e *Engine) SetMaxAutoBitrate(mt models.MediaType, bitrate int) error {
	if !mt.Valid() {
		return fmt.Errorf("engine[%s]: invalid media type %q", e.id, mt)
	}
	e.mu.RLock()
	_, ok := e.schedulers[mt]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine[%s]: no active scheduler for media type %q", e.id, mt)
	}
	if bitrate < 0 {
		return fmt.Errorf("engine[%s]: max auto bitrate must be non-negative", e.id)
	}
	e.abrManager.SetMaxAutoBitrate(mt, bitrate)
	return nil
}

// Subscribe implements api.EngineHandle.
func (e *Engine) Subscribe(ctx context.Context) (<-chan events.Event, func()) {
	return e.bus.subscribe(ctx)
}

// Stop cancels every background loop and waits for them to exit, per
// spec §5's disposal rule: release sink listeners, cancel pending I/O, drop
// manifest references.
func (e *Engine) Stop() {
	e.log.Infof("engine[%s]: stopping", e.id)
	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.man = nil
	e.mu.Unlock()
}

var _ api.EngineHandle = (*Engine)(nil)
