// Package scheduler implements the Segment Scheduler / per-media-type Type
// Buffer: the control loop that joins the timing clock, the chosen
// representation, the wanted buffer size, and the media sink into a
// segment pipeline. It is the heart of the buffer engine, grounded on the
// teacher's downloadLoop/downloadNextSegments/resultLoop shape in
// internal/session/session.go, generalized from one DASH-specific playhead
// into the spec's joined clock/representation/buffer-size stream.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"bufferengine/internal/abr"
	"bufferengine/internal/buffer"
	"bufferengine/internal/clock"
	"bufferengine/internal/events"
	"bufferengine/internal/gc"
	"bufferengine/internal/logger"
	"bufferengine/internal/models"
	"bufferengine/internal/pipeline"
	"bufferengine/internal/sink"
	"bufferengine/internal/timeline"

	"github.com/google/uuid"
)

// bitrateRebufferingRatio is the multiplier on a stored range's bitrate
// above which a candidate segment is considered redundant and skipped.
const bitrateRebufferingRatio = 1.5

// preconditionFailedBackoff is how long the inner loop waits after a 412
// before rebuilding, per spec §4.4.
const preconditionFailedBackoff = 2 * time.Second

// WaterMarks are the low/high padding bounds used to compute how far
// ahead of the playhead the scheduler starts requesting segments.
type WaterMarks struct {
	Low  float64
	High float64
}

// waterMarksForType returns the per-media-type water marks of spec §4.4:
// video gets a wider pad than audio/text/image.
func waterMarksForType(mt models.MediaType) WaterMarks {
	if mt == models.MediaVideo {
		return WaterMarks{Low: 4, High: 6}
	}
	return WaterMarks{Low: 1, High: 1}
}

// ParsedSegment is what the fetch+parse pipeline hands back for one
// completed segment: the ready-to-append payload plus, for live timelines,
// the information needed to extend the index.
type ParsedSegment struct {
	Blob           []byte
	Timescale      int64
	NextSegments   []models.SegmentRef
	CurrentSegment *models.SegmentRef
}

// Parser turns a fetched segment's raw bytes into a ParsedSegment. The
// scheduler never inspects media container internals itself; that is the
// fetch+parse pipeline's job, specified only as this interface.
type Parser interface {
	Parse(seg models.SegmentRef, data []byte) (ParsedSegment, error)
}

// PassthroughParser is a Parser for representations whose index is fully
// known up front (on-demand content): it hands the blob through unchanged
// and never extends the timeline.
type PassthroughParser struct{}

func (PassthroughParser) Parse(seg models.SegmentRef, data []byte) (ParsedSegment, error) {
	return ParsedSegment{Blob: data, Timescale: seg.Timescale}, nil
}

// segmentInfoAdder is the narrow surface of timeline.Index the scheduler
// needs for live timelines. Declared locally, like timeline's debugLogger,
// to avoid importing the timeline package's full Index type where the
// narrower models.TimelineIndex already suffices for reads.
type segmentInfoAdder interface {
	AddSegmentInfos(newSeg models.SegmentRef, currentSeg *models.SegmentRef) bool
}

// Options configures a Scheduler.
type Options struct {
	MediaType models.MediaType
	Sink      sink.Sink
	Pipeline  *pipeline.Pipeline
	Parser    Parser // nil defaults to PassthroughParser
	Chooser   *abr.Chooser
	Collector *gc.Collector
}

// Scheduler is the per-media-type Segment Scheduler / Type Buffer. One
// instance is owned by the engine per media type and lives for the whole
// session; internally it tears down and rebuilds its inner loop on every
// representation change or seek, per spec §4.4's lifecycle rule.
type Scheduler struct {
	mediaType models.MediaType
	log       logger.Logger
	sink      sink.Sink
	pipe      *pipeline.Pipeline
	parser    Parser
	chooser   *abr.Chooser
	collector *gc.Collector

	events chan events.Event
}

// New builds a Scheduler. A nil Logger gets a no-op logger.
func New(opts Options, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	parser := opts.Parser
	if parser == nil {
		parser = PassthroughParser{}
	}
	return &Scheduler{
		mediaType: opts.MediaType,
		log:       log,
		sink:      opts.Sink,
		pipe:      opts.Pipeline,
		parser:    parser,
		chooser:   opts.Chooser,
		collector: opts.Collector,
		events:    make(chan events.Event, 32),
	}
}

// Events returns the channel the scheduler emits Loaded / PreconditionFailed
// / OutOfIndex / Fatal events on. Callers (typically the engine, fanning
// out to the event bus) must drain it; the scheduler blocks on a full
// channel rather than drop events silently.
func (s *Scheduler) Events() <-chan events.Event {
	return s.events
}

// Run is the outer loop: it tears down and rebuilds the inner
// segment-injection loop on every representation change or seek,
// cancelling any in-flight fetch whose result has not yet been appended
// to the sink. Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, ticks <-chan clock.Tick, seeks <-chan clock.Tick, reps <-chan *models.Representation, wantedBufferSize func() float64) {
	var innerCancel context.CancelFunc
	var innerDone chan struct{}
	var currentRep *models.Representation

	restart := func() {
		if innerCancel != nil {
			innerCancel()
			<-innerDone
		}
		if currentRep == nil {
			innerCancel = nil
			return
		}
		innerCtx, cancel := context.WithCancel(ctx)
		innerCancel = cancel
		innerDone = make(chan struct{})
		go func() {
			defer close(innerDone)
			s.innerLoop(innerCtx, currentRep, ticks, wantedBufferSize)
		}()
	}

	defer func() {
		if innerCancel != nil {
			innerCancel()
			<-innerDone
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case rep, ok := <-reps:
			if !ok {
				reps = nil
				continue
			}
			s.log.Debugf("scheduler[%s]: representation switch to %s, rebuilding inner loop", s.mediaType, rep.ID)
			currentRep = rep
			restart()
		case _, ok := <-seeks:
			if !ok {
				seeks = nil
				continue
			}
			s.log.Debugf("scheduler[%s]: seek observed, rebuilding inner loop", s.mediaType)
			restart()
		}
	}
}

// innerLoop runs the segment-injection loop of spec §4.4 for one
// representation: on each clock tick it resyncs the buffered range mirror,
// computes the injection window, asks the timeline index for segments,
// filters and fetches them in order, and appends the results to the sink.
func (s *Scheduler) innerLoop(ctx context.Context, rep *models.Representation, ticks <-chan clock.Tick, wantedBufferSize func() float64) {
	queued := make(map[string]bool)
	mirror := buffer.New()
	firstIteration := true

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			err := s.injectOnce(ctx, rep, tick, wantedBufferSize(), queued, mirror, &firstIteration)
			if err == nil {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}

			switch {
			case errors.Is(err, timeline.ErrOutOfIndex):
				s.log.Warnf("scheduler[%s]: out of index for representation %s: %v", s.mediaType, rep.ID, err)
				s.emit(ctx, events.OutOfIndex(s.mediaType, err))
				return
			case pipeline.IsPreconditionFailed(err):
				s.log.Warnf("scheduler[%s]: precondition failed for representation %s: %v", s.mediaType, rep.ID, err)
				s.emit(ctx, events.PreconditionFailed(s.mediaType, err))
				select {
				case <-time.After(preconditionFailedBackoff):
				case <-ctx.Done():
					return
				}
				// Rebuild the inner stream for the same representation:
				// reset queued/mirror state and keep looping.
				queued = make(map[string]bool)
				mirror = buffer.New()
				firstIteration = true
			default:
				s.log.Errorf("scheduler[%s]: fatal error for representation %s: %v", s.mediaType, rep.ID, err)
				s.emit(ctx, events.Fatal(s.mediaType, err))
				return
			}
		}
	}
}

// injectOnce performs one iteration of the inner loop's steps 1-8.
func (s *Scheduler) injectOnce(ctx context.Context, rep *models.Representation, tick clock.Tick, wantedBufferSize float64, queued map[string]bool, mirror *buffer.Map, firstIteration *bool) error {
	// Step 1: resync the internal mirror with the sink's authoritative
	// buffered ranges; the sink may have evicted under memory pressure
	// without our knowledge.
	sinkRanges := s.sink.Buffered()
	if !mirror.Equals(sinkRanges) {
		mirror.Intersect(sinkRanges)
	}

	// Step 2: compute the injection window.
	from, to := s.injectionWindow(rep, tick, wantedBufferSize, mirror)

	// Step 3: ask the timeline index for segments overlapping the window.
	refs, err := rep.Index.GetSegments(from, to)
	if err != nil {
		return err
	}

	// Step 4: on the first iteration after (re)subscribing, prepend the
	// init segment, if any.
	if *firstIteration {
		*firstIteration = false
		if rep.Init != nil && !queued[rep.Init.ID] {
			refs = append([]models.SegmentRef{*rep.Init}, refs...)
		}
	}

	// Step 5: filter out already-queued segments and redundant
	// already-buffered-at-sufficient-quality ones.
	toFetch := s.filterSegments(refs, rep, queued, mirror)

	// Steps 6-8: enqueue and fetch one by one, in order, appending each
	// parsed result to the sink.
	for _, ref := range toFetch {
		queued[ref.ID] = true
		if err := s.fetchAndAppend(ctx, rep, ref, tick, mirror); err != nil {
			delete(queued, ref.ID)
			return err
		}
		delete(queued, ref.ID)
	}

	return nil
}

// injectionWindow computes [from, to) per spec §4.4 step 2: wantedSize is
// capped by the live gap and the distance to the end of the manifest;
// padding skips ahead through already-buffered, equal-quality data.
func (s *Scheduler) injectionWindow(rep *models.Representation, tick clock.Tick, wantedBufferSize float64, mirror *buffer.Map) (float64, float64) {
	endDiff := math.Inf(1)
	if !math.IsInf(tick.Duration, 0) && tick.Duration > 0 {
		endDiff = tick.Duration - tick.CurrentTime
	}
	wantedSize := math.Max(0, math.Min(wantedBufferSize, math.Min(tick.LiveGap, endDiff)))

	wm := waterMarksForType(s.mediaType)
	padding := 0.0
	if tick.BufferGap > wm.Low && !math.IsInf(tick.BufferGap, 1) {
		padding = math.Min(tick.BufferGap, wm.High)
	}

	if r, ok := mirror.GetRange(tick.CurrentTime); ok && r.Bitrate == rep.Bitrate {
		remainder := r.End - tick.CurrentTime
		if remainder > padding {
			padding = remainder
		}
	}

	from := tick.CurrentTime + padding
	to := from + wantedSize
	return from, to
}

// filterSegments applies spec §4.4 step 5: drop already-queued segments
// and segments whose buffered range already exists at bitrate >=
// currentBitrate/1.5. Init/metadata segments without a time field (IsInit)
// bypass the rebuffering-ratio gate.
func (s *Scheduler) filterSegments(refs []models.SegmentRef, rep *models.Representation, queued map[string]bool, mirror *buffer.Map) []models.SegmentRef {
	var out []models.SegmentRef
	for _, r := range refs {
		if queued[r.ID] {
			continue
		}
		if r.IsInit {
			out = append(out, r)
			continue
		}
		if existing, ok := mirror.GetRange(r.TimeSeconds()); ok {
			if float64(existing.Bitrate) >= float64(rep.Bitrate)/bitrateRebufferingRatio {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// fetchAndAppend fetches one segment, feeds its progress into the ABR
// chooser's pending-request registry, parses the result, and appends it
// to the sink with a single GC-and-retry on QuotaExceeded.
func (s *Scheduler) fetchAndAppend(ctx context.Context, rep *models.Representation, ref models.SegmentRef, tick clock.Tick, mirror *buffer.Map) error {
	reqID := uuid.New()
	start := time.Now()
	if s.chooser != nil {
		s.chooser.AddPendingRequest(reqID, abr.PendingRequestInfo{
			Time:             ref.TimeSeconds(),
			Duration:         ref.DurationSeconds(),
			RequestTimestamp: start,
		})
	}
	defer func() {
		if s.chooser != nil {
			s.chooser.RemovePendingRequest(reqID)
		}
	}()

	progress, results := s.pipe.Fetch(ctx, []pipeline.Task{{Segment: ref, URL: ref.MediaTemplate}})

	var result pipeline.Result
	draining := true
	for draining {
		select {
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if s.chooser != nil {
				s.chooser.AddRequestProgress(reqID, abr.ProgressSample{Size: p.BytesSoFar, Timestamp: p.Timestamp})
			}
		case r, ok := <-results:
			if !ok {
				draining = false
				continue
			}
			result = r
			draining = false
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// Drain any remaining progress so the fetch goroutine doesn't block.
	go func() {
		for range progress {
		}
	}()

	if result.Err != nil {
		return result.Err
	}

	if s.chooser != nil && result.Duration > 0 {
		s.chooser.AddEstimate(result.Duration.Seconds(), int64(len(result.Data)))
	}

	parsed, err := s.parser.Parse(ref, result.Data)
	if err != nil {
		return &pipeline.FatalError{URL: ref.MediaTemplate, Err: fmt.Errorf("parse failed: %w", err)}
	}

	segDuration := ref.DurationSeconds()
	if parsed.CurrentSegment != nil {
		segDuration = parsed.CurrentSegment.DurationSeconds()
	}
	if segDuration < 0 {
		segDuration = 0
	}

	if err := s.appendWithRetry(ctx, parsed.Blob, ref.TimeSeconds(), segDuration, rep.Bitrate, tick.CurrentTime, mirror); err != nil {
		return err
	}

	mirror.Insert(rep.Bitrate, ref.TimeSeconds(), ref.TimeSeconds()+segDuration)

	if len(parsed.NextSegments) > 0 || parsed.CurrentSegment != nil {
		if adder, ok := rep.Index.(segmentInfoAdder); ok {
			for _, next := range parsed.NextSegments {
				adder.AddSegmentInfos(next, parsed.CurrentSegment)
			}
		}
	}

	s.emit(ctx, events.Loaded(s.mediaType, rep, ref, 1))
	return nil
}

// appendWithRetry issues the locked sink append, running the garbage
// collector and retrying exactly once on QuotaExceeded, per spec §4.4
// step 7 and the error taxonomy of §7.
func (s *Scheduler) appendWithRetry(ctx context.Context, blob []byte, start, duration float64, bitrate int, playhead float64, mirror *buffer.Map) error {
	err := s.sink.Append(ctx, blob, start, duration, bitrate)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sink.ErrQuotaExceeded) {
		return err
	}

	s.log.Warnf("scheduler[%s]: quota exceeded appending at %.3f, running gc", s.mediaType, start)
	reclaimed, gcErr := s.collector.Collect(ctx, mirror, playhead, s.sink)
	if gcErr != nil {
		return gcErr
	}
	if reclaimed > 0 {
		s.emit(ctx, events.GCReclaim(s.mediaType, reclaimed))
	}

	return s.sink.Append(ctx, blob, start, duration, bitrate)
}

// emit sends an event, blocking (bounded by ctx) rather than dropping it,
// matching the engine's no-silent-swallow recovery rule.
func (s *Scheduler) emit(ctx context.Context, ev events.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
