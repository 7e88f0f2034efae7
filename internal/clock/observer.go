package clock

import (
	"context"
	"math"

	"bufferengine/internal/logger"
)

// ObserverOptions configures an Observer.
type ObserverOptions struct {
	// SkipInitialSeek, when true (the default), drops the very first
	// seeking-event candidate, which corresponds to the initial
	// programmatic seek issued at load time rather than a user action.
	SkipInitialSeek bool

	// IsLive reports whether the content is live, so LiveGap can be
	// computed rather than left at +Inf.
	IsLive bool

	// MaxBufferPosition returns the manifest's current live edge in
	// seconds. Only consulted when IsLive is true.
	MaxBufferPosition func() float64
}

// DefaultObserverOptions returns options with SkipInitialSeek on and
// on-demand (non-live) LiveGap behaviour.
func DefaultObserverOptions() ObserverOptions {
	return ObserverOptions{SkipInitialSeek: true}
}

// Observer augments a raw timing stream with liveGap and derives a
// seekings stream, following the ticker-driven producer/consumer shape the
// rest of the engine's loops use rather than a reactive-streams library.
type Observer struct {
	opts ObserverOptions
	log  logger.Logger

	skippedInitialSeek bool
}

// NewObserver builds an Observer. A nil Logger gets a no-op logger.
func NewObserver(opts ObserverOptions, log logger.Logger) *Observer {
	if log == nil {
		log = logger.Nop()
	}
	return &Observer{opts: opts, log: log}
}

// Augment takes raw ticks and returns a stream of ticks with LiveGap filled
// in. The returned channel is closed when raw closes or ctx is done.
func (o *Observer) Augment(ctx context.Context, raw <-chan Tick) <-chan Tick {
	out := make(chan Tick)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-raw:
				if !ok {
					return
				}
				tick.LiveGap = o.liveGap(tick)
				select {
				case out <- tick:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (o *Observer) liveGap(tick Tick) float64 {
	if !o.opts.IsLive || o.opts.MaxBufferPosition == nil {
		return math.Inf(1)
	}
	return o.opts.MaxBufferPosition() - tick.CurrentTime
}

// Seekings derives the seeking-event stream from an (already LiveGap
// augmented) tick stream: emits whenever state == seeking and bufferGap is
// either +Inf or < -2s, skipping the first such candidate when
// SkipInitialSeek is set. The first emission carries a synthetic tick at
// the zero value so downstream subscribers have something to key off of
// immediately.
func (o *Observer) Seekings(ctx context.Context, ticks <-chan Tick) <-chan Tick {
	out := make(chan Tick, 1)
	out <- Tick{} // synthetic seed tick

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-ticks:
				if !ok {
					return
				}
				if !o.isSeekCandidate(tick) {
					continue
				}
				if o.opts.SkipInitialSeek && !o.skippedInitialSeek {
					o.skippedInitialSeek = true
					o.log.Debugf("clock: skipping initial programmatic seek event")
					continue
				}
				select {
				case out <- tick:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (o *Observer) isSeekCandidate(tick Tick) bool {
	if tick.State != StateSeeking {
		return false
	}
	return math.IsInf(tick.BufferGap, 1) || tick.BufferGap < -2
}
