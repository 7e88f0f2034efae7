// Package pipeline fetches and parses segment resources for the scheduler:
// a bounded worker pool issuing HTTP requests, rate-limited so a throttled
// session (e.g. the page went to background) doesn't keep hammering the
// origin, with the retry/timeout discipline the pack's downloaders use.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"bufferengine/internal/logger"
	"bufferengine/internal/models"

	"golang.org/x/time/rate"
)

// PreconditionFailed412 is returned when the origin responds 412, the one
// HTTP status with scheduler-visible recovery semantics (backoff and inner
// loop rebuild, not a fatal error).
type PreconditionFailed412 struct {
	URL string
}

func (e *PreconditionFailed412) Error() string {
	return fmt.Sprintf("pipeline: precondition failed (412) fetching %s", e.URL)
}

// FatalError wraps any other terminal failure: non-200/412 status, transport
// error after retries exhausted, or a parse failure. The scheduler
// propagates these and terminates the session.
type FatalError struct {
	URL string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pipeline: fatal error fetching %s: %v", e.URL, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Task describes one segment fetch.
type Task struct {
	Segment models.SegmentRef
	URL     string
}

// Progress reports bytes received so far for an in-flight Task, fed
// straight into the ABR chooser's pending-request registry.
type Progress struct {
	Segment   models.SegmentRef
	BytesSoFar int64
	Timestamp time.Time
}

// Result is the outcome of one completed Task.
type Result struct {
	Segment   models.SegmentRef
	Data      []byte
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Pipeline is a bounded-concurrency fetcher gated by a token-bucket rate
// limiter, following the teacher's per-request timeout and retry pattern.
type Pipeline struct {
	httpClient *http.Client
	log        logger.Logger
	userAgent  string
	limiter    *rate.Limiter
	workers    int
}

// Options configures a Pipeline.
type Options struct {
	HTTPClient *http.Client
	UserAgent  string
	Workers    int     // bounded worker pool size, default 4
	RateLimit  float64 // requests/sec, 0 = unlimited
}

// New builds a Pipeline. A nil HTTPClient gets http.DefaultClient.
func New(opts Options, log logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Nop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &Pipeline{
		httpClient: client,
		log:        log,
		userAgent:  opts.UserAgent,
		limiter:    rate.NewLimiter(limit, workers),
		workers:    workers,
	}
}

// SetThrottle adjusts the rate limit at runtime, e.g. when the page is
// hidden. 0 disables throttling (unlimited).
func (p *Pipeline) SetThrottle(requestsPerSec float64) {
	if requestsPerSec <= 0 {
		p.limiter.SetLimit(rate.Inf)
		return
	}
	p.limiter.SetLimit(rate.Limit(requestsPerSec))
}

// Fetch queues tasks onto the bounded worker pool and streams Progress and
// Result events back. Both channels are closed once every task has
// completed or ctx is cancelled.
func (p *Pipeline) Fetch(ctx context.Context, tasks []Task) (<-chan Progress, <-chan Result) {
	progress := make(chan Progress, len(tasks))
	results := make(chan Result, len(tasks))

	go func() {
		defer close(progress)
		defer close(results)

		sem := make(chan struct{}, p.workers)
		done := make(chan struct{})
		remaining := len(tasks)
		if remaining == 0 {
			return
		}

		for _, task := range tasks {
			task := task
			select {
			case <-ctx.Done():
				results <- Result{Segment: task.Segment, Err: ctx.Err()}
				remaining--
				continue
			case sem <- struct{}{}:
			}

			go func() {
				defer func() { <-sem; done <- struct{}{} }()
				if err := p.limiter.Wait(ctx); err != nil {
					results <- Result{Segment: task.Segment, Err: err}
					return
				}
				results <- p.fetchOne(ctx, task, progress)
			}()
		}

		for remaining > 0 {
			<-done
			remaining--
		}
	}()

	return progress, results
}

func (p *Pipeline) fetchOne(ctx context.Context, task Task, progress chan<- Progress) Result {
	const maxRetries = 3
	const retryDelay = 100 * time.Millisecond

	started := time.Now()
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, task.URL, nil)
		if err != nil {
			cancel()
			return Result{Segment: task.Segment, StartedAt: started, Err: &FatalError{URL: task.URL, Err: err}}
		}
		if p.userAgent != "" {
			req.Header.Set("User-Agent", p.userAgent)
		}

		p.log.Debugf("pipeline: fetching %s (attempt %d/%d)", task.URL, attempt, maxRetries)
		resp, err := p.httpClient.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			p.log.Warnf("pipeline: attempt %d failed for %s: %v", attempt, task.URL, err)
			time.Sleep(retryDelay)
			continue
		}

		if resp.StatusCode == http.StatusPreconditionFailed {
			resp.Body.Close()
			cancel()
			return Result{Segment: task.Segment, StartedAt: started, Err: &PreconditionFailed412{URL: task.URL}}
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			cancel()
			lastErr = fmt.Errorf("non-200 status %d", resp.StatusCode)
			p.log.Warnf("pipeline: attempt %d for %s got status %d", attempt, task.URL, resp.StatusCode)
			time.Sleep(retryDelay)
			continue
		}

		data, err := readWithProgress(resp.Body, task, progress)
		resp.Body.Close()
		cancel()
		if err != nil {
			lastErr = err
			p.log.Warnf("pipeline: attempt %d for %s failed reading body: %v", attempt, task.URL, err)
			time.Sleep(retryDelay)
			continue
		}

		p.log.Debugf("pipeline: fetched %s (%d bytes)", task.URL, len(data))
		return Result{Segment: task.Segment, Data: data, StartedAt: started, Duration: time.Since(started)}
	}

	return Result{
		Segment:   task.Segment,
		StartedAt: started,
		Err:       &FatalError{URL: task.URL, Err: fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)},
	}
}

// readWithProgress drains body in chunks, emitting a Progress event after
// each chunk so the ABR chooser's live estimator sees partial transfers.
func readWithProgress(body io.Reader, task Task, progress chan<- Progress) ([]byte, error) {
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			select {
			case progress <- Progress{Segment: task.Segment, BytesSoFar: int64(len(buf)), Timestamp: time.Now()}:
			default:
			}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// IsPreconditionFailed reports whether err is (or wraps) a 412 response.
func IsPreconditionFailed(err error) bool {
	var pf *PreconditionFailed412
	return errors.As(err, &pf)
}

// IsFatal reports whether err is a terminal pipeline failure.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
