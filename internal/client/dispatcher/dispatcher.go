// Package dispatcher runs network jobs with bounded concurrency, optional
// throttling and jittered retries.
//
// A Job reports its outcome through a done callback. Transports that invoke
// their listener more than once are tolerated: only the first report of an
// attempt counts, and Enqueue delivers each caller's completion exactly once.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/common"
	"github.com/dmitrijs2005/purchasesync/internal/logging"
	"github.com/dmitrijs2005/purchasesync/internal/metrics"
	"github.com/patrickmn/go-cache"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// Job performs one attempt and calls done with its result. done may be
// called from any goroutine; calls after the first are ignored.
type Job func(ctx context.Context, done func(error))

type Config struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts     int
	BaseDelay       time.Duration
	ShortJitter     time.Duration
	LongJitter      time.Duration
	LongJitterAfter int
	// RequestTimeout bounds a single attempt; zero means no bound.
	RequestTimeout    time.Duration
	Concurrency       int
	RequestsPerSecond float64
	Burst             int
	// DedupWindow keeps a finished request's result for late Enqueue calls
	// with the same id. Zero disables it.
	DedupWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     4,
		BaseDelay:       250 * time.Millisecond,
		ShortJitter:     500 * time.Millisecond,
		LongJitter:      5 * time.Second,
		LongJitterAfter: 2,
		RequestTimeout:  30 * time.Second,
		Concurrency:     1,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Burst < 1 {
		c.Burst = 1
	}
	return c
}

type Dispatcher struct {
	cfg       Config
	sem       chan struct{}
	limiter   *rate.Limiter
	completed *cache.Cache
	jitter    func(max time.Duration) time.Duration
	logger    logging.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]*pending
}

type pending struct {
	waiters []func(any, error)
}

type outcome struct {
	value any
	err   error
}

type Option func(*Dispatcher)

func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithJitterSource replaces the random jitter; fn returns a value in [0, max).
func WithJitterSource(fn func(max time.Duration) time.Duration) Option {
	return func(d *Dispatcher) { d.jitter = fn }
}

func New(cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.normalized()
	d := &Dispatcher{
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.Concurrency),
		completed: cache.New(cfg.DedupWindow, time.Minute),
		jitter:    randomJitter,
		logger:    logging.NopLogger{},
		inflight:  make(map[string]*pending),
	}
	if cfg.RequestsPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Delay is the wait before the next attempt after failures consecutive
// failures: the base delay plus short jitter, or long jitter once failures
// exceeds LongJitterAfter.
func (d *Dispatcher) Delay(failures int) time.Duration {
	j := d.cfg.ShortJitter
	if failures > d.cfg.LongJitterAfter {
		j = d.cfg.LongJitter
	}
	return d.cfg.BaseDelay + d.jitter(j)
}

func (d *Dispatcher) backoff() retry.Backoff {
	failures := 0
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		failures++
		return d.Delay(failures), false
	})
	return retry.WithMaxRetries(uint64(d.cfg.MaxAttempts-1), next)
}

// Dispatch runs job until it succeeds, fails with a non-retryable error or
// runs out of attempts. Exhausted retries surface as *common.NetworkError.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID string, job Job) error {
	_, err := d.dispatch(ctx, requestID, job.valued())
	return err
}

// valueJob is a Job that also hands back a value.
type valueJob func(ctx context.Context, done func(any, error))

func (j Job) valued() valueJob {
	return func(ctx context.Context, done func(any, error)) {
		j(ctx, func(err error) { done(nil, err) })
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, requestID string, job valueJob) (any, error) {
	var (
		attempts int
		lastErr  error
		value    any
	)
	err := retry.Do(ctx, d.backoff(), func(ctx context.Context) error {
		attempts++
		v, err := d.attempt(ctx, job)
		switch {
		case err == nil:
			value = v
			d.metrics.ObserveAttempt("ok")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case common.IsRetryable(err):
			lastErr = err
			d.metrics.ObserveAttempt("transient")
			if attempts < d.cfg.MaxAttempts {
				d.metrics.ObserveRetry()
				d.logger.Debug(ctx, "request failed, retrying", "request_id", requestID, "attempt", attempts, "error", err)
			}
			return retry.RetryableError(err)
		default:
			d.metrics.ObserveAttempt("permanent")
			return err
		}
	})
	if err == nil {
		return value, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil, err
	}
	if lastErr != nil && errors.Is(err, lastErr) {
		d.metrics.ObserveTerminalFailure()
		d.logger.Warn(ctx, "request failed after retries", "request_id", requestID, "attempts", attempts, "error", lastErr)
		return nil, &common.NetworkError{Op: requestID, Attempts: attempts, Err: lastErr}
	}
	return nil, err
}

type attemptResult struct {
	value any
	err   error
}

// attempt runs job once, holding a concurrency slot and a rate token.
func (d *Dispatcher) attempt(ctx context.Context, job valueJob) (any, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.sem }()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	attemptCtx := ctx
	if d.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}

	result := make(chan attemptResult, 1)
	var once sync.Once
	done := func(v any, err error) {
		reported := false
		once.Do(func() {
			reported = true
			result <- attemptResult{value: v, err: err}
		})
		if !reported {
			d.metrics.ObserveDuplicateCallback()
		}
	}
	go job(attemptCtx, done)

	select {
	case r := <-result:
		return r.value, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, common.Retryable(fmt.Errorf("attempt timed out after %s: %w", d.cfg.RequestTimeout, attemptCtx.Err()))
	}
}

// Enqueue dispatches job in the background and calls onComplete exactly once
// with the result. Enqueues with the id of a request still in flight join it
// instead of starting another. The request runs detached from ctx
// cancellation; attempt timeouts still apply.
func (d *Dispatcher) Enqueue(ctx context.Context, requestID string, job Job, onComplete func(error)) {
	if onComplete == nil {
		onComplete = func(error) {}
	}
	d.enqueue(ctx, requestID, job.valued(), func(_ any, err error) { onComplete(err) })
}

func (d *Dispatcher) enqueue(ctx context.Context, requestID string, job valueJob, onComplete func(any, error)) {
	d.mu.Lock()
	if v, ok := d.completed.Get(requestID); ok {
		d.mu.Unlock()
		o := v.(outcome)
		go onComplete(o.value, o.err)
		return
	}
	if p, ok := d.inflight[requestID]; ok {
		p.waiters = append(p.waiters, onComplete)
		d.mu.Unlock()
		return
	}
	p := &pending{waiters: []func(any, error){onComplete}}
	d.inflight[requestID] = p
	d.mu.Unlock()

	go func() {
		value, err := d.dispatch(context.WithoutCancel(ctx), requestID, job)

		d.mu.Lock()
		delete(d.inflight, requestID)
		if d.cfg.DedupWindow > 0 {
			d.completed.Set(requestID, outcome{value: value, err: err}, d.cfg.DedupWindow)
		}
		waiters := p.waiters
		d.mu.Unlock()

		for _, w := range waiters {
			w(value, err)
		}
	}()
}

// Do is the blocking form of Enqueue. It returns early with ctx's error when
// ctx ends first; the request itself keeps running for other joiners.
func (d *Dispatcher) Do(ctx context.Context, requestID string, job Job) error {
	result := make(chan error, 1)
	d.Enqueue(ctx, requestID, job, func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn through d under requestID and returns its value. Concurrent
// calls with the same id share one execution and its value, so every caller
// of an id must use the same T.
func Call[T any](ctx context.Context, d *Dispatcher, requestID string, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		value any
		err   error
	}
	ch := make(chan result, 1)
	job := func(ctx context.Context, done func(any, error)) {
		v, err := fn(ctx)
		done(v, err)
	}
	d.enqueue(ctx, requestID, job, func(v any, err error) { ch <- result{value: v, err: err} })

	var zero T
	select {
	case r := <-ch:
		if r.err != nil {
			return zero, r.err
		}
		if r.value == nil {
			return zero, nil
		}
		v, ok := r.value.(T)
		if !ok {
			return zero, fmt.Errorf("request %s: result type %T, want %T", requestID, r.value, zero)
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// InFlight reports how many distinct request ids are running.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
