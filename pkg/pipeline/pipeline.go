// Package pipeline issues asynchronous reads and writes against vfile Files.
//
// Requests are queued per File and executed in submission order; a bounded
// set of workers serves different Files concurrently, but never two requests
// of the same File at once.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/objectfs/vfile/pkg/errors"
	"github.com/objectfs/vfile/pkg/utils"
	"github.com/objectfs/vfile/pkg/vfile"
)

// Config controls the size of a Channel.
type Config struct {
	// Workers is the number of goroutines executing requests.
	Workers int `yaml:"workers"`
	// MaxPending bounds queued, not yet started requests. Zero means unbounded.
	MaxPending int `yaml:"max_pending"`
}

// DefaultConfig returns a Config with four workers and no queue bound.
func DefaultConfig() Config {
	return Config{Workers: 4}
}

// Observer receives queue depth changes and one observation per finished request.
// internal/metrics.Collector satisfies it.
type Observer interface {
	SetPipelineQueueDepth(depth int)
	RecordPipelineRequest(op, status string, latency time.Duration, bytes int)
}

type nopObserver struct{}

func (nopObserver) SetPipelineQueueDepth(int)                                 {}
func (nopObserver) RecordPipelineRequest(string, string, time.Duration, int) {}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Channel) {
		if o != nil {
			c.observer = o
		}
	}
}

type fileQueue struct {
	file      *vfile.File
	tokens    []*Token
	scheduled bool
}

// Channel queues pipelined requests and executes them on a worker pool.
type Channel struct {
	cfg      Config
	logger   *utils.StructuredLogger
	observer Observer

	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[*vfile.File]*fileQueue
	ready   []*fileQueue
	pending int
	started bool
	stopped bool

	workers conc.WaitGroup
	nextID  atomic.Uint64
}

// New creates a Channel that accepts requests once Start has been called.
func New(cfg Config, opts ...Option) *Channel {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	c := &Channel{
		cfg:      cfg,
		logger:   utils.NopLogger(),
		observer: nopObserver{},
		queues:   make(map[*vfile.File]*fileQueue),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("pipeline")
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start launches the workers.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return errors.NewError(errors.ErrCodeInvalidParameter, "channel stopped").
			WithComponent("pipeline").WithOperation("Start")
	}
	if c.started {
		return errors.NewError(errors.ErrCodeNothingToDo, "channel already started").
			WithComponent("pipeline").WithOperation("Start")
	}
	c.started = true

	for i := 0; i < c.cfg.Workers; i++ {
		c.workers.Go(c.work)
	}
	c.logger.Debug("started", map[string]interface{}{"workers": c.cfg.Workers})
	return nil
}

// Stop cancels every queued request and waits, bounded by ctx, for running
// ones to finish.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true

	var cancelled []*Token
	for _, fq := range c.queues {
		cancelled = append(cancelled, fq.tokens...)
		fq.tokens = nil
	}
	c.ready = nil
	c.pending = 0
	c.cond.Broadcast()
	c.mu.Unlock()

	c.observer.SetPipelineQueueDepth(0)
	for _, tok := range cancelled {
		c.finish(tok, StatusCancelled, 0, cancelledError(tok))
	}

	done := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Debug("stopped", map[string]interface{}{"cancelled": len(cancelled)})
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeTimedOut, "workers did not stop in time").
			WithComponent("pipeline").WithOperation("Stop")
	}
}

// SubmitRead queues a read of len(buf) bytes at (offset, whence) and returns
// immediately. buf must not be touched until the request completes.
func (c *Channel) SubmitRead(f *vfile.File, buf []byte, offset int64, whence vfile.Whence) (*Token, error) {
	return c.submit(opRead, f, buf, offset, whence)
}

// SubmitWrite queues a write of buf at (offset, whence) and returns immediately.
func (c *Channel) SubmitWrite(f *vfile.File, buf []byte, offset int64, whence vfile.Whence) (*Token, error) {
	return c.submit(opWrite, f, buf, offset, whence)
}

func (c *Channel) submit(op opKind, f *vfile.File, buf []byte, offset int64, whence vfile.Whence) (*Token, error) {
	if f == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidParameter, "nil file").
			WithComponent("pipeline").WithOperation("Submit")
	}
	if !whence.Valid() {
		return nil, errors.NewError(errors.ErrCodeInvalidParameter, "invalid whence").
			WithComponent("pipeline").WithOperation("Submit")
	}

	lease, err := f.Acquire()
	if err != nil {
		return nil, err
	}

	tok := &Token{
		id:        c.nextID.Add(1),
		op:        op,
		lease:     lease,
		buf:       buf,
		offset:    offset,
		whence:    whence,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		lease.Release()
		return nil, errors.NewError(errors.ErrCodeInvalidParameter, "channel stopped").
			WithComponent("pipeline").WithOperation("Submit")
	}
	// Without workers a queued request would hold File.Close forever.
	if !c.started {
		c.mu.Unlock()
		lease.Release()
		return nil, errors.NewError(errors.ErrCodeInvalidParameter, "channel not started").
			WithComponent("pipeline").WithOperation("Submit")
	}
	if c.cfg.MaxPending > 0 && c.pending >= c.cfg.MaxPending {
		c.mu.Unlock()
		lease.Release()
		return nil, errors.Newf(errors.ErrCodeBufferTooSmall, "request queue full (%d pending)", c.cfg.MaxPending).
			WithComponent("pipeline").WithOperation("Submit")
	}

	fq, ok := c.queues[f]
	if !ok {
		fq = &fileQueue{file: f}
		c.queues[f] = fq
	}
	fq.tokens = append(fq.tokens, tok)
	if !fq.scheduled {
		fq.scheduled = true
		c.ready = append(c.ready, fq)
		c.cond.Signal()
	}
	c.pending++
	depth := c.pending
	c.mu.Unlock()

	c.observer.SetPipelineQueueDepth(depth)
	return tok, nil
}

// Cancel removes a request that has not started. It reports whether the
// request was cancelled; running and finished requests are left alone.
func (c *Channel) Cancel(tok *Token) bool {
	if tok == nil {
		return false
	}

	c.mu.Lock()
	if tok.Status() != StatusPending {
		c.mu.Unlock()
		return false
	}
	fq := c.queues[tok.lease.File()]
	removed := false
	if fq != nil {
		for i, t := range fq.tokens {
			if t == tok {
				fq.tokens = append(fq.tokens[:i], fq.tokens[i+1:]...)
				removed = true
				break
			}
		}
	}
	if !removed {
		c.mu.Unlock()
		return false
	}
	c.pending--
	depth := c.pending
	c.mu.Unlock()

	c.observer.SetPipelineQueueDepth(depth)
	c.finish(tok, StatusCancelled, 0, cancelledError(tok))
	return true
}

// Poll returns the result of tok without blocking. The boolean reports
// whether the request has finished.
func (c *Channel) Poll(tok *Token) (Result, bool) {
	select {
	case <-tok.done:
		return tok.result(), true
	default:
		return Result{Status: tok.Status()}, false
	}
}

// Wait blocks until tok finishes or ctx is done. In the latter case the
// result has StatusTimedOut and the request stays queued or running.
func (c *Channel) Wait(ctx context.Context, tok *Token) Result {
	select {
	case <-tok.done:
		return tok.result()
	case <-ctx.Done():
		return timedOut(tok, ctx.Err())
	}
}

// WaitTimeout waits up to d for tok. A non-positive d never blocks.
func (c *Channel) WaitTimeout(tok *Token, d time.Duration) Result {
	if d <= 0 {
		if res, ok := c.Poll(tok); ok {
			return res
		}
		return timedOut(tok, nil)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-tok.done:
		return tok.result()
	case <-timer.C:
		return timedOut(tok, nil)
	}
}

// Pending returns the number of queued requests that have not started.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *Channel) work() {
	for {
		c.mu.Lock()
		for len(c.ready) == 0 && !c.stopped {
			c.cond.Wait()
		}
		if c.stopped {
			c.mu.Unlock()
			return
		}

		fq := c.ready[0]
		c.ready = c.ready[1:]
		if len(fq.tokens) == 0 {
			fq.scheduled = false
			delete(c.queues, fq.file)
			c.mu.Unlock()
			continue
		}

		tok := fq.tokens[0]
		fq.tokens = fq.tokens[1:]
		tok.setStatus(StatusRunning)
		c.pending--
		depth := c.pending
		c.mu.Unlock()

		c.observer.SetPipelineQueueDepth(depth)
		c.execute(tok)

		c.mu.Lock()
		if len(fq.tokens) > 0 && !c.stopped {
			c.ready = append(c.ready, fq)
			c.cond.Signal()
		} else {
			fq.scheduled = false
			delete(c.queues, fq.file)
		}
		c.mu.Unlock()
	}
}

func (c *Channel) execute(tok *Token) {
	var (
		n   int
		err error
	)

	var pc panics.Catcher
	pc.Try(func() {
		if tok.op == opRead {
			n, err = tok.lease.SeekRead(tok.buf, tok.offset, tok.whence)
		} else {
			n, err = tok.lease.SeekWrite(tok.buf, tok.offset, tok.whence)
		}
	})
	if r := pc.Recovered(); r != nil {
		err = errors.Wrap(r.AsError(), errors.ErrCodeInternalError, "request panicked").
			WithComponent("pipeline").WithRetryable(false)
		c.logger.Error("request panicked", map[string]interface{}{
			"id":    tok.id,
			"path":  tok.lease.File().Path(),
			"panic": r.String(),
		})
	}

	if err != nil {
		c.finish(tok, StatusFailed, n, err)
		return
	}
	c.finish(tok, StatusDone, n, nil)
}

func (c *Channel) finish(tok *Token, status Status, n int, err error) {
	if !tok.complete(status, n, err) {
		return
	}
	c.observer.RecordPipelineRequest(tok.op.String(), status.String(), time.Since(tok.submitted), n)
	if status == StatusFailed {
		c.logger.Debug("request failed", map[string]interface{}{
			"id":    tok.id,
			"op":    tok.op.String(),
			"error": err.Error(),
		})
	}
}

func cancelledError(tok *Token) error {
	return errors.NewError(errors.ErrCodeCancelled, "request cancelled").
		WithComponent("pipeline").
		WithDetail("id", tok.id)
}

func timedOut(tok *Token, cause error) Result {
	err := errors.NewError(errors.ErrCodeTimedOut, "request not complete").
		WithComponent("pipeline").
		WithDetail("id", tok.id)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return Result{Status: StatusTimedOut, Err: err}
}
