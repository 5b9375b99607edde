package vfile

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/objectfs/vfile/pkg/errors"
	"github.com/objectfs/vfile/pkg/utils"
)

// Registry holds the ordered list of adapters and opens Files through them.
// Registration appends; lookups read an immutable snapshot without locking.
type Registry struct {
	adapters atomic.Pointer[[]Adapter]
	regMu    sync.Mutex

	logger  *utils.StructuredLogger
	metrics MetricsRecorder
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the registry and the Files it opens.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the recorder that observes open, read, write and close operations.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:  utils.NopLogger(),
		metrics: nopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("vfile")
	empty := []Adapter{}
	r.adapters.Store(&empty)
	return r
}

// RegisterAdapter appends an adapter. Earlier registrations take precedence.
func (r *Registry) RegisterAdapter(a Adapter) error {
	if a == nil {
		return errors.NewError(errors.ErrCodeInvalidParameter, "nil adapter").
			WithComponent("registry").WithOperation("RegisterAdapter")
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()

	cur := *r.adapters.Load()
	next := make([]Adapter, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, a)
	r.adapters.Store(&next)

	r.logger.Debug("registered adapter", map[string]interface{}{
		"adapter":  a.Name(),
		"position": len(next) - 1,
	})
	return nil
}

// Adapters returns a snapshot of the registered adapters in order.
func (r *Registry) Adapters() []Adapter {
	cur := *r.adapters.Load()
	out := make([]Adapter, len(cur))
	copy(out, cur)
	return out
}

func (r *Registry) candidates(path string) []Adapter {
	var out []Adapter
	for _, a := range *r.adapters.Load() {
		if a.Handles(path) {
			out = append(out, a)
		}
	}
	return out
}

// Exists returns the length of path as reported by the first adapter that
// handles it.
func (r *Registry) Exists(ctx context.Context, path string) (int64, error) {
	if path == "" {
		return 0, errors.NewError(errors.ErrCodeInvalidParameter, "empty path").
			WithComponent("registry").WithOperation("Exists")
	}
	cands := r.candidates(path)
	if len(cands) == 0 {
		return 0, errors.NewError(errors.ErrCodeOpenFailure, "no adapter handles path").
			WithComponent("registry").WithOperation("Exists").WithContext("path", path)
	}

	start := time.Now()
	size, err := cands[0].Stat(ctx, path)
	r.metrics.RecordOperation("stat", time.Since(start), 0, err == nil)
	if err != nil {
		return 0, classify(err, errors.ErrCodeNotFound, "stat failed", "Exists", path)
	}
	return size, nil
}

// Open negotiates the access mode for flags and opens path through the first
// handling adapter that accepts it. When the mode requires an existing target
// and FastOpen is not set, the length is resolved first, so a missing target
// fails with NOT_FOUND before any adapter opens a stream. Truncating modes
// start with a known length of zero.
func (r *Registry) Open(ctx context.Context, path string, flags OpenFlags) (*File, error) {
	if path == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidParameter, "empty path").
			WithComponent("registry").WithOperation("Open")
	}
	mode, err := NegotiateMode(flags)
	if err != nil {
		return nil, err
	}

	cands := r.candidates(path)
	if len(cands) == 0 {
		return nil, errors.NewError(errors.ErrCodeOpenFailure, "no adapter handles path").
			WithComponent("registry").WithOperation("Open").WithContext("path", path)
	}

	var (
		length      int64
		lengthKnown bool
	)
	switch {
	case mode.Truncate:
		lengthKnown = true
	case mode.MustExist && !flags.Has(FastOpen):
		size, err := r.Exists(ctx, path)
		if err != nil {
			return nil, err
		}
		length, lengthKnown = size, true
	}

	var lastErr error
	for _, a := range cands {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeCancelled, "open cancelled").
				WithComponent("registry").WithOperation("Open").WithContext("path", path)
		}

		start := time.Now()
		stream, err := a.Open(ctx, path, flags)
		r.metrics.RecordOperation("open", time.Since(start), 0, err == nil)
		if err != nil {
			r.logger.Debug("adapter declined open", map[string]interface{}{
				"adapter": a.Name(),
				"path":    path,
				"error":   err.Error(),
			})
			lastErr = err
			continue
		}

		r.logger.Trace("opened", map[string]interface{}{
			"adapter": a.Name(),
			"path":    path,
			"flags":   flags.String(),
		})
		return newFile(r, a, stream, path, flags, length, lengthKnown), nil
	}

	if errors.IsCode(lastErr, errors.ErrCodeNotFound) {
		return nil, lastErr
	}
	return nil, errors.Wrap(lastErr, errors.ErrCodeOpenFailure, "no adapter accepted the path").
		WithComponent("registry").WithOperation("Open").WithContext("path", path)
}

// Close closes every registered adapter that holds resources of its own.
func (r *Registry) Close() error {
	var err error
	for _, a := range *r.adapters.Load() {
		if c, ok := a.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}

// classify keeps VFileErrors as they are and wraps anything else with code.
func classify(err error, code errors.ErrorCode, msg, op, path string) error {
	if errors.CodeOf(err) != "" {
		return err
	}
	return errors.Wrap(err, code, msg).
		WithComponent("registry").WithOperation(op).WithContext("path", path)
}
