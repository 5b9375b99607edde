// Package s3 serves s3://bucket/key paths from Amazon S3 or a compatible store.
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/vfile/internal/buffer"
	"github.com/objectfs/vfile/internal/cache"
	"github.com/objectfs/vfile/internal/circuit"
	"github.com/objectfs/vfile/pkg/errors"
	"github.com/objectfs/vfile/pkg/retry"
	"github.com/objectfs/vfile/pkg/vfile"
)

const (
	// Name is the adapter name reported to the registry.
	Name = "s3"

	scheme = "s3://"
)

// Observer receives adapter activity. internal/metrics.Collector implements it.
type Observer interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit()
	RecordCacheMiss()
	UpdateCacheSize(size int64)
	RecordRetry(component string)
	SetCircuitState(breaker string, state int)
}

type nopObserver struct{}

func (nopObserver) RecordOperation(string, time.Duration, int64, bool) {}
func (nopObserver) RecordCacheHit()                                    {}
func (nopObserver) RecordCacheMiss()                                   {}
func (nopObserver) UpdateCacheSize(int64)                              {}
func (nopObserver) RecordRetry(string)                                 {}
func (nopObserver) SetCircuitState(string, int)                        {}

// Adapter implements vfile.Adapter for S3 objects. Reads are served from a
// shared block cache filled by ranged GETs; writes are staged in memory and
// uploaded when the stream closes.
type Adapter struct {
	api      ObjectAPI
	uploader Uploader
	cfg      *Config

	cache    *cache.BlockCache
	retryer  *retry.Retryer
	breakers *circuit.Manager
	observer Observer
	logger   *slog.Logger

	// ctx bounds every backend call and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithObserver reports operations, cache use, retries and breaker changes.
func WithObserver(o Observer) Option {
	return func(a *Adapter) {
		if o != nil {
			a.observer = o
		}
	}
}

// WithUploader sets the bulk upload path used on Close.
func WithUploader(u Uploader) Option {
	return func(a *Adapter) { a.uploader = u }
}

// WithCache shares a block cache between adapters.
func WithCache(c *cache.BlockCache) Option {
	return func(a *Adapter) {
		if c != nil {
			a.cache = c
		}
	}
}

// New creates an adapter over api. A nil cfg means NewDefaultConfig.
func New(api ObjectAPI, cfg *Config, opts ...Option) *Adapter {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = NewDefaultConfig().BlockSize
	}

	a := &Adapter{
		api:      api,
		cfg:      cfg,
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "s3-adapter")
	if a.cache == nil {
		cc := cfg.Cache
		a.cache = cache.NewBlockCache(&cc)
	}

	rc := cfg.Retry
	userOnRetry := rc.OnRetry
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		a.observer.RecordRetry(Name)
		a.logger.Debug("retrying S3 call", "attempt", attempt, "delay", delay, "error", err)
		if userOnRetry != nil {
			userOnRetry(attempt, err, delay)
		}
	}
	a.retryer = retry.New(rc)

	bc := cfg.Circuit
	userOnChange := bc.OnStateChange
	bc.OnStateChange = func(name string, from, to circuit.State) {
		a.observer.SetCircuitState(name, int(to))
		a.logger.Warn("S3 circuit breaker changed state", "bucket", name, "from", from.String(), "to", to.String())
		if userOnChange != nil {
			userOnChange(name, from, to)
		}
	}
	a.breakers = circuit.NewManager(bc)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

// Name implements vfile.Adapter.
func (a *Adapter) Name() string { return Name }

// Handles claims s3:// paths.
func (a *Adapter) Handles(path string) bool {
	return strings.HasPrefix(path, scheme)
}

// Cache returns the block cache.
func (a *Adapter) Cache() *cache.BlockCache { return a.cache }

// Breakers returns the per-bucket circuit breakers.
func (a *Adapter) Breakers() *circuit.Manager { return a.breakers }

// RetryStats returns the retry counters.
func (a *Adapter) RetryStats() retry.Stats { return a.retryer.Stats() }

// Close cancels outstanding backend calls. Streams opened earlier fail with
// CANCELLED afterwards.
func (a *Adapter) Close() error {
	a.cancel()
	return nil
}

type location struct {
	bucket string
	key    string
}

func (l location) String() string { return l.bucket + "/" + l.key }

func parsePath(path string) (location, error) {
	rest := strings.TrimPrefix(path, scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return location{}, errors.NewError(errors.ErrCodeInvalidParameter, "expected s3://bucket/key").
			WithComponent(Name).WithContext("path", path)
	}
	return location{bucket: bucket, key: key}, nil
}

// Stat implements vfile.Adapter with a HeadObject call.
func (a *Adapter) Stat(ctx context.Context, path string) (int64, error) {
	loc, err := parsePath(path)
	if err != nil {
		return 0, err
	}
	info, err := a.head(ctx, loc)
	if err != nil {
		return 0, err
	}
	return info.size, nil
}

type objectInfo struct {
	size int64
	etag string
}

func (a *Adapter) head(ctx context.Context, loc location) (objectInfo, error) {
	var info objectInfo
	err := a.call(ctx, "s3_head", loc, func(ctx context.Context) (int64, error) {
		out, err := a.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(loc.bucket),
			Key:    aws.String(loc.key),
		})
		if err != nil {
			return 0, err
		}
		info = objectInfo{size: aws.ToInt64(out.ContentLength), etag: aws.ToString(out.ETag)}
		return 0, nil
	})
	return info, err
}

// getRange reads [start, start+len(dst)) into dst and returns the count read.
func (a *Adapter) getRange(ctx context.Context, loc location, start int64, dst []byte) (int, error) {
	var n int
	err := a.call(ctx, "s3_get", loc, func(ctx context.Context) (int64, error) {
		in := &s3.GetObjectInput{
			Bucket: aws.String(loc.bucket),
			Key:    aws.String(loc.key),
		}
		if len(dst) > 0 {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", start, start+int64(len(dst))-1))
		}
		out, err := a.api.GetObject(ctx, in)
		if err != nil {
			return 0, err
		}
		defer out.Body.Close()

		n, err = io.ReadFull(out.Body, dst)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return int64(n), errors.Wrap(err, errors.ErrCodeNetworkError, "failed to read object body").
				WithComponent(Name).WithRetryable(true)
		}
		return int64(n), nil
	})
	return n, err
}

// getAll reads a whole object of known size.
func (a *Adapter) getAll(ctx context.Context, loc location, size int64) ([]byte, error) {
	data := make([]byte, size)
	n, err := a.getRange(ctx, loc, 0, data)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

func (a *Adapter) put(ctx context.Context, loc location, data []byte) error {
	if a.uploader != nil {
		start := time.Now()
		err := a.uploader.Upload(ctx, loc.bucket, loc.key, data, a.cfg.StorageClass)
		a.observer.RecordOperation("s3_upload", time.Since(start), int64(len(data)), err == nil)
		if err == nil {
			return nil
		}
		a.logger.Warn("bulk upload failed, falling back to PutObject", "object", loc.String(), "error", err)
	}

	return a.call(ctx, "s3_put", loc, func(ctx context.Context) (int64, error) {
		_, err := a.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(loc.bucket),
			Key:           aws.String(loc.key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String(detectContentType(loc.key)),
			StorageClass:  lookupStorageClass(a.cfg.StorageClass).api,
		})
		if err != nil {
			return 0, err
		}
		return int64(len(data)), nil
	})
}

// call runs fn under the adapter lifetime, the bucket's breaker and the
// retry policy, translating S3 errors into vfile codes.
func (a *Adapter) call(ctx context.Context, op string, loc location, fn func(context.Context) (int64, error)) error {
	ctx, stop := mergeDone(ctx, a.ctx)
	defer stop()

	start := time.Now()
	var size int64
	err := a.retryer.Do(ctx, func(ctx context.Context) error {
		return a.breakers.Get(loc.bucket).Execute(ctx, func(ctx context.Context) error {
			attemptCtx := ctx
			if a.cfg.RequestTimeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
				defer cancel()
			}
			n, err := fn(attemptCtx)
			size = n
			return translate(ctx, err, op, loc)
		})
	})
	a.observer.RecordOperation(op, time.Since(start), size, err == nil)
	return err
}

// mergeDone returns a context cancelled when either parent ends.
func mergeDone(ctx, lifetime context.Context) (context.Context, func()) {
	merged, cancel := context.WithCancel(ctx)
	if lifetime.Err() != nil {
		cancel()
		return merged, cancel
	}
	stop := context.AfterFunc(lifetime, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// translate maps an S3 error to the vfile taxonomy. ctx is the context of
// the whole call, so a deadline that only hit one attempt stays retryable.
func translate(ctx context.Context, err error, op string, loc location) error {
	if err == nil {
		return nil
	}
	if errors.CodeOf(err) != "" {
		return err
	}

	wrap := func(code errors.ErrorCode, msg string) error {
		return errors.Wrap(err, code, msg).
			WithComponent(Name).
			WithOperation(op).
			WithContext("bucket", loc.bucket).
			WithContext("key", loc.key)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if stderrors.Is(ctxErr, context.DeadlineExceeded) {
			return wrap(errors.ErrCodeTimedOut, "S3 call deadline exceeded")
		}
		return wrap(errors.ErrCodeCancelled, "S3 call cancelled")
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return wrap(errors.ErrCodeConnectionTimeout, "S3 request timed out")
	}

	var (
		noSuchKey    *s3types.NoSuchKey
		notFound     *s3types.NotFound
		noSuchBucket *s3types.NoSuchBucket
	)
	if stderrors.As(err, &noSuchKey) || stderrors.As(err, &notFound) || stderrors.As(err, &noSuchBucket) {
		return wrap(errors.ErrCodeNotFound, "object not found")
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return wrap(errors.ErrCodeNotFound, "object not found")
		case "AccessDenied", "Forbidden", "AllAccessDisabled", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return wrap(errors.ErrCodeAccessDenied, "access denied")
		case "InvalidRange":
			return wrap(errors.ErrCodeOutOfRange, "range not satisfiable")
		case "InvalidBucketName", "KeyTooLongError", "EntityTooLarge":
			return wrap(errors.ErrCodeInvalidParameter, apiErr.ErrorMessage())
		}
	}
	return wrap(errors.ErrCodeNetworkError, op+" failed")
}

func detectContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain"
	case strings.HasSuffix(key, ".gz"):
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

// Open implements vfile.Adapter.
func (a *Adapter) Open(ctx context.Context, path string, flags vfile.OpenFlags) (vfile.Stream, error) {
	mode, err := vfile.NegotiateMode(flags)
	if err != nil {
		return nil, err
	}
	loc, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	s := &stream{a: a, loc: loc}

	if mode.Write {
		s.wbuf = buffer.NewWriteBuffer(&buffer.WriteBufferConfig{MaxBufferSize: a.cfg.MaxObjectSize})
		if mode.Truncate {
			return s, nil
		}
		// Read|Write starts from the current object.
		info, err := a.head(ctx, loc)
		if err != nil {
			return nil, err
		}
		data, err := a.getAll(ctx, loc, info.size)
		if err != nil {
			return nil, err
		}
		s.wbuf.Load(data)
		return s, nil
	}

	if !flags.Has(vfile.FastOpen) {
		if err := s.ensureInfo(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}
