package vfile

import (
	"context"
	"time"
)

// Adapter is one storage backend. Adapters are registered once and shared by
// every File they open, so implementations must be safe for concurrent use.
type Adapter interface {
	// Name identifies the adapter in logs and metrics.
	Name() string

	// Handles reports whether the adapter claims the path, usually by scheme.
	Handles(path string) bool

	// Stat returns the length of the target, or a NOT_FOUND error.
	Stat(ctx context.Context, path string) (int64, error)

	// Open returns a stream positioned at offset 0.
	Open(ctx context.Context, path string, flags OpenFlags) (Stream, error)
}

// Stream is the adapter-private state of one open File. A File serializes
// calls into its Stream, so implementations need no locking of their own.
type Stream interface {
	// SeekRead repositions and reads up to len(buf) bytes. A short read is
	// not an error. (0, SeekCurrent) must not reposition.
	SeekRead(buf []byte, offset int64, whence Whence) (int, error)

	// SeekWrite repositions and writes up to len(buf) bytes.
	SeekWrite(buf []byte, offset int64, whence Whence) (int, error)

	// Close releases everything the stream holds. It is called exactly once.
	Close() error
}

// Releaser is implemented by streams that can drop their underlying OS
// resource and reacquire it transparently on the next transfer.
type Releaser interface {
	Release() error
}

// MetricsRecorder receives one observation per adapter operation.
// internal/metrics.Collector satisfies it.
type MetricsRecorder interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, time.Duration, int64, bool) {}
