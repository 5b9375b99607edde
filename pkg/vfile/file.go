package vfile

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/vfile/pkg/errors"
	"github.com/objectfs/vfile/pkg/utils"
)

// File is an open virtual file bound to one adapter for its whole lifetime.
// Transfers on a File are serialized; separate Files are independent.
type File struct {
	path    string
	flags   OpenFlags
	adapter Adapter
	logger  *utils.StructuredLogger
	metrics MetricsRecorder

	ioMu        sync.Mutex
	stream      Stream
	closed      bool
	length      int64
	lengthKnown bool
	seekBase    int64
	rebase      bool

	stateMu sync.Mutex
	closing bool
	pending sync.WaitGroup

	totalBytes atomic.Int64
	busyNanos  atomic.Int64
	inFlight   atomic.Int32
}

func newFile(r *Registry, a Adapter, s Stream, path string, flags OpenFlags, length int64, known bool) *File {
	return &File{
		path:        path,
		flags:       flags,
		adapter:     a,
		stream:      s,
		length:      length,
		lengthKnown: known,
		logger:      r.logger.WithField("adapter", a.Name()),
		metrics:     r.metrics,
	}
}

// Path returns the path the File was opened with.
func (f *File) Path() string { return f.path }

// Flags returns the flags the File was opened with.
func (f *File) Flags() OpenFlags { return f.flags }

// AdapterName returns the name of the adapter serving the File.
func (f *File) AdapterName() string { return f.adapter.Name() }

// Length returns the logical length when it was resolved at open or set by
// SetSeekBase.
func (f *File) Length() (int64, bool) {
	f.ioMu.Lock()
	defer f.ioMu.Unlock()
	return f.length, f.lengthKnown
}

// SeekRead repositions by (offset, whence) and reads up to len(buf) bytes.
// A zero-length buffer returns 0 without calling the adapter.
func (f *File) SeekRead(buf []byte, offset int64, whence Whence) (int, error) {
	if f == nil {
		return 0, nilFileError(opRead.String())
	}
	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	return f.transfer(opRead, buf, offset, whence)
}

// SeekWrite repositions by (offset, whence) and writes up to len(buf) bytes.
func (f *File) SeekWrite(buf []byte, offset int64, whence Whence) (int, error) {
	if f == nil {
		return 0, nilFileError(opWrite.String())
	}
	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	return f.transfer(opWrite, buf, offset, whence)
}

type opKind int

const (
	opRead opKind = iota
	opWrite
)

func (o opKind) String() string {
	if o == opWrite {
		return "write"
	}
	return "read"
}

func (f *File) transfer(op opKind, buf []byte, offset int64, whence Whence) (int, error) {
	if !whence.Valid() {
		return 0, f.newError(errors.ErrCodeInvalidParameter, "invalid whence", op)
	}

	f.ioMu.Lock()
	defer f.ioMu.Unlock()

	if f.closed {
		return 0, f.newError(errors.ErrCodeInvalidParameter, "file is closed", op)
	}
	if op == opWrite && !f.flags.Writable() {
		return 0, f.newError(errors.ErrCodeInvalidParameter, "file not opened for writing", op)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	offset, whence = f.resolve(offset, whence)

	start := time.Now()
	var (
		n   int
		err error
	)
	if op == opRead {
		n, err = f.stream.SeekRead(buf, offset, whence)
	} else {
		n, err = f.stream.SeekWrite(buf, offset, whence)
	}
	elapsed := time.Since(start)

	f.busyNanos.Add(int64(elapsed))
	f.totalBytes.Add(int64(n))
	f.metrics.RecordOperation(op.String(), elapsed, int64(n), err == nil)

	if err != nil {
		code := errors.ErrCodeReadFailure
		if op == opWrite {
			code = errors.ErrCodeWriteFailure
		}
		return n, classifyIO(err, code, f.path, op)
	}
	return n, nil
}

// resolve applies the seek base. Callers hold ioMu.
func (f *File) resolve(offset int64, whence Whence) (int64, Whence) {
	switch {
	case f.rebase && whence == SeekCurrent:
		f.rebase = false
		return f.seekBase + offset, SeekStart
	case whence == SeekStart && f.seekBase != 0:
		f.rebase = false
		return f.seekBase + offset, SeekStart
	case whence == SeekEnd && f.seekBase != 0 && f.lengthKnown:
		f.rebase = false
		return f.seekBase + f.length + offset, SeekStart
	}
	if whence != SeekCurrent {
		f.rebase = false
	}
	return offset, whence
}

// SetSeekBase makes every SeekStart offset relative to base, and moves the
// cursor to base for the next SeekCurrent transfer. A non-zero newLength
// replaces the logical length, which SeekEnd is then relative to.
func (f *File) SetSeekBase(base, newLength int64) {
	f.ioMu.Lock()
	defer f.ioMu.Unlock()

	f.seekBase = base
	f.rebase = true
	if newLength != 0 {
		f.length = newLength
		f.lengthKnown = true
	}
}

// Release drops the underlying resource of a read-only stream. The next
// transfer reacquires it at the same position.
func (f *File) Release() error {
	if f == nil {
		return nilFileError("Release")
	}
	f.ioMu.Lock()
	defer f.ioMu.Unlock()

	if f.closed {
		return errors.NewError(errors.ErrCodeInvalidParameter, "file is closed").
			WithComponent("file").WithOperation("Release").WithContext("path", f.path)
	}
	if f.flags.Writable() {
		return errors.NewError(errors.ErrCodeInvalidConfig, "release is not supported for writable files").
			WithComponent("file").WithOperation("Release").WithContext("path", f.path)
	}
	r, ok := f.stream.(Releaser)
	if !ok {
		return errors.NewError(errors.ErrCodeInvalidConfig, "adapter does not support release").
			WithComponent("file").WithOperation("Release").WithContext("adapter", f.adapter.Name())
	}
	return r.Release()
}

// Lease is a registration of one pipelined request against a File. While any
// lease is outstanding, Close waits.
type Lease struct {
	f    *File
	once sync.Once
}

// Acquire registers an outstanding request. It fails with INVALID_PARAMETER
// once Close has begun.
func (f *File) Acquire() (*Lease, error) {
	if f == nil {
		return nil, nilFileError("Acquire")
	}
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	if f.closing {
		return nil, errors.NewError(errors.ErrCodeInvalidParameter, "file is closed").
			WithComponent("file").WithOperation("Acquire").WithContext("path", f.path)
	}
	f.pending.Add(1)
	f.inFlight.Add(1)
	return &Lease{f: f}, nil
}

// File returns the File the lease was taken on.
func (l *Lease) File() *File { return l.f }

// SeekRead performs a read on behalf of the leased request.
func (l *Lease) SeekRead(buf []byte, offset int64, whence Whence) (int, error) {
	return l.f.transfer(opRead, buf, offset, whence)
}

// SeekWrite performs a write on behalf of the leased request.
func (l *Lease) SeekWrite(buf []byte, offset int64, whence Whence) (int, error) {
	return l.f.transfer(opWrite, buf, offset, whence)
}

// Release ends the lease. Extra calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.f.inFlight.Add(-1)
		l.f.pending.Done()
	})
}

// Close waits for outstanding leased requests, then releases the stream.
// Only the first call does anything; later calls and calls on a nil File
// return nil. A release failure is reported as CLOSE_FAILURE, and the File
// is closed regardless.
func (f *File) Close() error {
	if f == nil {
		return nil
	}
	f.stateMu.Lock()
	if f.closing {
		f.stateMu.Unlock()
		return nil
	}
	f.closing = true
	f.stateMu.Unlock()

	f.pending.Wait()

	f.ioMu.Lock()
	defer f.ioMu.Unlock()

	f.closed = true
	stream := f.stream
	f.stream = nil

	start := time.Now()
	err := stream.Close()
	f.metrics.RecordOperation("close", time.Since(start), 0, err == nil)

	if err != nil {
		f.logger.Warn("close failed", map[string]interface{}{"path": f.path, "error": err.Error()})
		return errors.Wrap(err, errors.ErrCodeCloseFailure, "failed to release stream").
			WithComponent("file").WithOperation("Close").WithContext("path", f.path)
	}
	return nil
}

// Close nils the caller's reference, then closes the File. A nil reference
// is a no-op.
func Close(fp **File) error {
	if fp == nil || *fp == nil {
		return nil
	}
	f := *fp
	*fp = nil
	return f.Close()
}

// Performance is a snapshot of a File's transfer statistics.
type Performance struct {
	TotalBytes       int64
	MBPerSec         float64
	RequestsInFlight int
}

// Performance returns the bytes moved so far, the throughput over the time
// spent inside transfers, and the number of requests in flight.
func (f *File) Performance() Performance {
	total := f.totalBytes.Load()
	busy := time.Duration(f.busyNanos.Load())

	var mbps float64
	if busy > 0 {
		mbps = (float64(total) / (1 << 20)) / busy.Seconds()
	}
	return Performance{
		TotalBytes:       total,
		MBPerSec:         mbps,
		RequestsInFlight: int(f.inFlight.Load()),
	}
}

func (f *File) newError(code errors.ErrorCode, msg string, op opKind) *errors.VFileError {
	return errors.NewError(code, msg).
		WithComponent("file").
		WithOperation(op.String()).
		WithContext("path", f.path)
}

func nilFileError(op string) *errors.VFileError {
	return errors.NewError(errors.ErrCodeInvalidParameter, "nil file").
		WithComponent("file").WithOperation(op)
}

func classifyIO(err error, code errors.ErrorCode, path string, op opKind) error {
	if errors.CodeOf(err) != "" {
		return err
	}
	return errors.Wrap(err, code, op.String()+" failed").
		WithComponent("file").WithOperation(op.String()).WithContext("path", path)
}
