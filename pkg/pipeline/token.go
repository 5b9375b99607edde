package pipeline

import (
	"sync"
	"time"

	"github.com/objectfs/vfile/pkg/vfile"
)

// Status is the lifecycle state of a pipelined request.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusDone
	StatusFailed
	StatusCancelled
	// StatusTimedOut is only reported by Wait and WaitTimeout; the request
	// itself keeps its real state.
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Result is the outcome of a request, or a timeout report from Wait.
type Result struct {
	Status Status
	Bytes  int
	Err    error
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

// Token identifies one submitted request. It is owned by the Channel until
// the request finishes; afterwards its result is immutable.
type Token struct {
	id        uint64
	op        opKind
	lease     *vfile.Lease
	buf       []byte
	offset    int64
	whence    vfile.Whence
	submitted time.Time

	mu     sync.Mutex
	status Status
	n      int
	err    error
	done   chan struct{}
}

// ID returns the request sequence number, unique within its Channel.
func (t *Token) ID() uint64 { return t.id }

// File returns the File the request was submitted against.
func (t *Token) File() *vfile.File { return t.lease.File() }

// Done is closed when the request finishes.
func (t *Token) Done() <-chan struct{} { return t.done }

// Status returns the current state.
func (t *Token) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Token) setStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// complete records the terminal state once and releases the File lease.
func (t *Token) complete(s Status, n int, err error) bool {
	t.mu.Lock()
	if t.status.Finished() {
		t.mu.Unlock()
		return false
	}
	t.status = s
	t.n = n
	t.err = err
	t.mu.Unlock()

	t.lease.Release()
	close(t.done)
	return true
}

func (t *Token) result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Result{Status: t.status, Bytes: t.n, Err: t.err}
}
