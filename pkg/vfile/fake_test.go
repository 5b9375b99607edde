package vfile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/objectfs/vfile/pkg/errors"
)

// memAdapter serves "mem://" paths from a map and counts what its streams do.
type memAdapter struct {
	name   string
	prefix string

	mu      sync.Mutex
	objects map[string][]byte

	openErr  error
	closeErr error

	opens    atomic.Int32
	seeks    atomic.Int32
	closes   atomic.Int32
	releases atomic.Int32
}

func newMemAdapter(name string) *memAdapter {
	return &memAdapter{name: name, prefix: "mem://", objects: make(map[string][]byte)}
}

func (a *memAdapter) put(path string, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[path] = append([]byte(nil), data...)
}

func (a *memAdapter) get(path string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.objects[path]
	return d, ok
}

func (a *memAdapter) Name() string { return a.name }

func (a *memAdapter) Handles(path string) bool { return strings.HasPrefix(path, a.prefix) }

func (a *memAdapter) Stat(_ context.Context, path string) (int64, error) {
	d, ok := a.get(path)
	if !ok {
		return 0, errors.NewError(errors.ErrCodeNotFound, "no such object").WithContext("path", path)
	}
	return int64(len(d)), nil
}

func (a *memAdapter) Open(_ context.Context, path string, flags OpenFlags) (Stream, error) {
	a.opens.Add(1)
	if a.openErr != nil {
		return nil, a.openErr
	}
	mode, err := NegotiateMode(flags)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.objects[path]; !ok && mode.MustExist {
		return nil, errors.NewError(errors.ErrCodeNotFound, "no such object")
	}
	if mode.Truncate {
		a.objects[path] = nil
	}
	return &memStream{a: a, path: path}, nil
}

type memStream struct {
	a        *memAdapter
	path     string
	pos      int64
	released bool
}

func (s *memStream) seek(offset int64, whence Whence) error {
	if offset == 0 && whence == SeekCurrent {
		return nil
	}
	s.a.seeks.Add(1)
	d, _ := s.a.get(s.path)
	var abs int64
	switch whence {
	case SeekStart:
		abs = offset
	case SeekCurrent:
		abs = s.pos + offset
	case SeekEnd:
		abs = int64(len(d)) + offset
	}
	if abs < 0 {
		return fmt.Errorf("negative position")
	}
	s.pos = abs
	return nil
}

func (s *memStream) SeekRead(buf []byte, offset int64, whence Whence) (int, error) {
	s.released = false
	if err := s.seek(offset, whence); err != nil {
		return 0, err
	}
	d, _ := s.a.get(s.path)
	if s.pos >= int64(len(d)) {
		return 0, nil
	}
	n := copy(buf, d[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *memStream) SeekWrite(buf []byte, offset int64, whence Whence) (int, error) {
	if err := s.seek(offset, whence); err != nil {
		return 0, err
	}
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	d := s.a.objects[s.path]
	end := s.pos + int64(len(buf))
	if end > int64(len(d)) {
		grown := make([]byte, end)
		copy(grown, d)
		d = grown
	}
	copy(d[s.pos:], buf)
	s.a.objects[s.path] = d
	s.pos = end
	return len(buf), nil
}

func (s *memStream) Release() error {
	if s.released {
		return errors.NewError(errors.ErrCodeNothingToDo, "already released")
	}
	s.released = true
	s.a.releases.Add(1)
	return nil
}

func (s *memStream) Close() error {
	s.a.closes.Add(1)
	return s.a.closeErr
}

// plainAdapter wraps memAdapter without exposing Release on its streams.
type plainAdapter struct{ *memAdapter }

func (p plainAdapter) Open(ctx context.Context, path string, flags OpenFlags) (Stream, error) {
	s, err := p.memAdapter.Open(ctx, path, flags)
	if err != nil {
		return nil, err
	}
	return struct{ Stream }{s}, nil
}
