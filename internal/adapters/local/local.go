// Package local serves plain filesystem paths through an afero.Fs.
package local

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"

	"github.com/objectfs/vfile/pkg/errors"
	"github.com/objectfs/vfile/pkg/utils"
	"github.com/objectfs/vfile/pkg/vfile"
)

const (
	// Name is the adapter name reported to the registry.
	Name = "local"

	filePrefix = "file://"
)

// Adapter opens paths without a scheme, or with file://, on an afero.Fs.
type Adapter struct {
	fs     afero.Fs
	perm   os.FileMode
	logger *utils.StructuredLogger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithPerm sets the permission bits of created files. The default is 0644.
func WithPerm(perm os.FileMode) Option {
	return func(a *Adapter) { a.perm = perm }
}

// WithLogger sets the adapter logger.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates a local adapter on fs. A nil fs means the OS filesystem.
func New(fs afero.Fs, opts ...Option) *Adapter {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	a := &Adapter{fs: fs, perm: 0o644, logger: utils.NopLogger()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithComponent(Name)
	return a
}

// Name implements vfile.Adapter.
func (a *Adapter) Name() string { return Name }

// Handles claims file:// paths and any path without a scheme.
func (a *Adapter) Handles(path string) bool {
	if strings.HasPrefix(path, filePrefix) {
		return true
	}
	return path != "" && !strings.Contains(path, "://")
}

// Fs returns the underlying filesystem.
func (a *Adapter) Fs() afero.Fs { return a.fs }

func fsPath(path string) string {
	return strings.TrimPrefix(path, filePrefix)
}

// Stat implements vfile.Adapter.
func (a *Adapter) Stat(_ context.Context, path string) (int64, error) {
	info, err := a.fs.Stat(fsPath(path))
	if err != nil {
		return 0, translate(err, errors.ErrCodeNotFound, "Stat", path)
	}
	if info.IsDir() {
		return 0, errors.NewError(errors.ErrCodeInvalidParameter, "path is a directory").
			WithComponent(Name).WithOperation("Stat").WithContext("path", path)
	}
	return info.Size(), nil
}

// Open implements vfile.Adapter. With FastOpen the file is not opened until
// the first transfer.
func (a *Adapter) Open(_ context.Context, path string, flags vfile.OpenFlags) (vfile.Stream, error) {
	mode, err := vfile.NegotiateMode(flags)
	if err != nil {
		return nil, err
	}

	s := &stream{
		a:       a,
		path:    path,
		name:    fsPath(path),
		mode:    mode,
		osFlags: mode.OSFlags(),
	}
	if !flags.Has(vfile.FastOpen) {
		if err := s.ensureOpen(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type stream struct {
	a       *Adapter
	path    string
	name    string
	mode    vfile.Mode
	osFlags int

	file   afero.File
	pos    int64
	opened bool
}

func (s *stream) ensureOpen() error {
	if s.file != nil {
		return nil
	}

	flags := s.osFlags
	if s.opened {
		// Reopening after Release must not truncate or recreate.
		flags &^= os.O_TRUNC | os.O_CREATE
	}
	f, err := s.a.fs.OpenFile(s.name, flags, s.a.perm)
	if err != nil {
		code := errors.ErrCodeOpenFailure
		if os.IsNotExist(err) {
			code = errors.ErrCodeNotFound
		}
		return translate(err, code, "Open", s.path)
	}
	if s.pos != 0 {
		if _, err := f.Seek(s.pos, io.SeekStart); err != nil {
			_ = f.Close()
			return translate(err, errors.ErrCodeOpenFailure, "Open", s.path)
		}
	}
	s.file = f
	s.opened = true
	return nil
}

func (s *stream) seek(offset int64, whence vfile.Whence) error {
	if offset == 0 && whence == vfile.SeekCurrent {
		return nil
	}
	prev := s.pos
	pos, err := s.file.Seek(offset, int(whence))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeOutOfRange, "seek failed").
			WithComponent(Name).WithOperation("Seek").
			WithContext("path", s.path).
			WithDetail("offset", offset).
			WithDetail("whence", whence.String())
	}
	if pos < 0 {
		_, _ = s.file.Seek(prev, io.SeekStart)
		return errors.NewError(errors.ErrCodeOutOfRange, "seek before start of file").
			WithComponent(Name).WithOperation("Seek").WithContext("path", s.path)
	}
	s.pos = pos
	return nil
}

// SeekRead reads until buf is full or the file ends.
func (s *stream) SeekRead(buf []byte, offset int64, whence vfile.Whence) (int, error) {
	if !s.mode.Read {
		return 0, errors.NewError(errors.ErrCodeInvalidParameter, "stream not opened for reading").
			WithComponent(Name).WithOperation("SeekRead").WithContext("path", s.path)
	}
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	if err := s.seek(offset, whence); err != nil {
		return 0, err
	}

	total := 0
	for total < len(buf) {
		n, err := s.file.Read(buf[total:])
		total += n
		s.pos += int64(n)
		// Some afero filesystems report reads past the end as ErrUnexpectedEOF.
		if err == io.EOF || err == io.ErrUnexpectedEOF || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return total, translate(err, errors.ErrCodeReadFailure, "SeekRead", s.path)
		}
	}
	return total, nil
}

func (s *stream) SeekWrite(buf []byte, offset int64, whence vfile.Whence) (int, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	if err := s.seek(offset, whence); err != nil {
		return 0, err
	}

	n, err := s.file.Write(buf)
	s.pos += int64(n)
	if err != nil {
		return n, translate(err, errors.ErrCodeWriteFailure, "SeekWrite", s.path)
	}
	return n, nil
}

// Release closes the OS file and keeps the position for the next transfer.
func (s *stream) Release() error {
	if s.file == nil {
		return errors.NewError(errors.ErrCodeNothingToDo, "stream already released").
			WithComponent(Name).WithOperation("Release").WithContext("path", s.path)
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return translate(err, errors.ErrCodeCloseFailure, "Release", s.path)
	}
	return nil
}

func (s *stream) Close() error {
	// A deferred write stream still creates its target.
	if !s.opened && s.mode.Write {
		if err := s.ensureOpen(); err != nil {
			return err
		}
	}
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return translate(err, errors.ErrCodeCloseFailure, "Close", s.path)
	}
	return nil
}

func translate(err error, code errors.ErrorCode, op, path string) error {
	if os.IsPermission(err) {
		code = errors.ErrCodeAccessDenied
	}
	return errors.Wrap(err, code, strings.ToLower(op)+" failed").
		WithComponent(Name).WithOperation(op).WithContext("path", path)
}
