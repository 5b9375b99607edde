// Package raw serves files whose content is encoded in the name itself.
package raw

import (
	"context"
	"strings"

	"github.com/objectfs/vfile/pkg/errors"
	"github.com/objectfs/vfile/pkg/utils"
	"github.com/objectfs/vfile/pkg/vfile"
)

// Name is the adapter name reported to the registry.
const Name = "raw"

// Sink receives the re-encoded name of a raw file when a write stream closes.
type Sink func(path, encoded string) error

// Adapter decodes raw:// names into in-memory streams.
type Adapter struct {
	sink        Sink
	compression Compression
	logger      *utils.StructuredLogger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSink enables writing. Without a sink, opening for write fails.
func WithSink(sink Sink) Option {
	return func(a *Adapter) { a.sink = sink }
}

// WithCompression sets the compression used when a created file is
// re-encoded. Files opened without Create keep the compression of their name.
func WithCompression(c Compression) Option {
	return func(a *Adapter) { a.compression = c }
}

// WithLogger sets the adapter logger.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates a raw adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{logger: utils.NopLogger()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithComponent(Name)
	return a
}

// Name implements vfile.Adapter.
func (a *Adapter) Name() string { return Name }

// Handles claims raw:// names.
func (a *Adapter) Handles(path string) bool {
	return strings.HasPrefix(strings.ToLower(path), Prefix)
}

// Stat implements vfile.Adapter. The name is decoded to learn its length
// unless it declares one.
func (a *Adapter) Stat(_ context.Context, path string) (int64, error) {
	h, _, err := Parse(path)
	if err != nil {
		return 0, err
	}
	if h.HasSize {
		return int64(h.Size), nil
	}
	data, _, err := Decode(path)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Open implements vfile.Adapter.
func (a *Adapter) Open(_ context.Context, path string, flags vfile.OpenFlags) (vfile.Stream, error) {
	mode, err := vfile.NegotiateMode(flags)
	if err != nil {
		return nil, err
	}
	if mode.Write && a.sink == nil {
		return nil, errors.NewError(errors.ErrCodeOpenFailure, "raw files are read-only without a sink").
			WithComponent(Name).WithOperation("Open")
	}

	s := &stream{a: a, path: path, mode: mode}
	if mode.Truncate {
		h, _, err := Parse(path)
		if err != nil {
			return nil, err
		}
		s.original = h.OriginalName
		s.compression = a.compression
		s.data = []byte{}
		return s, nil
	}

	data, h, err := Decode(path)
	if err != nil {
		return nil, err
	}
	s.data = data
	s.original = h.OriginalName
	s.compression = h.Compression

	a.logger.Trace("raw file decoded", map[string]interface{}{
		"length":      len(data),
		"compression": h.Compression.String(),
	})
	return s, nil
}

type stream struct {
	a           *Adapter
	path        string
	mode        vfile.Mode
	original    string
	compression Compression

	data  []byte
	pos   int64
	dirty bool
}

func (s *stream) resolve(offset int64, whence vfile.Whence, op string) (int64, error) {
	var abs int64
	switch whence {
	case vfile.SeekStart:
		abs = offset
	case vfile.SeekCurrent:
		abs = s.pos + offset
	case vfile.SeekEnd:
		abs = int64(len(s.data)) + offset
	}
	if abs < 0 {
		return 0, errors.NewError(errors.ErrCodeOutOfRange, "seek before start of file").
			WithComponent(Name).WithOperation(op).WithDetail("offset", abs)
	}
	return abs, nil
}

// SeekRead copies from the decoded payload. Reading at the end returns zero
// bytes; reading beyond it is out of range.
func (s *stream) SeekRead(buf []byte, offset int64, whence vfile.Whence) (int, error) {
	abs, err := s.resolve(offset, whence, "SeekRead")
	if err != nil {
		return 0, err
	}
	if abs > int64(len(s.data)) {
		return 0, errors.NewError(errors.ErrCodeOutOfRange, "read beyond end of raw file").
			WithComponent(Name).WithOperation("SeekRead").
			WithDetail("offset", abs).WithDetail("length", len(s.data))
	}
	n := copy(buf, s.data[abs:])
	s.pos = abs + int64(n)
	return n, nil
}

// SeekWrite extends the payload as needed, zero-filling any gap.
func (s *stream) SeekWrite(buf []byte, offset int64, whence vfile.Whence) (int, error) {
	if !s.mode.Write {
		return 0, errors.NewError(errors.ErrCodeInvalidParameter, "stream not opened for writing").
			WithComponent(Name).WithOperation("SeekWrite")
	}
	abs, err := s.resolve(offset, whence, "SeekWrite")
	if err != nil {
		return 0, err
	}
	end := abs + int64(len(buf))
	if end > int64(len(s.data)) {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}
	n := copy(s.data[abs:], buf)
	s.pos = end
	s.dirty = true
	return n, nil
}

// Close hands the re-encoded name of a write stream to the sink.
func (s *stream) Close() error {
	if !s.mode.Write {
		return nil
	}
	encoded, err := EncodeNamed(s.original, s.data, s.compression)
	if err != nil {
		return err
	}
	if err := s.a.sink(s.path, encoded); err != nil {
		return errors.Wrap(err, errors.ErrCodeCloseFailure, "raw sink rejected encoded name").
			WithComponent(Name).WithOperation("Close")
	}
	s.a.logger.Debug("raw file re-encoded", map[string]interface{}{
		"length": len(s.data),
		"dirty":  s.dirty,
	})
	return nil
}
