package vfile

import (
	"context"

	"go.uber.org/multierr"

	"github.com/objectfs/vfile/internal/buffer"
	"github.com/objectfs/vfile/pkg/errors"
)

const (
	loadInitialChunk = 64 << 10
	loadMaxChunk     = 16 << 20
)

// Load reads the whole of path into memory. When the length cannot be
// resolved up front it reads in growing chunks until a short read.
func Load(ctx context.Context, reg *Registry, path string) ([]byte, error) {
	f, err := reg.Open(ctx, path, Read)
	if err != nil {
		return nil, err
	}

	data, err := readAll(ctx, f)
	return data, multierr.Append(err, Close(&f))
}

func readAll(ctx context.Context, f *File) ([]byte, error) {
	if length, ok := f.Length(); ok {
		data := make([]byte, length)
		n, err := f.SeekRead(data, 0, SeekStart)
		if err != nil {
			return nil, err
		}
		return data[:n], nil
	}

	var data []byte
	chunk := loadInitialChunk
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeCancelled, "load cancelled").
				WithComponent("vfile").WithOperation("Load").WithContext("path", f.Path())
		}

		buf := buffer.GetBuffer(chunk)
		n, err := f.SeekRead(buf, 0, SeekCurrent)
		data = append(data, buf[:n]...)
		buffer.PutBuffer(buf)
		if err != nil {
			return nil, err
		}
		if n < chunk {
			return data, nil
		}
		if chunk < loadMaxChunk {
			chunk *= 2
		}
	}
}

// Save writes data to path, creating or truncating it. A short write is
// reported as WRITE_FAILURE.
func Save(ctx context.Context, reg *Registry, path string, data []byte) error {
	f, err := reg.Open(ctx, path, Write|Create)
	if err != nil {
		return err
	}

	n, err := f.SeekWrite(data, 0, SeekStart)
	if err == nil && n != len(data) {
		err = errors.Newf(errors.ErrCodeWriteFailure, "short write: %d of %d bytes", n, len(data)).
			WithComponent("vfile").WithOperation("Save").WithContext("path", path)
	}
	return multierr.Append(err, Close(&f))
}
