package s3

import (
	"context"
	"io"

	"github.com/objectfs/vfile/internal/buffer"
	"github.com/objectfs/vfile/pkg/errors"
	"github.com/objectfs/vfile/pkg/vfile"
)

type stream struct {
	a   *Adapter
	loc location

	// read streams
	info   objectInfo
	known  bool
	object string
	pos    int64

	// write streams
	wbuf *buffer.WriteBuffer
}

func (s *stream) ensureInfo(ctx context.Context) error {
	if s.known {
		return nil
	}
	info, err := s.a.head(ctx, s.loc)
	if err != nil {
		return err
	}
	s.info = info
	s.known = true
	s.object = s.loc.String() + "#" + info.etag
	return nil
}

func (s *stream) resolve(offset int64, whence vfile.Whence, size int64, op string) (int64, error) {
	var abs int64
	switch whence {
	case vfile.SeekStart:
		abs = offset
	case vfile.SeekCurrent:
		abs = s.pos + offset
	case vfile.SeekEnd:
		abs = size + offset
	}
	if abs < 0 {
		return 0, errors.NewError(errors.ErrCodeOutOfRange, "seek before start of object").
			WithComponent(Name).WithOperation(op).WithDetail("offset", abs)
	}
	return abs, nil
}

func outOfRange(abs, size int64) error {
	return errors.NewError(errors.ErrCodeOutOfRange, "read beyond end of object").
		WithComponent(Name).WithOperation("SeekRead").
		WithDetail("offset", abs).WithDetail("length", size)
}

// SeekRead serves reads from the block cache, fetching missing blocks with
// read-ahead. Write streams read their own staged content.
func (s *stream) SeekRead(buf []byte, offset int64, whence vfile.Whence) (int, error) {
	if s.wbuf != nil {
		return s.readStaged(buf, offset, whence)
	}

	ctx := context.Background()
	if err := s.ensureInfo(ctx); err != nil {
		return 0, err
	}
	size := s.info.size
	abs, err := s.resolve(offset, whence, size, "SeekRead")
	if err != nil {
		return 0, err
	}
	if abs > size {
		return 0, outOfRange(abs, size)
	}

	bs := s.a.cfg.BlockSize
	n := 0
	pos := abs
	for n < len(buf) && pos < size {
		index := pos / bs
		block, err := s.block(ctx, index)
		if err != nil {
			s.pos = pos
			return n, err
		}
		within := pos - index*bs
		if within >= int64(len(block)) {
			// object shrank under us
			break
		}
		c := copy(buf[n:], block[within:])
		n += c
		pos += int64(c)
	}
	s.pos = pos
	return n, nil
}

func (s *stream) readStaged(buf []byte, offset int64, whence vfile.Whence) (int, error) {
	size := s.wbuf.Size()
	abs, err := s.resolve(offset, whence, size, "SeekRead")
	if err != nil {
		return 0, err
	}
	if abs > size {
		return 0, outOfRange(abs, size)
	}
	n, err := s.wbuf.ReadAt(buf, abs)
	if err != nil && err != io.EOF {
		return n, errors.Wrap(err, errors.ErrCodeReadFailure, "failed to read staged object").
			WithComponent(Name).WithOperation("SeekRead")
	}
	s.pos = abs + int64(n)
	return n, nil
}

// block returns block index, fetching it and up to ReadAheadBlocks
// uncached successors in one ranged GET on a miss.
func (s *stream) block(ctx context.Context, index int64) ([]byte, error) {
	c := s.a.cache
	if data, ok := c.Get(s.object, index); ok {
		s.a.observer.RecordCacheHit()
		return data, nil
	}
	s.a.observer.RecordCacheMiss()

	bs := s.a.cfg.BlockSize
	lastIndex := (s.info.size - 1) / bs
	last := index
	for i := 0; i < s.a.cfg.ReadAheadBlocks && last < lastIndex; i++ {
		if c.Contains(s.object, last+1) {
			break
		}
		last++
	}

	start := index * bs
	end := min((last+1)*bs, s.info.size)
	length := int(end - start)

	raw := buffer.GetBuffer(length)
	defer buffer.PutBuffer(raw)

	got, err := s.a.getRange(ctx, s.loc, start, raw)
	if err != nil {
		return nil, err
	}
	raw = raw[:got]

	var first []byte
	for i := index; i <= last; i++ {
		lo := (i - index) * bs
		if lo >= int64(len(raw)) {
			break
		}
		hi := min(lo+bs, int64(len(raw)))
		c.Put(s.object, i, raw[lo:hi])
		if i == index {
			first = append([]byte(nil), raw[lo:hi]...)
		}
	}
	s.a.observer.UpdateCacheSize(c.Size())

	if first == nil {
		return nil, errors.NewError(errors.ErrCodeReadFailure, "object returned no data for block").
			WithComponent(Name).WithOperation("SeekRead").
			WithContext("object", s.loc.String()).WithDetail("block", index)
	}
	return first, nil
}

// SeekWrite stages data for upload on Close.
func (s *stream) SeekWrite(buf []byte, offset int64, whence vfile.Whence) (int, error) {
	if s.wbuf == nil {
		return 0, errors.NewError(errors.ErrCodeInvalidParameter, "stream not opened for writing").
			WithComponent(Name).WithOperation("SeekWrite")
	}
	abs, err := s.resolve(offset, whence, s.wbuf.Size(), "SeekWrite")
	if err != nil {
		return 0, err
	}
	if _, err := s.wbuf.Seek(abs, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeOutOfRange, "invalid write position").
			WithComponent(Name).WithOperation("SeekWrite")
	}
	n, err := s.wbuf.Write(buf)
	if err != nil {
		return n, errors.Wrap(err, errors.ErrCodeOutOfRange, "object exceeds max_object_size").
			WithComponent(Name).WithOperation("SeekWrite").
			WithDetail("max_object_size", s.a.cfg.MaxObjectSize)
	}
	s.pos = abs + int64(n)
	return n, nil
}

// Close uploads a write stream and drops any cached blocks of the object.
func (s *stream) Close() error {
	if s.wbuf == nil {
		return nil
	}
	err := s.wbuf.Flush(func(data []byte) error {
		return s.a.put(context.Background(), s.loc, data)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCloseFailure, "failed to upload object").
			WithComponent(Name).WithOperation("Close").
			WithContext("object", s.loc.String())
	}
	// blocks cached under any etag of this object are stale now
	s.a.cache.InvalidatePrefix(s.loc.String() + "#")
	return nil
}
