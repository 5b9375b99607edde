package buffer

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// WriteBuffer stages positional writes in memory until they are flushed as a
// single object. It backs write streams of adapters whose storage cannot be
// updated in place.
type WriteBuffer struct {
	mu      sync.RWMutex
	config  *WriteBufferConfig
	data    []byte
	pos     int64
	dirty   bool
	stats   WriteBufferStats
	flushed bool
}

// WriteBufferConfig limits a WriteBuffer.
type WriteBufferConfig struct {
	// MaxBufferSize bounds the staged object. Zero means no limit.
	MaxBufferSize int64 `yaml:"max_buffer_size"`
	// InitialCapacity preallocates the backing slice.
	InitialCapacity int `yaml:"initial_capacity"`
}

// WriteBufferStats tracks activity on a WriteBuffer.
type WriteBufferStats struct {
	TotalWrites  uint64        `json:"total_writes"`
	TotalBytes   int64         `json:"total_bytes"`
	TotalFlushes uint64        `json:"total_flushes"`
	LastFlush    time.Time     `json:"last_flush"`
	FlushTime    time.Duration `json:"flush_time"`
}

// FlushCallback receives the complete staged object.
type FlushCallback func(data []byte) error

// NewWriteBuffer creates an empty staging buffer.
func NewWriteBuffer(config *WriteBufferConfig) *WriteBuffer {
	if config == nil {
		config = &WriteBufferConfig{}
	}
	wb := &WriteBuffer{config: config}
	if config.InitialCapacity > 0 {
		wb.data = make([]byte, 0, config.InitialCapacity)
	}
	return wb
}

// Seek moves the staging cursor and returns the new absolute position.
func (wb *WriteBuffer) Seek(offset int64, whence int) (int64, error) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = wb.pos + offset
	case io.SeekEnd:
		abs = int64(len(wb.data)) + offset
	default:
		return wb.pos, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return wb.pos, fmt.Errorf("negative position %d", abs)
	}
	wb.pos = abs
	return abs, nil
}

// Write stages p at the cursor, growing the object and zero-filling any gap.
func (wb *WriteBuffer) Write(p []byte) (int, error) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	end := wb.pos + int64(len(p))
	if wb.config.MaxBufferSize > 0 && end > wb.config.MaxBufferSize {
		return 0, fmt.Errorf("write of %d bytes at %d exceeds buffer limit %d", len(p), wb.pos, wb.config.MaxBufferSize)
	}
	if end > int64(len(wb.data)) {
		if end > int64(cap(wb.data)) {
			grown := make([]byte, end, max(end, 2*int64(cap(wb.data))))
			copy(grown, wb.data)
			wb.data = grown
		} else {
			old := len(wb.data)
			wb.data = wb.data[:end]
			clear(wb.data[old:])
		}
	}
	copy(wb.data[wb.pos:end], p)
	wb.pos = end
	wb.dirty = true
	wb.stats.TotalWrites++
	wb.stats.TotalBytes += int64(len(p))
	return len(p), nil
}

// ReadAt reads staged bytes, so a read/write stream sees its own writes.
func (wb *WriteBuffer) ReadAt(p []byte, off int64) (int, error) {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	if off >= int64(len(wb.data)) {
		return 0, io.EOF
	}
	n := copy(p, wb.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Load replaces the staged content, for streams that start from an existing object.
func (wb *WriteBuffer) Load(data []byte) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.data = append(wb.data[:0], data...)
	wb.pos = 0
}

// Size returns the staged object length.
func (wb *WriteBuffer) Size() int64 {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	return int64(len(wb.data))
}

// Dirty reports whether anything was written since the last flush.
func (wb *WriteBuffer) Dirty() bool {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	return wb.dirty
}

// Flush hands the staged object to callback and clears the dirty flag on success.
// An object that was never flushed is handed over even when empty.
func (wb *WriteBuffer) Flush(callback FlushCallback) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if !wb.dirty && wb.flushed {
		return nil
	}

	start := time.Now()
	if err := callback(wb.data); err != nil {
		return err
	}
	wb.dirty = false
	wb.flushed = true
	wb.stats.TotalFlushes++
	wb.stats.LastFlush = time.Now()
	wb.stats.FlushTime = time.Since(start)
	return nil
}

// GetStats returns a snapshot of the buffer statistics.
func (wb *WriteBuffer) GetStats() WriteBufferStats {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	return wb.stats
}

// Reset drops the staged content.
func (wb *WriteBuffer) Reset() {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.data = wb.data[:0]
	wb.pos = 0
	wb.dirty = false
}
