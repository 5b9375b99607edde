package vfile

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/vfile/pkg/errors"
)

func newTestRegistry(t *testing.T, adapters ...Adapter) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.RegisterAdapter(a))
	}
	return reg
}

func TestNegotiateMode(t *testing.T) {
	tests := []struct {
		flags   OpenFlags
		want    Mode
		osFlags int
	}{
		{Read | Write | Create, Mode{Read: true, Write: true, Truncate: true}, os.O_RDWR | os.O_CREATE | os.O_TRUNC},
		{Read | Write, Mode{Read: true, Write: true, MustExist: true}, os.O_RDWR},
		{Read, Mode{Read: true, MustExist: true}, os.O_RDONLY},
		{Read | Create, Mode{Read: true, MustExist: true}, os.O_RDONLY},
		{Write, Mode{Write: true, Truncate: true}, os.O_WRONLY | os.O_CREATE | os.O_TRUNC},
		{Write | Create, Mode{Write: true, Truncate: true}, os.O_WRONLY | os.O_CREATE | os.O_TRUNC},
		{Create, Mode{Write: true, Truncate: true}, os.O_WRONLY | os.O_CREATE | os.O_TRUNC},
		{Read | FastOpen, Mode{Read: true, MustExist: true}, os.O_RDONLY},
	}

	for _, tt := range tests {
		t.Run(tt.flags.String(), func(t *testing.T) {
			mode, err := NegotiateMode(tt.flags)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mode)
			assert.Equal(t, tt.osFlags, mode.OSFlags())
		})
	}

	for _, flags := range []OpenFlags{0, FastOpen} {
		_, err := NegotiateMode(flags)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidParameter), "flags %v", flags)
	}
}

func TestRegistry_OpenWithoutAccessFlags(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://a", []byte("abc"))
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://a", 0)
	assert.Nil(t, f)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidParameter))
	assert.Equal(t, int32(0), mem.opens.Load(), "adapter must not be asked to open")
}

func TestRegistry_OpenMissingForRead(t *testing.T) {
	mem := newMemAdapter("mem")
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://missing", Read)
	assert.Nil(t, f)
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
	assert.Equal(t, int32(0), mem.opens.Load(), "missing target fails before Open")

	// FastOpen skips the existence check; the adapter itself refuses.
	f, err = reg.Open(context.Background(), "mem://missing", Read|FastOpen)
	assert.Nil(t, f)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	assert.Equal(t, int32(1), mem.opens.Load())
}

func TestRegistry_OpenMissingForReadWriteCreate(t *testing.T) {
	mem := newMemAdapter("mem")
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://new", Read|Write|Create)
	require.NoError(t, err)
	length, ok := f.Length()
	assert.True(t, ok)
	assert.Equal(t, int64(0), length)

	_, err = f.SeekWrite([]byte("fresh"), 0, SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := f.SeekRead(buf, 0, SeekStart)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(buf[:n]))
	require.NoError(t, Close(&f))

	data, ok := mem.get("mem://new")
	assert.True(t, ok)
	assert.Equal(t, "fresh", string(data))

	w, err := reg.Open(context.Background(), "mem://other", Write)
	require.NoError(t, err)
	length, ok = w.Length()
	assert.True(t, ok)
	assert.Equal(t, int64(0), length)
	require.NoError(t, Close(&w))
}

func TestRegistry_NoAdapter(t *testing.T) {
	reg := newTestRegistry(t, newMemAdapter("mem"))

	_, err := reg.Open(context.Background(), "ftp://host/file", Write)
	assert.True(t, errors.IsCode(err, errors.ErrCodeOpenFailure))

	_, err = reg.Open(context.Background(), "", Read)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidParameter))
}

func TestRegistry_FallsThroughToNextAdapter(t *testing.T) {
	first := newMemAdapter("first")
	first.openErr = fmt.Errorf("backend offline")
	second := newMemAdapter("second")
	reg := newTestRegistry(t, first, second)

	f, err := reg.Open(context.Background(), "mem://x", Write|Create)
	require.NoError(t, err)
	defer Close(&f)

	assert.Equal(t, "second", f.AdapterName())
	assert.Equal(t, int32(1), first.opens.Load())
	assert.Len(t, reg.Adapters(), 2)
	assert.Equal(t, "first", reg.Adapters()[0].Name())
}

func TestRegistry_AllAdaptersFail(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.openErr = fmt.Errorf("backend offline")
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://x", Write)
	assert.Nil(t, f)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeOpenFailure))
	assert.Contains(t, err.Error(), "backend offline")
}

func TestRegistry_Exists(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://five", []byte("12345"))
	reg := newTestRegistry(t, mem)

	size, err := reg.Exists(context.Background(), "mem://five")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	_, err = reg.Exists(context.Background(), "mem://none")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestRegistry_ConcurrentRegisterAndOpen(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://a", []byte("a"))
	reg := newTestRegistry(t, mem)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			other := newMemAdapter(fmt.Sprintf("extra-%d", i))
			other.prefix = "other://"
			assert.NoError(t, reg.RegisterAdapter(other))
		}(i)
		go func() {
			defer wg.Done()
			f, err := reg.Open(context.Background(), "mem://a", Read)
			if assert.NoError(t, err) {
				assert.NoError(t, Close(&f))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, reg.Adapters(), 9)
	assert.Error(t, reg.RegisterAdapter(nil))
}

func TestFile_TruncateAndRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 17, 4096} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			mem := newMemAdapter("mem")
			mem.put("mem://rt", []byte("pre-existing content"))
			reg := newTestRegistry(t, mem)

			f, err := reg.Open(context.Background(), "mem://rt", Read|Write|Create)
			require.NoError(t, err)

			length, ok := f.Length()
			assert.True(t, ok)
			assert.Equal(t, int64(0), length, "length reflects the truncate")

			head := make([]byte, 8)
			got, err := f.SeekRead(head, 0, SeekStart)
			require.NoError(t, err)
			assert.Equal(t, 0, got, "content must be discarded")

			data := bytes.Repeat([]byte{0xA5, 0x5A, 0x01}, n/3+1)[:n]
			wrote, err := f.SeekWrite(data, 0, SeekStart)
			require.NoError(t, err)
			assert.Equal(t, n, wrote)

			out := make([]byte, n)
			read, err := f.SeekRead(out, 0, SeekStart)
			require.NoError(t, err)
			assert.Equal(t, n, read)
			assert.Equal(t, data, out)

			require.NoError(t, Close(&f))
		})
	}
}

func TestFile_ZeroLengthTransfers(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://z", []byte("0123456789"))
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://z", Read|Write)
	require.NoError(t, err)
	defer Close(&f)

	buf := make([]byte, 3)
	_, err = f.SeekRead(buf, 2, SeekStart)
	require.NoError(t, err)
	seeks := mem.seeks.Load()

	n, err := f.SeekRead(nil, 7, SeekStart)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = f.SeekWrite([]byte{}, 1, SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, seeks, mem.seeks.Load(), "zero-length transfers must not reposition")

	n, err = f.SeekRead(buf, 0, SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, "567", string(buf[:n]))
}

func TestFile_ConsecutiveCurrentReadsAreContiguous(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://c", []byte("abcdefghij"))
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://c", Read)
	require.NoError(t, err)
	defer Close(&f)

	first := make([]byte, 4)
	second := make([]byte, 4)
	_, err = f.SeekRead(first, 0, SeekCurrent)
	require.NoError(t, err)
	_, err = f.SeekRead(second, 0, SeekCurrent)
	require.NoError(t, err)

	assert.Equal(t, "abcd", string(first))
	assert.Equal(t, "efgh", string(second))
	assert.Equal(t, int32(0), mem.seeks.Load(), "(0, current) must never reposition")

	third := make([]byte, 4)
	n, err := f.SeekRead(third, 0, SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "short read is success")
	assert.Equal(t, "ij", string(third[:n]))
}

func TestFile_CloseNilsReference(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://c", []byte("abc"))
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://c", Read)
	require.NoError(t, err)
	held := f

	require.NoError(t, Close(&f))
	assert.Nil(t, f)
	assert.NoError(t, Close(&f), "closing an absent reference is a no-op")
	assert.NoError(t, Close(nil))
	assert.NoError(t, held.Close(), "second Close on the handle is a no-op")
	assert.Equal(t, int32(1), mem.closes.Load(), "stream released exactly once")

	_, err = held.SeekRead(make([]byte, 1), 0, SeekStart)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidParameter))
	assert.Contains(t, err.Error(), "file is closed")
	_, err = held.SeekWrite(make([]byte, 1), 0, SeekStart)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidParameter))
}

func TestFile_NilHandle(t *testing.T) {
	var f *File

	n, err := f.SeekRead(make([]byte, 1), 0, SeekStart)
	assert.Equal(t, 0, n)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidParameter))

	n, err = f.SeekWrite([]byte("x"), 0, SeekStart)
	assert.Equal(t, 0, n)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidParameter))

	assert.True(t, errors.IsCode(f.Release(), errors.ErrCodeInvalidParameter))

	lease, err := f.Acquire()
	assert.Nil(t, lease)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidParameter))

	assert.NoError(t, f.Close())
	assert.NoError(t, Close(&f))
}

func TestFile_CloseFailureIsReported(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.closeErr = fmt.Errorf("flush failed")
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://w", Write)
	require.NoError(t, err)

	err = Close(&f)
	assert.Nil(t, f)
	assert.True(t, stderrors.Is(err, errors.ErrCloseFailure))
	assert.Contains(t, err.Error(), "flush failed")
	assert.Equal(t, int32(1), mem.closes.Load())
}

func TestFile_InvalidWhenceAndReadOnlyWrite(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://r", []byte("abc"))
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://r", Read)
	require.NoError(t, err)
	defer Close(&f)

	_, err = f.SeekRead(make([]byte, 1), 0, Whence(9))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidParameter))

	_, err = f.SeekWrite([]byte("x"), 0, SeekStart)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidParameter))
}

func TestFile_Accessors(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://acc", []byte("12345678"))
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://acc", Read)
	require.NoError(t, err)
	defer Close(&f)

	assert.Equal(t, "mem://acc", f.Path())
	assert.Equal(t, Read, f.Flags())
	length, ok := f.Length()
	assert.True(t, ok)
	assert.Equal(t, int64(8), length)

	fast, err := reg.Open(context.Background(), "mem://acc", Read|FastOpen)
	require.NoError(t, err)
	defer Close(&fast)
	_, ok = fast.Length()
	assert.False(t, ok, "FastOpen does not resolve the length")
}

func TestFile_SeekBase(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://sb", []byte("HEADERpayload!"))
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://sb", Read)
	require.NoError(t, err)
	defer Close(&f)

	f.SetSeekBase(6, 8)

	buf := make([]byte, 3)
	n, err := f.SeekRead(buf, 0, SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, "pay", string(buf[:n]), "cursor moves to the base")

	n, err = f.SeekRead(buf, 0, SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, "loa", string(buf[:n]))

	n, err = f.SeekRead(buf, 1, SeekStart)
	require.NoError(t, err)
	assert.Equal(t, "ayl", string(buf[:n]))

	n, err = f.SeekRead(buf, -3, SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, "ad!", string(buf[:n]))

	length, ok := f.Length()
	assert.True(t, ok)
	assert.Equal(t, int64(8), length)
}

func TestFile_Release(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://rel", []byte("abcdef"))
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://rel", Read)
	require.NoError(t, err)

	buf := make([]byte, 2)
	_, err = f.SeekRead(buf, 0, SeekCurrent)
	require.NoError(t, err)

	require.NoError(t, f.Release())
	err = f.Release()
	assert.True(t, errors.IsCode(err, errors.ErrCodeNothingToDo))

	n, err := f.SeekRead(buf, 0, SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, "cd", string(buf[:n]), "position survives release")
	assert.Equal(t, int32(1), mem.releases.Load())
	require.NoError(t, Close(&f))
}

func TestFile_ReleaseRejected(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://rel", []byte("abc"))
	plain := plainAdapter{newMemAdapter("plain")}
	plain.prefix = "plain://"
	plain.put("plain://rel", []byte("abc"))
	reg := newTestRegistry(t, mem, plain)

	w, err := reg.Open(context.Background(), "mem://w", Write)
	require.NoError(t, err)
	assert.True(t, errors.IsCode(w.Release(), errors.ErrCodeInvalidConfig))
	require.NoError(t, Close(&w))

	p, err := reg.Open(context.Background(), "plain://rel", Read)
	require.NoError(t, err)
	assert.True(t, errors.IsCode(p.Release(), errors.ErrCodeInvalidConfig))

	held := p
	require.NoError(t, Close(&p))
	assert.True(t, errors.IsCode(held.Release(), errors.ErrCodeInvalidParameter))
}

func TestFile_Performance(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://p", bytes.Repeat([]byte("x"), 1024))
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://p", Read)
	require.NoError(t, err)
	defer Close(&f)

	buf := make([]byte, 1024)
	_, err = f.SeekRead(buf, 0, SeekStart)
	require.NoError(t, err)

	perf := f.Performance()
	assert.Equal(t, int64(1024), perf.TotalBytes)
	assert.Equal(t, 0, perf.RequestsInFlight)

	lease, err := f.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 1, f.Performance().RequestsInFlight)
	lease.Release()
	lease.Release()
	assert.Equal(t, 0, f.Performance().RequestsInFlight)
}

func TestFile_CloseWaitsForLeases(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.put("mem://l", []byte("abcdef"))
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://l", Read)
	require.NoError(t, err)

	lease, err := f.Acquire()
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- f.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a lease was outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = f.Acquire()
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidParameter), "no new requests once closing")

	buf := make([]byte, 3)
	n, err := lease.SeekRead(buf, 0, SeekStart)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))
	assert.Equal(t, int32(0), mem.closes.Load(), "stream still open while leased")
	lease.Release()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the lease was released")
	}
	assert.Equal(t, int32(1), mem.closes.Load())
}

func TestLoadAndSave(t *testing.T) {
	mem := newMemAdapter("mem")
	reg := newTestRegistry(t, mem)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("vfile"), 50000)
	require.NoError(t, Save(ctx, reg, "mem://blob", payload))

	stored, ok := mem.get("mem://blob")
	require.True(t, ok)
	assert.Equal(t, payload, stored)

	loaded, err := Load(ctx, reg, "mem://blob")
	require.NoError(t, err)
	assert.Equal(t, payload, loaded)

	require.NoError(t, Save(ctx, reg, "mem://empty", nil))
	loaded, err = Load(ctx, reg, "mem://empty")
	require.NoError(t, err)
	assert.Empty(t, loaded)

	_, err = Load(ctx, reg, "mem://missing")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestReadAllUnknownLength(t *testing.T) {
	mem := newMemAdapter("mem")
	payload := bytes.Repeat([]byte{1, 2, 3, 4}, 100000)
	mem.put("mem://big", payload)
	reg := newTestRegistry(t, mem)

	f, err := reg.Open(context.Background(), "mem://big", Read|FastOpen)
	require.NoError(t, err)
	defer Close(&f)

	data, err := readAll(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestSave_CloseFailure(t *testing.T) {
	mem := newMemAdapter("mem")
	mem.closeErr = fmt.Errorf("upload rejected")
	reg := newTestRegistry(t, mem)

	err := Save(context.Background(), reg, "mem://x", []byte("abc"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeCloseFailure))
}

type closingAdapter struct {
	*memAdapter
	err error
}

func (c closingAdapter) Close() error { return c.err }

func TestRegistry_Close(t *testing.T) {
	reg := newTestRegistry(t,
		closingAdapter{newMemAdapter("a"), fmt.Errorf("a failed")},
		newMemAdapter("b"),
		closingAdapter{newMemAdapter("c"), fmt.Errorf("c failed")},
	)

	err := reg.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "c failed")
}
