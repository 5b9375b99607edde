package vfile

import (
	"io"
	"os"
	"strings"

	"github.com/objectfs/vfile/pkg/errors"
)

// OpenFlags selects the access a caller wants on a virtual file.
type OpenFlags uint32

const (
	Read OpenFlags = 1 << iota
	Write
	Create
	// FastOpen skips the existence check and length resolution on Open.
	// Adapters may also defer acquiring the underlying resource until the
	// first transfer.
	FastOpen
)

// Has reports whether all bits of o are set in f.
func (f OpenFlags) Has(o OpenFlags) bool {
	return f&o == o
}

// Writable reports whether the flags request a writing stream.
func (f OpenFlags) Writable() bool {
	return f&(Write|Create) != 0
}

func (f OpenFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fl := range []struct {
		bit  OpenFlags
		name string
	}{{Read, "read"}, {Write, "write"}, {Create, "create"}, {FastOpen, "fast"}} {
		if f&fl.bit != 0 {
			parts = append(parts, fl.name)
		}
	}
	return strings.Join(parts, "|")
}

// Whence is the origin of a seek. Values match io.SeekStart, io.SeekCurrent and io.SeekEnd.
type Whence int

const (
	SeekStart   Whence = io.SeekStart
	SeekCurrent Whence = io.SeekCurrent
	SeekEnd     Whence = io.SeekEnd
)

// Valid reports whether w is one of the three seek origins.
func (w Whence) Valid() bool {
	return w == SeekStart || w == SeekCurrent || w == SeekEnd
}

func (w Whence) String() string {
	switch w {
	case SeekStart:
		return "start"
	case SeekCurrent:
		return "current"
	case SeekEnd:
		return "end"
	default:
		return "invalid"
	}
}

// Mode is the access mode negotiated from a set of OpenFlags.
type Mode struct {
	Read     bool
	Write    bool
	Truncate bool
	// MustExist is set when the target is not created by Open.
	MustExist bool
}

// NegotiateMode maps OpenFlags to an access mode:
//
//	Read|Write|Create  read/write, truncate
//	Read|Write         read/write, must exist
//	Read (any Create)  read-only, must exist
//	Write and/or Create write-only, truncate
//
// Flags without Read, Write or Create are rejected with INVALID_PARAMETER.
func NegotiateMode(flags OpenFlags) (Mode, error) {
	switch {
	case flags.Has(Read | Write | Create):
		return Mode{Read: true, Write: true, Truncate: true}, nil
	case flags.Has(Read | Write):
		return Mode{Read: true, Write: true, MustExist: true}, nil
	case flags.Has(Read):
		return Mode{Read: true, MustExist: true}, nil
	case flags.Writable():
		return Mode{Write: true, Truncate: true}, nil
	default:
		return Mode{}, errors.NewError(errors.ErrCodeInvalidParameter, "no viable open mode").
			WithComponent("vfile").
			WithOperation("NegotiateMode").
			WithContext("flags", flags.String())
	}
}

// OSFlags converts the mode to os.OpenFile flags.
func (m Mode) OSFlags() int {
	var flag int
	switch {
	case m.Read && m.Write:
		flag = os.O_RDWR
	case m.Write:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}
	if !m.MustExist {
		flag |= os.O_CREATE
	}
	if m.Truncate {
		flag |= os.O_TRUNC
	}
	return flag
}

func (m Mode) String() string {
	switch {
	case m.Read && m.Write && m.Truncate:
		return "read/write, truncate"
	case m.Read && m.Write:
		return "read/write, must exist"
	case m.Read:
		return "read-only, must exist"
	case m.Write:
		return "write-only, truncate"
	default:
		return "none"
	}
}
