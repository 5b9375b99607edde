package raw

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/objectfs/vfile/pkg/errors"
)

// Prefix introduces an in-memory file whose content is carried in the name.
const Prefix = "raw://"

// Compression is the payload encoding of a raw name.
type Compression int

const (
	None Compression = iota
	RawDeflate
	ZlibDeflate
	GzipDeflate
)

var compressionNames = map[Compression]string{
	RawDeflate:  "RawDeflate",
	ZlibDeflate: "ZlibDeflate",
	GzipDeflate: "GzipDeflate",
}

func (c Compression) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	if c == None {
		return "None"
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

// ParseCompression accepts the names produced by String, case-insensitively.
func ParseCompression(s string) (Compression, error) {
	if strings.EqualFold(s, "none") || s == "" {
		return None, nil
	}
	for c, name := range compressionNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return None, errors.Newf(errors.ErrCodeParseError, "unknown compression %q", s).
		WithComponent(Name).WithOperation("ParseCompression")
}

// Header holds the declarations that may precede the '@' of a raw name:
//
//	raw://filename="orig.bin",compression=ZlibDeflate,size=43@<base64>
type Header struct {
	OriginalName string
	Compression  Compression
	// Size is the decoded length; it is required for compressed payloads.
	Size    int
	HasSize bool
}

// Parse splits a raw name into its header and base64 payload.
func Parse(path string) (Header, string, error) {
	var h Header
	if !strings.HasPrefix(strings.ToLower(path), Prefix) {
		return h, "", errors.NewError(errors.ErrCodeParseError, "not a raw name").
			WithComponent(Name).WithOperation("Parse")
	}
	rest := path[len(Prefix):]

	at := strings.IndexByte(rest, '@')
	if at < 0 {
		return h, rest, nil
	}
	decl, payload := rest[:at], rest[at+1:]

	for decl != "" {
		var field string
		if strings.HasPrefix(strings.ToLower(decl), "filename=\"") {
			end := strings.IndexByte(decl[len("filename=\""):], '"')
			if end < 0 {
				return h, "", parseError("unterminated filename")
			}
			h.OriginalName = decl[len("filename=\"") : len("filename=\"")+end]
			decl = strings.TrimPrefix(decl[len("filename=\"")+end+1:], ",")
			continue
		}

		field, decl, _ = strings.Cut(decl, ",")
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return h, "", parseError(fmt.Sprintf("malformed declaration %q", field))
		}
		switch strings.ToLower(key) {
		case "compression":
			c, err := ParseCompression(value)
			if err != nil {
				return h, "", err
			}
			h.Compression = c
		case "size":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return h, "", parseError(fmt.Sprintf("invalid size %q", value))
			}
			h.Size, h.HasSize = n, true
		case "allocationsize":
			// Names generated for fixed-size buffers; the buffer limit does not apply here.
		default:
			return h, "", parseError(fmt.Sprintf("unknown declaration %q", key))
		}
	}
	return h, payload, nil
}

func parseError(msg string) error {
	return errors.NewError(errors.ErrCodeParseError, msg).WithComponent(Name).WithOperation("Parse")
}

// Decode returns the content carried by a raw name.
func Decode(path string) ([]byte, Header, error) {
	h, payload, err := Parse(path)
	if err != nil {
		return nil, h, err
	}
	if payload == "" {
		return []byte{}, h, nil
	}

	decoded, err := decodeBase64(payload)
	if err != nil {
		return nil, h, errors.Wrap(err, errors.ErrCodeParseError, "invalid base64 payload").
			WithComponent(Name).WithOperation("Decode")
	}
	if h.Compression == None {
		return decoded, h, nil
	}
	if !h.HasSize {
		return nil, h, errors.NewError(errors.ErrCodeInvalidConfig, "compressed raw name requires size=").
			WithComponent(Name).WithOperation("Decode")
	}

	data, err := inflate(decoded, h.Size, h.Compression)
	if err != nil {
		return nil, h, errors.Wrap(err, errors.ErrCodeReadFailure, "failed to inflate payload").
			WithComponent(Name).WithOperation("Decode").
			WithContext("compression", h.Compression.String())
	}
	return data, h, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func inflate(src []byte, size int, c Compression) ([]byte, error) {
	var (
		r   io.ReadCloser
		err error
	)
	switch c {
	case RawDeflate:
		r = flate.NewReader(bytes.NewReader(src))
	case ZlibDeflate:
		r, err = zlib.NewReader(bytes.NewReader(src))
	case GzipDeflate:
		r, err = gzip.NewReader(bytes.NewReader(src))
	default:
		return nil, fmt.Errorf("unsupported compression %v", c)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func deflate(data []byte, c Compression) ([]byte, error) {
	var buf bytes.Buffer
	var (
		w   io.WriteCloser
		err error
	)
	switch c {
	case RawDeflate:
		w, err = flate.NewWriter(&buf, flate.BestCompression)
	case ZlibDeflate:
		w, err = zlib.NewWriterLevel(&buf, zlib.BestCompression)
	case GzipDeflate:
		w, err = gzip.NewWriterLevel(&buf, gzip.BestCompression)
	default:
		return nil, fmt.Errorf("unsupported compression %v", c)
	}
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode builds a raw name carrying data. Compressed names declare the
// decoded size.
func Encode(data []byte, c Compression) (string, error) {
	return EncodeNamed("", data, c)
}

// EncodeNamed is Encode with an original filename recorded in the header.
func EncodeNamed(original string, data []byte, c Compression) (string, error) {
	if strings.ContainsRune(original, '"') {
		return "", errors.NewError(errors.ErrCodeInvalidParameter, "original name may not contain quotes").
			WithComponent(Name).WithOperation("Encode")
	}

	payload := data
	if c != None && len(data) > 0 {
		compressed, err := deflate(data, c)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrCodeWriteFailure, "failed to deflate payload").
				WithComponent(Name).WithOperation("Encode")
		}
		payload = compressed
	}

	var sb strings.Builder
	sb.WriteString(Prefix)
	var decl []string
	if original != "" {
		decl = append(decl, `filename="`+original+`"`)
	}
	if c != None {
		decl = append(decl, "compression="+c.String())
	}
	if len(decl) > 0 || c != None {
		decl = append(decl, "size="+strconv.Itoa(len(data)))
		sb.WriteString(strings.Join(decl, ","))
		sb.WriteByte('@')
	}
	sb.WriteString(base64.StdEncoding.EncodeToString(payload))
	return sb.String(), nil
}
