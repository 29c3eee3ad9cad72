package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression is the transport compression wrapped around an Ogg stream.
type Compression int

// Supported compressions.
const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", int(c))
	}
}

// CompressionFor picks the compression from a file name or stream key
// suffix.
func CompressionFor(name string) Compression {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zst", ".zstd":
		return CompressionZstd
	case ".lz4":
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// Decompress wraps r according to c. Decompressed streams are forward-only.
// Closing the result releases decoder state and closes r when it is an
// io.Closer.
func Decompress(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		if rc, ok := r.(io.ReadCloser); ok {
			return rc, nil
		}
		return io.NopCloser(r), nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("ingest: zstd reader: %w", err)
		}
		return &decoder{Reader: dec, close: dec.Close, src: r}, nil
	case CompressionLZ4:
		return &decoder{Reader: lz4.NewReader(r), src: r}, nil
	default:
		return nil, fmt.Errorf("ingest: unknown compression %v", c)
	}
}

// Source is a local input opened by Open.
type Source struct {
	io.ReadCloser
	Name        string
	Compression Compression
}

// Open opens a local input. "-" reads standard input, which is left open
// when the source is closed. A .zst or .lz4 suffix selects decompression;
// other files stay seekable.
func Open(name string) (*Source, error) {
	if name == "-" {
		return &Source{ReadCloser: io.NopCloser(os.Stdin), Name: "stdin"}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	c := CompressionFor(name)
	if c == CompressionNone {
		return &Source{ReadCloser: f, Name: name}, nil
	}
	rc, err := Decompress(f, c)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Source{ReadCloser: rc, Name: name, Compression: c}, nil
}

// Seek repositions an uncompressed file. Other sources report an error, which
// makes the demuxer treat them as forward-only.
func (s *Source) Seek(offset int64, whence int) (int64, error) {
	if sk, ok := s.ReadCloser.(io.Seeker); ok {
		return sk.Seek(offset, whence)
	}
	return 0, errNotSeekable
}

var errNotSeekable = errors.New("ingest: source is not seekable")

type decoder struct {
	io.Reader
	close func()
	src   io.Reader
}

func (d *decoder) Close() error {
	if d.close != nil {
		d.close()
	}
	if c, ok := d.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
