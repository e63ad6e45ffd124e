package spool

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/collector/internal/errors"
)

// Compression is the codec applied to spool files.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionS2   Compression = "s2"
)

// ParseCompression parses a compression name. Empty means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(s)) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	case CompressionS2:
		return CompressionS2, nil
	default:
		return "", errors.NewInvalidArgument("compression", s)
	}
}

// Extension returns the file extension appended after the serialization suffix.
func (c Compression) Extension() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionS2:
		return ".s2"
	default:
		return ""
	}
}

// compressionFromName returns the compression of a spool file name and the
// name with the compression extension removed.
func compressionFromName(name string) (Compression, string) {
	switch {
	case strings.HasSuffix(name, ".zst"):
		return CompressionZstd, strings.TrimSuffix(name, ".zst")
	case strings.HasSuffix(name, ".s2"):
		return CompressionS2, strings.TrimSuffix(name, ".s2")
	default:
		return CompressionNone, name
	}
}

// FileCompression returns the compression of a spool file from its name.
func FileCompression(path string) Compression {
	c, _ := compressionFromName(path)
	return c
}

// flushWriteCloser is a compressed stream that can be flushed mid-file.
type flushWriteCloser interface {
	io.WriteCloser
	Flush() error
}

type nopFlushCloser struct {
	io.Writer
}

func (nopFlushCloser) Flush() error { return nil }
func (nopFlushCloser) Close() error { return nil }

func (c Compression) newWriter(w io.Writer) (flushWriteCloser, error) {
	switch c {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return enc, nil
	case CompressionS2:
		return s2.NewWriter(w), nil
	default:
		return nopFlushCloser{w}, nil
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// OpenFile opens a spool file for reading, decompressing it according to its
// file extension.
func OpenFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	c, _ := compressionFromName(path)
	switch c {
	case CompressionZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return readCloser{Reader: dec, close: func() error {
			dec.Close()
			return f.Close()
		}}, nil
	case CompressionS2:
		return readCloser{Reader: s2.NewReader(f), close: f.Close}, nil
	default:
		return f, nil
	}
}
