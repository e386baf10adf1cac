package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// CompressionType names the codec applied to a capsule document
type CompressionType string

const (
	// NoCompression stores the document as plain JSON
	NoCompression CompressionType = "none"
	// GzipCompression uses gzip, readable by any standard tool
	GzipCompression CompressionType = "gzip"
	// ZstdCompression uses Zstandard
	ZstdCompression CompressionType = "zstd"
)

// DefaultCompression is the codec used when none is configured
const DefaultCompression = GzipCompression

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Shared zstd coders; both are safe for concurrent use through EncodeAll
// and DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// ParseCompression converts a configuration string into a CompressionType.
// The empty string selects DefaultCompression.
func ParseCompression(s string) (CompressionType, error) {
	switch CompressionType(s) {
	case "":
		return DefaultCompression, nil
	case NoCompression, GzipCompression, ZstdCompression:
		return CompressionType(s), nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

// DetectCompression inspects the leading bytes of data. Anything that is
// not gzip or zstd is reported as NoCompression.
func DetectCompression(data []byte) CompressionType {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return GzipCompression
	case bytes.HasPrefix(data, zstdMagic):
		return ZstdCompression
	}
	return NoCompression
}

// CompressData compresses data using the specified compression type
func CompressData(data []byte, compressionType CompressionType) ([]byte, error) {
	switch compressionType {
	case NoCompression:
		return data, nil
	case ZstdCompression:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data))), nil
	case GzipCompression, "":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown compression %q", compressionType)
}

// DecompressData decompresses data using the specified compression type
func DecompressData(data []byte, compressionType CompressionType) ([]byte, error) {
	switch compressionType {
	case NoCompression:
		return data, nil
	case ZstdCompression:
		return zstdDecoder.DecodeAll(data, nil)
	case GzipCompression:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return nil, fmt.Errorf("unknown compression %q", compressionType)
}

// Decompress detects the codec of data and undoes it.
func Decompress(data []byte) ([]byte, CompressionType, error) {
	ct := DetectCompression(data)
	out, err := DecompressData(data, ct)
	return out, ct, err
}

// NewCompressedWriter wraps w so that everything written to it is
// compressed. The caller must Close the result to flush the codec.
func NewCompressedWriter(w io.Writer, compressionType CompressionType) (io.WriteCloser, error) {
	switch compressionType {
	case NoCompression:
		return nopCloser{w}, nil
	case ZstdCompression:
		return zstd.NewWriter(w)
	case GzipCompression, "":
		return gzip.NewWriter(w), nil
	}
	return nil, fmt.Errorf("unknown compression %q", compressionType)
}

// NewCompressedReader wraps r with a decompressor for compressionType.
func NewCompressedReader(r io.Reader, compressionType CompressionType) (io.ReadCloser, error) {
	switch compressionType {
	case NoCompression:
		return io.NopCloser(r), nil
	case ZstdCompression:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case GzipCompression:
		return gzip.NewReader(r)
	}
	return nil, errors.New("unknown compression " + string(compressionType))
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
