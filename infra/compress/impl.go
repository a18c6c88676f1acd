package compress

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// NoneCompressor is the identity compressor (tag 0).
type NoneCompressor struct{}

func NewNoneCompressor() *NoneCompressor { return &NoneCompressor{} }

func (c *NoneCompressor) Name() string   { return "none" }
func (c *NoneCompressor) Tag() byte      { return TagNone }
func (c *NoneCompressor) Threshold() int { return 0 }

func (c *NoneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (c *NoneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// GzipCompressor is the deflate-family compressor (tag 1, threshold 1024).
type GzipCompressor struct{}

func NewGzipCompressor() *GzipCompressor { return &GzipCompressor{} }

func (c *GzipCompressor) Name() string   { return "gzip" }
func (c *GzipCompressor) Tag() byte      { return TagGzip }
func (c *GzipCompressor) Threshold() int { return GzipThreshold }

func (c *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrCompression, err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrCompression, err)
	}
	return out, nil
}

// SnappyCompressor is the fast-LZ compressor (tag 2, threshold 512).
type SnappyCompressor struct{}

func NewSnappyCompressor() *SnappyCompressor { return &SnappyCompressor{} }

func (c *SnappyCompressor) Name() string   { return "snappy" }
func (c *SnappyCompressor) Tag() byte      { return TagSnappy }
func (c *SnappyCompressor) Threshold() int { return SnappyThreshold }

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy: %v", ErrCompression, err)
	}
	return out, nil
}

// LZ4Compressor is the LZ4-family compressor (tag 3, threshold 256). The
// compressed body is preceded by a 4-byte big-endian original-length prefix
// so the receiver can size its buffer before decoding the block.
type LZ4Compressor struct{}

func NewLZ4Compressor() *LZ4Compressor { return &LZ4Compressor{} }

func (c *LZ4Compressor) Name() string   { return "lz4" }
func (c *LZ4Compressor) Tag() byte      { return TagLZ4 }
func (c *LZ4Compressor) Threshold() int { return LZ4Threshold }

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(out[:4], uint32(len(data)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(data, out[4:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible input. The caller's policy falls back to sending
		// the original buffer uncompressed.
		return nil, fmt.Errorf("lz4 compress: input is incompressible")
	}
	return out[:4+n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: lz4: truncated length prefix", ErrCompression)
	}
	origLen := binary.BigEndian.Uint32(data[:4])
	out := make([]byte, origLen)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCompression, err)
	}
	if uint32(n) != origLen {
		return nil, fmt.Errorf("%w: lz4: expected %d bytes, got %d", ErrCompression, origLen, n)
	}
	return out, nil
}
