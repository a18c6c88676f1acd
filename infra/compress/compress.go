package compress

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Well-known compressor tags carried in the frame header.
const (
	TagNone   byte = 0
	TagGzip   byte = 1
	TagSnappy byte = 2
	TagLZ4    byte = 3
)

// Compression thresholds in bytes. Payloads at or below a compressor's
// threshold are sent uncompressed.
const (
	GzipThreshold   = 1024
	SnappyThreshold = 512
	LZ4Threshold    = 256
)

// ErrCompression reports a strict decompression failure. Compression-side
// failures never surface: the original buffer is sent instead.
var ErrCompression = errors.New("compression error")

// ErrUnknownCompressor reports a lookup for an unregistered tag or name.
var ErrUnknownCompressor = errors.New("unknown compressor")

// Compressor compresses and decompresses payload bytes. Implementations must
// be safe for concurrent use.
type Compressor interface {
	Name() string
	Tag() byte
	// Threshold is the payload size at or below which compression is skipped.
	Threshold() int
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Registry maps compressor tags and names to implementations.
type Registry struct {
	mu     sync.RWMutex
	byTag  [256]Compressor
	byName map[string]Compressor
}

// NewRegistry returns a registry pre-populated with the built-in
// compressors: none (tag 0), gzip (tag 1), snappy (tag 2), lz4 (tag 3).
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Compressor)}
	for _, c := range []Compressor{NewNoneCompressor(), NewGzipCompressor(), NewSnappyCompressor(), NewLZ4Compressor()} {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a compressor. Duplicate tags or names are an error.
func (r *Registry) Register(c Compressor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byTag[c.Tag()] != nil {
		return fmt.Errorf("compressor tag %d already registered to %s", c.Tag(), r.byTag[c.Tag()].Name())
	}
	if _, ok := r.byName[c.Name()]; ok {
		return fmt.Errorf("compressor name %q already registered", c.Name())
	}
	r.byTag[c.Tag()] = c
	r.byName[c.Name()] = c
	return nil
}

// ByTag resolves a compressor by its frame tag.
func (r *Registry) ByTag(tag byte) (Compressor, error) {
	r.mu.RLock()
	c := r.byTag[tag]
	r.mu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownCompressor, tag)
	}
	return c, nil
}

// ByName resolves a compressor by its registered name.
func (r *Registry) ByName(name string) (Compressor, error) {
	r.mu.RLock()
	c, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompressor, name)
	}
	return c, nil
}

// Apply runs the compression policy for an outbound payload and returns the
// bytes to send plus the effective tag. The payload is sent uncompressed when
// it is at or below the compressor's threshold, when compression does not make it
// strictly smaller, or when the compressor fails (logged, never fatal).
// Decompression on the receiving side stays strict.
func Apply(c Compressor, data []byte) ([]byte, byte) {
	if c == nil || c.Tag() == TagNone || len(data) <= c.Threshold() {
		return data, TagNone
	}
	out, err := c.Compress(data)
	if err != nil {
		logrus.Warnf("compressor %s failed, sending payload uncompressed: %v", c.Name(), err)
		return data, TagNone
	}
	if len(out) >= len(data) {
		return data, TagNone
	}
	return out, c.Tag()
}
