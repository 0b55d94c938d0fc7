package ttlcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	compressionThreshold = 2048

	// maxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs. Country datasets stay far below this.
	maxDecompressedSize = 64 * 1024 * 1024
)

// Payload encodings persisted alongside cache entries.
const (
	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

// ErrDecompressionBomb is returned when a stored payload would decompress
// beyond the configured cap.
var ErrDecompressionBomb = errors.New("ttlcache: decompressed payload exceeds maximum size")

// codec compresses cache payloads with zstd when it pays off. Encoder and
// decoder are goroutine-safe and reused for the cache lifetime.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode compresses data if beneficial and returns the stored payload with
// its encoding.
func (c *codec) encode(data []byte) (payload []byte, encoding string) {
	if len(data) < compressionThreshold {
		return data, encodingIdentity
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return data, encodingIdentity
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, encodingIdentity
	}
	return compressed, encodingZstd
}

// decode reverses encode.
func (c *codec) decode(payload []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", encodingIdentity:
		return payload, nil
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("ttlcache: codec closed")
		}
		data, err := dec.DecodeAll(payload, nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
				return nil, ErrDecompressionBomb
			}
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("ttlcache: unknown payload encoding %q", encoding)
	}
}
