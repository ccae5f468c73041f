package encoding

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// compressed payloads start with a one byte header
const (
	headerRaw  byte = 0
	headerZstd byte = 1

	// below this size compression rarely pays for the frame overhead
	compressThreshold = 256
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

// EncodeAll/DecodeAll on a shared coder are safe for concurrent use
func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder
}

// Compress frames data, zstd-compressing it when large enough
func Compress(data []byte) []byte {
	if len(data) < compressThreshold {
		out := make([]byte, 0, len(data)+1)
		out = append(out, headerRaw)
		return append(out, data...)
	}

	out := make([]byte, 1, len(data)/2+1)
	out[0] = headerZstd
	return zstdEncoder().EncodeAll(data, out)
}

// Decompress reverses Compress
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	switch data[0] {
	case headerRaw:
		return data[1:], nil
	case headerZstd:
		out, err := zstdDecoder().DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload header %d", data[0])
	}
}

// MarshalCompressed encodes v to msgpack and frames it with Compress
func MarshalCompressed(v interface{}) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Compress(data), nil
}

// UnmarshalCompressed reverses MarshalCompressed
func UnmarshalCompressed(data []byte, v interface{}) error {
	raw, err := Decompress(data)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}
