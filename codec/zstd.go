package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Encoder/decoder pools: zstd contexts are expensive to build and safe to
// reuse serially.
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	// SpeedDefault balances ratio against tile fetch latency.
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Zstd compresses blocks with zstd. Good ratio for cold raster data.
type Zstd struct{}

// Compress implements Codec.
func (Zstd) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return frame(data, nil), nil
	}
	enc := getZstdEncoder()
	compressed := enc.EncodeAll(data, nil)
	zstdEncoderPool.Put(enc)
	return frame(data, compressed), nil
}

// Decompress implements Codec.
func (Zstd) Decompress(data []byte) ([]byte, error) {
	rawSize, payload, compressed, err := unframe(data)
	if err != nil {
		return nil, err
	}
	if !compressed {
		return payload, nil
	}

	dec := getZstdDecoder()
	defer zstdDecoderPool.Put(dec)

	out, err := dec.DecodeAll(payload, make([]byte, 0, rawSize))
	if err != nil {
		return nil, err
	}
	if uint32(len(out)) != rawSize {
		return nil, ErrCorruptBlock
	}
	return out, nil
}

// Name returns "zstd".
func (Zstd) Name() string { return "zstd" }
