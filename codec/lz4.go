package codec

import (
	"github.com/pierrec/lz4/v4"
)

// LZ4 compresses blocks with LZ4. Fast, lighter ratio than zstd; suited
// to hot chunk stores where fetch latency dominates.
type LZ4 struct{}

// Compress implements Codec.
func (LZ4) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return frame(data, nil), nil
	}
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, buf, nil)
	if err != nil {
		return nil, err
	}
	// n == 0 means incompressible; frame stores it raw.
	return frame(data, buf[:n]), nil
}

// Decompress implements Codec.
func (LZ4) Decompress(data []byte) ([]byte, error) {
	rawSize, payload, compressed, err := unframe(data)
	if err != nil {
		return nil, err
	}
	if !compressed {
		return payload, nil
	}

	out := make([]byte, rawSize)
	n, err := lz4.UncompressBlock(payload, out)
	if err != nil {
		return nil, err
	}
	if uint32(n) != rawSize {
		return nil, ErrCorruptBlock
	}
	return out, nil
}

// Name returns "lz4".
func (LZ4) Name() string { return "lz4" }
