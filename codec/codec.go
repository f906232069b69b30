// Package codec centralizes block compression for persisted tile chunks.
//
// Codec selection is a breaking-change boundary: chunk blobs written with
// one codec do not decode under another. Stores therefore record the codec
// name in their manifest and resolve it with ByName on open.
package codec

import (
	"encoding/binary"
	"errors"
)

// Codec compresses and decompresses chunk blocks. Implementations must be
// safe for concurrent use.
type Codec interface {
	// Compress frames and compresses a block.
	Compress(data []byte) ([]byte, error)
	// Decompress reverses Compress, returning the original block bytes.
	Decompress(data []byte) ([]byte, error)
	// Name returns the stable codec name recorded in manifests.
	Name() string
}

// Default is the codec used for newly created chunk stores. Persisted
// stores are self-describing and always reopen with the codec they were
// written with.
var Default Codec = Zstd{}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "none":
		return None{}, true
	case "lz4":
		return LZ4{}, true
	case "zstd":
		return Zstd{}, true
	default:
		return nil, false
	}
}

// Block frame: [uncompressedSize uint32][compressedSize uint32][payload].
// compressedSize == 0 marks an uncompressed payload, used when compression
// does not pay for itself.
const frameHeaderSize = 8

// incompressibleRatio is the ratio above which a block is stored raw.
const incompressibleRatio = 0.9

var (
	// ErrShortBlock is returned for a block smaller than its frame header.
	ErrShortBlock = errors.New("codec: block too small for frame header")
	// ErrCorruptBlock is returned when frame sizes disagree with the data.
	ErrCorruptBlock = errors.New("codec: corrupt block frame")
)

func frame(raw, compressed []byte) []byte {
	if len(compressed) == 0 || float64(len(compressed)) > float64(len(raw))*incompressibleRatio {
		out := make([]byte, frameHeaderSize+len(raw))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(raw)))
		binary.LittleEndian.PutUint32(out[4:], 0)
		copy(out[frameHeaderSize:], raw)
		return out
	}
	out := make([]byte, frameHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[frameHeaderSize:], compressed)
	return out
}

// unframe splits a block into its sizes and payload. A zero compressed
// size means the payload is the raw block.
func unframe(data []byte) (rawSize uint32, payload []byte, compressed bool, err error) {
	if len(data) < frameHeaderSize {
		return 0, nil, false, ErrShortBlock
	}
	rawSize = binary.LittleEndian.Uint32(data[0:])
	compressedSize := binary.LittleEndian.Uint32(data[4:])

	if compressedSize == 0 {
		if uint32(len(data)) < frameHeaderSize+rawSize {
			return 0, nil, false, ErrCorruptBlock
		}
		return rawSize, data[frameHeaderSize : frameHeaderSize+rawSize], false, nil
	}
	if uint32(len(data)) < frameHeaderSize+compressedSize {
		return 0, nil, false, ErrCorruptBlock
	}
	return rawSize, data[frameHeaderSize : frameHeaderSize+compressedSize], true, nil
}

// None stores blocks unframed and uncompressed.
type None struct{}

// Compress returns the data unchanged.
func (None) Compress(data []byte) ([]byte, error) { return data, nil }

// Decompress returns the data unchanged.
func (None) Decompress(data []byte) ([]byte, error) { return data, nil }

// Name returns "none".
func (None) Name() string { return "none" }
