// Package conv converts element slices to and from their little-endian
// byte representation. All persisted grid data in this module is
// little-endian regardless of host order.
package conv

import (
	"encoding/binary"
	"math"

	"github.com/hupe1980/gridcache/tiling"
)

// Size returns the byte size of one element of type T.
func Size[T tiling.Element]() int {
	var v T
	switch any(v).(type) {
	case float32:
		return 4
	default:
		return 8
	}
}

// Kind returns the stable name of the element type, used in manifests.
func Kind[T tiling.Element]() string {
	var v T
	switch any(v).(type) {
	case float32:
		return "float32"
	default:
		return "float64"
	}
}

// Encode writes src into dst as little-endian bytes. dst must hold
// len(src)*Size[T]() bytes.
func Encode[T tiling.Element](dst []byte, src []T) {
	switch s := any(src).(type) {
	case []float32:
		for i, v := range s {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case []float64:
		for i, v := range s {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
		}
	}
}

// Decode fills dst from little-endian bytes. src must hold
// len(dst)*Size[T]() bytes.
func Decode[T tiling.Element](dst []T, src []byte) {
	switch d := any(dst).(type) {
	case []float32:
		for i := range d {
			d[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case []float64:
		for i := range d {
			d[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
	}
}

// Bytes encodes src into a freshly allocated buffer.
func Bytes[T tiling.Element](src []T) []byte {
	buf := make([]byte, len(src)*Size[T]())
	Encode(buf, src)
	return buf
}

// Elements decodes src into a freshly allocated element slice.
func Elements[T tiling.Element](src []byte) []T {
	out := make([]T, len(src)/Size[T]())
	Decode(out, src)
	return out
}
