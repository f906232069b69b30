package gridcache

import (
	"errors"
	"fmt"

	"github.com/hupe1980/gridcache/tiling"
)

var (
	// ErrReadOnly is returned by write operations on a read-only grid.
	ErrReadOnly = errors.New("grid is read-only")

	// ErrClosed is returned by operations on a closed grid.
	ErrClosed = errors.New("grid is closed")

	// ErrInvalidRegion is returned when a region rectangle or buffer does
	// not describe a readable/writable area.
	ErrInvalidRegion = errors.New("invalid region")

	// ErrDynamicActive is returned by cache sizing setters while dynamic
	// sizing is enabled.
	ErrDynamicActive = errors.New("dynamic cache sizing is active")

	// ErrNotWritable is returned by New when a read-write grid is given a
	// backend that cannot write tiles.
	ErrNotWritable = errors.New("backend does not support tile writes")
)

// TileError indicates a failed tile transfer between the cache and its
// backend. Value accesses return it when a miss read or an eviction
// write-back fails.
//
// The underlying backend error can be accessed via errors.Unwrap.
type TileError struct {
	Op    string // "read" or "write"
	Pos   tiling.Position
	cause error
}

func (e *TileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Pos, e.cause)
}

func (e *TileError) Unwrap() error { return e.cause }
