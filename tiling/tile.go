package tiling

import "fmt"

// Tile is a rectangular, cache-resident section of grid values. It owns a
// contiguous row-major buffer sized to its actual (possibly truncated)
// dimensions and carries a dirty flag for write-back bookkeeping. A tile
// references only its own bounding rect, never the scheme it came from.
type Tile[T Element] struct {
	pos   Position
	rect  Rect
	data  []T
	dirty bool
}

// NewTile creates a tile for the given position and bounding rect. If data
// is nil a zeroed buffer is allocated; otherwise its length must equal
// rect.Rows*rect.Cols.
func NewTile[T Element](pos Position, rect Rect, data []T) (*Tile[T], error) {
	want := rect.Rows * rect.Cols
	if rect.Empty() {
		return nil, fmt.Errorf("tiling: empty rect %v for %v", rect, pos)
	}
	if data == nil {
		data = make([]T, want)
	} else if len(data) != want {
		return nil, fmt.Errorf("tiling: buffer length %d does not match %v (want %d)", len(data), rect, want)
	}
	return &Tile[T]{pos: pos, rect: rect, data: data}, nil
}

// Position returns the tile's position in the tiling scheme.
func (t *Tile[T]) Position() Position { return t.pos }

// Rect returns the tile's grid-space bounding rectangle.
func (t *Tile[T]) Rect() Rect { return t.rect }

// Dims returns the tile's actual dimensions as (rows, cols).
func (t *Tile[T]) Dims() (rows, cols int) { return t.rect.Rows, t.rect.Cols }

// Data returns the tile's backing buffer. The buffer is shared, not copied.
func (t *Tile[T]) Data() []T { return t.data }

// Contains reports whether the grid coordinate lies inside this tile.
func (t *Tile[T]) Contains(row, col int) bool { return t.rect.Contains(row, col) }

// Index returns the row-major offset of the grid coordinate within the
// tile's buffer. The coordinate must be contained in the tile.
func (t *Tile[T]) Index(row, col int) int {
	return (row-t.rect.Row)*t.rect.Cols + (col - t.rect.Col)
}

// Dirty reports whether the tile has modifications not yet written back.
func (t *Tile[T]) Dirty() bool { return t.dirty }

// MarkDirty flags the tile as modified.
func (t *Tile[T]) MarkDirty() { t.dirty = true }

// MarkClean clears the dirty flag. Tile writers call this after a
// successful write-back.
func (t *Tile[T]) MarkClean() { t.dirty = false }

func (t *Tile[T]) String() string {
	return fmt.Sprintf("Tile[%v %v dirty=%t]", t.pos, t.rect, t.dirty)
}
