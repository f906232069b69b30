// Package tiling partitions a 2D grid into a regular array of rectangular
// tiles and provides the coordinate math shared by the cache engine and the
// backend adapters.
//
// A tiling scheme is pure geometry: it owns no data and never mutates. The
// trailing tile row/column may be truncated when the grid extent is not an
// exact multiple of the nominal tile dimensions:
//
//	              tile cols
//	             <-------->
//	           ^ +--------+--------+----+
//	 tile rows | | [0,0]  | [0,1]  |[0,2|
//	           v +--------+--------+----+
//	             | [1,0]  | [1,1]  |[1,2|
//	             +--------+--------+----+
//	             | [2,0]  | [2,1]  |[2,2|  <- truncated row and column
//	             +--------+--------+----+
package tiling

import "fmt"

// Element is the set of grid element types. Floats only: the cache engine
// reports out-of-range reads as NaN, and the original data conventions
// (fill values, scaled integers) all surface as floating point.
type Element interface {
	float32 | float64
}

// Position addresses one tile by its (tile-row, tile-col) coordinates.
// It is a plain value type so it can serve as a map key.
type Position struct {
	Row int
	Col int
}

func (p Position) String() string {
	return fmt.Sprintf("tile[%d,%d]", p.Row, p.Col)
}

// Rect is a rectangle in grid coordinates: origin (Row, Col) and extent
// (Rows, Cols). An empty rect has Rows <= 0 or Cols <= 0.
type Rect struct {
	Row  int
	Col  int
	Rows int
	Cols int
}

// Empty reports whether the rect covers no cells.
func (r Rect) Empty() bool { return r.Rows <= 0 || r.Cols <= 0 }

// Contains reports whether the grid coordinate lies inside the rect.
func (r Rect) Contains(row, col int) bool {
	return row >= r.Row && row < r.Row+r.Rows && col >= r.Col && col < r.Col+r.Cols
}

// Intersect returns the overlap of two rects. The result is empty if they
// do not overlap.
func (r Rect) Intersect(o Rect) Rect {
	row := max(r.Row, o.Row)
	col := max(r.Col, o.Col)
	endRow := min(r.Row+r.Rows, o.Row+o.Rows)
	endCol := min(r.Col+r.Cols, o.Col+o.Cols)
	return Rect{Row: row, Col: col, Rows: endRow - row, Cols: endCol - col}
}

func (r Rect) String() string {
	return fmt.Sprintf("rect[%d,%d %dx%d]", r.Row, r.Col, r.Rows, r.Cols)
}

// Scheme describes the tiling of one grid: global dimensions, nominal tile
// dimensions, and the resulting tile counts.
type Scheme struct {
	rows     int
	cols     int
	tileRows int
	tileCols int
	tileRowN int
	tileColN int
}

// NewScheme creates a tiling scheme. Tile dimensions larger than the grid
// are clamped to the grid extent.
func NewScheme(rows, cols, tileRows, tileCols int) (*Scheme, error) {
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("tiling: invalid grid dimensions %dx%d", rows, cols)
	}
	if tileRows < 1 || tileCols < 1 {
		return nil, fmt.Errorf("tiling: invalid tile dimensions %dx%d", tileRows, tileCols)
	}
	tileRows = min(tileRows, rows)
	tileCols = min(tileCols, cols)

	s := &Scheme{
		rows:     rows,
		cols:     cols,
		tileRows: tileRows,
		tileCols: tileCols,
		tileRowN: rows / tileRows,
		tileColN: cols / tileCols,
	}
	if s.tileRowN*tileRows < rows {
		s.tileRowN++
	}
	if s.tileColN*tileCols < cols {
		s.tileColN++
	}
	return s, nil
}

// Dims returns the global grid dimensions as (rows, cols).
func (s *Scheme) Dims() (rows, cols int) { return s.rows, s.cols }

// TileDims returns the nominal tile dimensions as (rows, cols).
func (s *Scheme) TileDims() (rows, cols int) { return s.tileRows, s.tileCols }

// TileCounts returns the number of tiles in each dimension.
func (s *Scheme) TileCounts() (rows, cols int) { return s.tileRowN, s.tileColN }

// TileCount returns the total number of tiles covering the grid.
func (s *Scheme) TileCount() int { return s.tileRowN * s.tileColN }

// PositionAt returns the position of the tile containing the grid
// coordinate. The coordinate must be within the grid; the cache engine
// bound-checks before calling.
func (s *Scheme) PositionAt(row, col int) Position {
	return Position{Row: row / s.tileRows, Col: col / s.tileCols}
}

// Valid reports whether pos addresses a tile inside the scheme.
func (s *Scheme) Valid(pos Position) bool {
	return pos.Row >= 0 && pos.Row < s.tileRowN && pos.Col >= 0 && pos.Col < s.tileColN
}

// TileDimsAt returns the actual dimensions of the tile at pos. These are
// smaller than the nominal tile dimensions for the trailing tile row or
// column of a grid whose extent is not an exact multiple of the tile size.
func (s *Scheme) TileDimsAt(pos Position) (rows, cols int) {
	rows, cols = s.tileRows, s.tileCols
	if (pos.Row+1)*s.tileRows > s.rows {
		rows = s.rows % s.tileRows
	}
	if (pos.Col+1)*s.tileCols > s.cols {
		cols = s.cols % s.tileCols
	}
	return rows, cols
}

// TileRect returns the grid-space bounding rectangle of the tile at pos,
// truncated at the grid boundary.
func (s *Scheme) TileRect(pos Position) Rect {
	rows, cols := s.TileDimsAt(pos)
	return Rect{
		Row:  pos.Row * s.tileRows,
		Col:  pos.Col * s.tileCols,
		Rows: rows,
		Cols: cols,
	}
}

// Covering returns the positions of every tile overlapping r, in row-major
// order. The rect must lie within the grid.
func (s *Scheme) Covering(r Rect) []Position {
	if r.Empty() {
		return nil
	}
	minPos := s.PositionAt(r.Row, r.Col)
	maxPos := s.PositionAt(r.Row+r.Rows-1, r.Col+r.Cols-1)

	positions := make([]Position, 0, (maxPos.Row-minPos.Row+1)*(maxPos.Col-minPos.Col+1))
	for tr := minPos.Row; tr <= maxPos.Row; tr++ {
		for tc := minPos.Col; tc <= maxPos.Col; tc++ {
			positions = append(positions, Position{Row: tr, Col: tc})
		}
	}
	return positions
}

// Positions returns every tile position in the scheme in row-major order.
func (s *Scheme) Positions() []Position {
	return s.Covering(Rect{Rows: s.rows, Cols: s.cols})
}
