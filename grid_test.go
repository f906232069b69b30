package gridcache

import (
	"errors"
	"math"
	"testing"

	"github.com/hupe1980/gridcache/resource"
	"github.com/hupe1980/gridcache/tiling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// arrayStore is a test backend over a plain in-memory row-major array.
type arrayStore[T Element] struct {
	rows, cols int
	data       []T
	reads      int
	writes     int
	readErr    error
	writeErr   error
	nativeDims [2]int
}

func newArrayStore[T Element](rows, cols int) *arrayStore[T] {
	return &arrayStore[T]{rows: rows, cols: cols, data: make([]T, rows*cols)}
}

func (s *arrayStore[T]) ReadTile(pos tiling.Position, bounds tiling.Rect) (*tiling.Tile[T], error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	s.reads++
	buf := make([]T, bounds.Rows*bounds.Cols)
	for r := 0; r < bounds.Rows; r++ {
		off := (bounds.Row+r)*s.cols + bounds.Col
		copy(buf[r*bounds.Cols:(r+1)*bounds.Cols], s.data[off:off+bounds.Cols])
	}
	return tiling.NewTile(pos, bounds, buf)
}

func (s *arrayStore[T]) WriteTile(t *tiling.Tile[T]) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes++
	bounds := t.Rect()
	for r := 0; r < bounds.Rows; r++ {
		off := (bounds.Row+r)*s.cols + bounds.Col
		copy(s.data[off:off+bounds.Cols], t.Data()[r*bounds.Cols:(r+1)*bounds.Cols])
	}
	t.MarkClean()
	return nil
}

func (s *arrayStore[T]) NativeTileDims() (int, int, bool) {
	if s.nativeDims[0] == 0 {
		return 0, 0, false
	}
	return s.nativeDims[0], s.nativeDims[1], true
}

// readerOnly hides the write half of a backend.
type readerOnly[T Element] struct {
	inner TileReader[T]
}

func (r readerOnly[T]) ReadTile(pos tiling.Position, bounds tiling.Rect) (*tiling.Tile[T], error) {
	return r.inner.ReadTile(pos, bounds)
}

func cellValue(row, col int) float64 {
	return float64(row)*10000 + float64(col)
}

func fillStore(s *arrayStore[float64]) {
	for r := 0; r < s.rows; r++ {
		for c := 0; c < s.cols; c++ {
			s.data[r*s.cols+c] = cellValue(r, c)
		}
	}
}

func TestGrid_GetSetRoundTrip(t *testing.T) {
	store := newArrayStore[float64](25, 17)
	grid, err := New(25, 17, ReadWrite, store,
		WithTileDims(8, 8),
		WithMaxTiles(2),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	for r := 0; r < 25; r++ {
		for c := 0; c < 17; c++ {
			require.NoError(t, grid.Set(r, c, cellValue(r, c)))
		}
	}
	for r := 0; r < 25; r++ {
		for c := 0; c < 17; c++ {
			v, err := grid.Get(r, c)
			require.NoError(t, err)
			assert.Equal(t, cellValue(r, c), v)
		}
	}

	require.NoError(t, grid.Flush())
	for r := 0; r < 25; r++ {
		for c := 0; c < 17; c++ {
			assert.Equal(t, cellValue(r, c), store.data[r*17+c])
		}
	}
	require.NoError(t, grid.Close())
}

func TestGrid_CapacityIndependence(t *testing.T) {
	store := newArrayStore[float64](25, 17)
	fillStore(store)

	small, err := New(25, 17, ReadOnly, readerOnly[float64]{store},
		WithTileDims(8, 8), WithMaxTiles(1), WithLogger(NoopLogger()))
	require.NoError(t, err)
	large, err := New(25, 17, ReadOnly, readerOnly[float64]{store},
		WithTileDims(8, 8), WithMaxTiles(100), WithLogger(NoopLogger()))
	require.NoError(t, err)

	for r := 0; r < 25; r++ {
		for c := 0; c < 17; c++ {
			a, err := small.Get(r, c)
			require.NoError(t, err)
			b, err := large.Get(r, c)
			require.NoError(t, err)
			assert.Equal(t, a, b)
			assert.Equal(t, cellValue(r, c), a)
		}
	}
}

func TestGrid_BulkEqualsPointwise(t *testing.T) {
	store := newArrayStore[float64](25, 17)
	fillStore(store)
	grid, err := New(25, 17, ReadOnly, readerOnly[float64]{store},
		WithTileDims(8, 8), WithMaxTiles(3), WithLogger(NoopLogger()))
	require.NoError(t, err)

	rects := []tiling.Rect{
		{Row: 0, Col: 0, Rows: 25, Cols: 17},   // whole grid
		{Row: 5, Col: 3, Rows: 12, Cols: 10},   // interior, spans tiles
		{Row: 20, Col: 12, Rows: 10, Cols: 10}, // hangs off the bottom-right
		{Row: -2, Col: -2, Rows: 5, Cols: 5},   // hangs off the top-left
		{Row: 8, Col: 8, Rows: 8, Cols: 8},     // exactly one tile
		{Row: 30, Col: 30, Rows: 3, Cols: 3},   // fully outside
	}
	for _, rect := range rects {
		bulk, err := grid.ReadRegion(rect)
		require.NoError(t, err)
		require.Len(t, bulk, rect.Rows*rect.Cols)
		for r := 0; r < rect.Rows; r++ {
			for c := 0; c < rect.Cols; c++ {
				want, err := grid.Get(rect.Row+r, rect.Col+c)
				require.NoError(t, err)
				got := bulk[r*rect.Cols+c]
				if math.IsNaN(want) {
					assert.True(t, math.IsNaN(got), "rect %v at (%d,%d)", rect, r, c)
				} else {
					assert.Equal(t, want, got, "rect %v at (%d,%d)", rect, r, c)
				}
			}
		}
	}

	_, err = grid.ReadRegion(tiling.Rect{Rows: 0, Cols: 5})
	assert.ErrorIs(t, err, ErrInvalidRegion)
}

func TestGrid_OutOfRangeAccess(t *testing.T) {
	store := newArrayStore[float64](10, 10)
	fillStore(store)
	grid, err := New(10, 10, ReadWrite, store, WithLogger(NoopLogger()))
	require.NoError(t, err)

	for _, coord := range [][2]int{{-1, 0}, {0, -1}, {10, 0}, {0, 10}, {-5, -5}, {100, 100}} {
		v, err := grid.Get(coord[0], coord[1])
		require.NoError(t, err)
		assert.True(t, math.IsNaN(v), "coordinate %v", coord)
	}

	// Out-of-range writes are silent no-ops.
	require.NoError(t, grid.Set(-1, 0, 42))
	require.NoError(t, grid.Set(10, 10, 42))
	require.NoError(t, grid.Flush())
	assert.Equal(t, cellValue(0, 0), store.data[0])
}

func TestGrid_ReadOnly(t *testing.T) {
	store := newArrayStore[float64](10, 10)
	grid, err := New(10, 10, ReadOnly, readerOnly[float64]{store}, WithLogger(NoopLogger()))
	require.NoError(t, err)

	// Mode is checked before bounds: even out-of-range writes fail.
	assert.ErrorIs(t, grid.Set(0, 0, 1), ErrReadOnly)
	assert.ErrorIs(t, grid.Set(-1, -1, 1), ErrReadOnly)
	assert.ErrorIs(t, grid.WriteRegion([]float64{1}, tiling.Rect{Rows: 1, Cols: 1}), ErrReadOnly)

	// A read-write grid needs a writable backend.
	_, err = New(10, 10, ReadWrite, readerOnly[float64]{store})
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestGrid_EvictionWriteBack(t *testing.T) {
	store := newArrayStore[float64](32, 32)
	grid, err := New(32, 32, ReadWrite, store,
		WithTileDims(8, 8), WithMaxTiles(1), WithLogger(NoopLogger()))
	require.NoError(t, err)

	require.NoError(t, grid.Set(0, 0, 7.5))
	assert.Zero(t, store.writes)

	// Touching another tile evicts the dirty one, forcing write-back.
	_, err = grid.Get(20, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, store.writes)
	assert.Equal(t, 7.5, store.data[0])

	// A fresh grid over the same store observes the write.
	fresh, err := New(32, 32, ReadOnly, readerOnly[float64]{store},
		WithTileDims(8, 8), WithLogger(NoopLogger()))
	require.NoError(t, err)
	v, err := fresh.Get(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 7.5, v)
}

func TestGrid_FlushErrorLeavesTileDirty(t *testing.T) {
	store := newArrayStore[float64](10, 10)
	grid, err := New(10, 10, ReadWrite, store, WithLogger(NoopLogger()))
	require.NoError(t, err)

	require.NoError(t, grid.Set(3, 3, 9.25))

	store.writeErr = errors.New("disk full")
	err = grid.Flush()
	require.Error(t, err)
	var tileErr *TileError
	require.ErrorAs(t, err, &tileErr)
	assert.Equal(t, "write", tileErr.Op)
	assert.Zero(t, store.data[3*10+3])

	// The tile stayed resident and dirty, so a retry succeeds.
	store.writeErr = nil
	require.NoError(t, grid.Flush())
	assert.Equal(t, 9.25, store.data[3*10+3])
}

func TestGrid_ReadErrorSurfaces(t *testing.T) {
	store := newArrayStore[float64](10, 10)
	store.readErr = errors.New("bad sector")
	grid, err := New(10, 10, ReadOnly, readerOnly[float64]{store}, WithLogger(NoopLogger()))
	require.NoError(t, err)

	_, err = grid.Get(0, 0)
	var tileErr *TileError
	require.ErrorAs(t, err, &tileErr)
	assert.Equal(t, "read", tileErr.Op)
	assert.ErrorIs(t, err, store.readErr)
}

func TestGrid_BandedScanMisses(t *testing.T) {
	store := newArrayStore[float32](1000, 1000)
	metrics := &BasicMetricsCollector{}
	grid, err := New(1000, 1000, ReadOnly, readerOnly[float32]{store},
		WithTileDims(100, 100),
		WithMaxTiles(8),
		WithMetricsCollector(metrics),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	// Scan tile by tile, one full band of tile-rows before the next: no
	// tile is ever read twice even though capacity (8) is below the 10
	// tiles per band.
	for tileRow := 0; tileRow < 10; tileRow++ {
		for tileCol := 0; tileCol < 10; tileCol++ {
			for r := tileRow * 100; r < (tileRow+1)*100; r++ {
				for c := tileCol * 100; c < (tileCol+1)*100; c++ {
					_, err := grid.Get(r, c)
					require.NoError(t, err)
				}
			}
		}
	}

	assert.Equal(t, int64(100), metrics.MissCount.Load())
	assert.Equal(t, 100, store.reads)
	assert.LessOrEqual(t, grid.Len(), 8)
}

func TestGrid_RowMajorScanMissRate(t *testing.T) {
	store := newArrayStore[float32](100, 100)
	metrics := &BasicMetricsCollector{}
	grid, err := New(100, 100, ReadOnly, readerOnly[float32]{store},
		WithTileDims(10, 10),
		WithMaxTiles(10),
		WithMetricsCollector(metrics),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	// A row-major point scan with the cache holding one full band of
	// tiles. Every Get counts as an access, including the consecutive
	// hits served by the single-tile fast path, so the measured miss
	// rate is per element: 100 misses over 10000 accesses.
	for r := 0; r < 100; r++ {
		for c := 0; c < 100; c++ {
			_, err := grid.Get(r, c)
			require.NoError(t, err)
		}
	}

	assert.Equal(t, int64(10000), metrics.AccessCount.Load())
	assert.Equal(t, int64(100), metrics.MissCount.Load())
	assert.InDelta(t, 0.01, metrics.GetStats().MissRate, 1e-12)
}

func TestGrid_WriteRegion(t *testing.T) {
	store := newArrayStore[float64](25, 17)
	grid, err := New(25, 17, ReadWrite, store,
		WithTileDims(8, 8), WithMaxTiles(4), WithLogger(NoopLogger()))
	require.NoError(t, err)

	rect := tiling.Rect{Row: 5, Col: 3, Rows: 12, Cols: 10}
	src := make([]float64, rect.Rows*rect.Cols)
	for i := range src {
		src[i] = float64(i) + 0.5
	}
	require.NoError(t, grid.WriteRegion(src, rect))
	require.NoError(t, grid.Flush())

	for r := 0; r < rect.Rows; r++ {
		for c := 0; c < rect.Cols; c++ {
			assert.Equal(t, src[r*rect.Cols+c], store.data[(rect.Row+r)*17+rect.Col+c])
		}
	}

	// Buffer length must match the rect.
	err = grid.WriteRegion(src[:5], rect)
	assert.ErrorIs(t, err, ErrInvalidRegion)

	// A rect hanging off the grid writes only the overlapping part.
	edge := tiling.Rect{Row: 23, Col: 15, Rows: 4, Cols: 4}
	edgeSrc := make([]float64, 16)
	for i := range edgeSrc {
		edgeSrc[i] = -1
	}
	require.NoError(t, grid.WriteRegion(edgeSrc, edge))
	require.NoError(t, grid.Flush())
	assert.Equal(t, -1.0, store.data[24*17+16])
}

func TestGrid_ClearDiscardsDirtyData(t *testing.T) {
	store := newArrayStore[float64](10, 10)
	fillStore(store)
	grid, err := New(10, 10, ReadWrite, store, WithLogger(NoopLogger()))
	require.NoError(t, err)

	require.NoError(t, grid.Set(2, 2, -99))
	grid.Clear()

	assert.Zero(t, store.writes)
	assert.Zero(t, grid.Len())

	// The next read refetches the original value.
	v, err := grid.Get(2, 2)
	require.NoError(t, err)
	assert.Equal(t, cellValue(2, 2), v)
}

func TestGrid_Close(t *testing.T) {
	store := newArrayStore[float64](10, 10)
	grid, err := New(10, 10, ReadWrite, store, WithLogger(NoopLogger()))
	require.NoError(t, err)

	require.NoError(t, grid.Set(1, 1, 3.5))
	require.NoError(t, grid.Close())
	assert.Equal(t, 3.5, store.data[11])

	_, err = grid.Get(0, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, grid.Set(0, 0, 1), ErrClosed)
	assert.ErrorIs(t, grid.Flush(), ErrClosed)
	assert.ErrorIs(t, grid.SetMaxTiles(4), ErrClosed)

	// Closing again is a no-op.
	require.NoError(t, grid.Close())
}

func TestGrid_SizingSetters(t *testing.T) {
	store := newArrayStore[float64](100, 100)
	grid, err := New(100, 100, ReadWrite, store,
		WithTileDims(10, 10), WithLogger(NoopLogger()))
	require.NoError(t, err)

	require.NoError(t, grid.SetMaxTiles(0))
	assert.Equal(t, 1, grid.MaxTiles())

	// 10x10 float64 tiles are 800 bytes.
	require.NoError(t, grid.SetCacheSize(4000))
	assert.Equal(t, 5, grid.MaxTiles())

	// The optimized variant holds at least one full row of tiles.
	require.NoError(t, grid.SetOptimizedCacheSize(4000))
	assert.Equal(t, 10, grid.MaxTiles())

	// A large budget wins over the row-spanning floor.
	require.NoError(t, grid.SetOptimizedCacheSize(800 * 20))
	assert.Equal(t, 20, grid.MaxTiles())

	// SetTileSize picks the largest square tile fitting the budget.
	require.NoError(t, grid.SetTileSize(8 * 8 * 8))
	tr, tc := grid.TileDims()
	assert.Equal(t, 8, tr)
	assert.Equal(t, 8, tc)
}

func TestGrid_SetMaxTilesRebuildsCache(t *testing.T) {
	store := newArrayStore[float64](10, 10)
	grid, err := New(10, 10, ReadWrite, store,
		WithTileDims(5, 5), WithMaxTiles(4), WithLogger(NoopLogger()))
	require.NoError(t, err)

	require.NoError(t, grid.Set(0, 0, 7.5))
	require.NoError(t, grid.SetMaxTiles(2))

	// The rebuild discards the dirty resident WITHOUT write-back, like
	// Clear; the next read refetches the backend's value.
	assert.Zero(t, store.writes)
	assert.Zero(t, grid.Len())
	assert.Equal(t, 2, grid.MaxTiles())
	v, err := grid.Get(0, 0)
	require.NoError(t, err)
	assert.Zero(t, v)

	// The byte-budget setters rebuild the same way.
	require.NoError(t, grid.Set(0, 0, 7.5))
	require.NoError(t, grid.SetCacheSize(2 * 5 * 5 * 8))
	assert.Zero(t, store.writes)
	assert.Zero(t, grid.Len())
}

func TestGrid_SettersRejectedWhileDynamic(t *testing.T) {
	store := newArrayStore[float64](100, 100)
	grid, err := New(100, 100, ReadWrite, store,
		WithTileDims(10, 10),
		WithMaxTiles(4),
		WithDynamic(0.01, 0.2),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)
	defer grid.Close()

	assert.ErrorIs(t, grid.SetMaxTiles(10), ErrDynamicActive)
	assert.ErrorIs(t, grid.SetCacheSize(1<<20), ErrDynamicActive)
	assert.ErrorIs(t, grid.SetOptimizedCacheSize(1<<20), ErrDynamicActive)
	assert.ErrorIs(t, grid.SetTileDims(5, 5), ErrDynamicActive)
	assert.ErrorIs(t, grid.SetTileSize(1<<10), ErrDynamicActive)

	require.NoError(t, grid.SetDynamic(false))
	require.NoError(t, grid.SetMaxTiles(10))
	assert.Equal(t, 10, grid.MaxTiles())
}

func TestGrid_DynamicResizeAppliedOnAccess(t *testing.T) {
	store := newArrayStore[float64](100, 100)
	grid, err := New(100, 100, ReadWrite, store,
		WithTileDims(10, 10),
		WithMaxTiles(4),
		WithDynamic(0.01, 0.2),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)
	defer grid.Close()

	// Grow publishes a pending capacity; the next lookup applies it.
	require.NoError(t, grid.growCache())
	assert.Equal(t, 4, grid.MaxTiles())
	_, err = grid.Get(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, grid.MaxTiles())

	require.NoError(t, grid.shrinkCache())
	_, err = grid.Get(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, grid.MaxTiles())

	// Growth is capped at the spanning bound: 1.5x the larger tile count.
	for i := 0; i < 10; i++ {
		require.NoError(t, grid.growCache())
		_, err = grid.Get(0, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 15, grid.MaxTiles())

	// Disabling restores the capacity requested before dynamic mode.
	require.NoError(t, grid.SetDynamic(false))
	assert.Equal(t, 4, grid.MaxTiles())
}

func TestGrid_NativeTileDims(t *testing.T) {
	store := newArrayStore[float64](100, 100)
	store.nativeDims = [2]int{8, 8}

	grid, err := New(100, 100, ReadWrite, store, WithLogger(NoopLogger()))
	require.NoError(t, err)
	tr, tc := grid.TileDims()
	assert.Equal(t, 8, tr)
	assert.Equal(t, 8, tc)

	// Explicit dims override the backend's chunking.
	grid, err = New(100, 100, ReadWrite, store,
		WithTileDims(25, 25), WithLogger(NoopLogger()))
	require.NoError(t, err)
	tr, tc = grid.TileDims()
	assert.Equal(t, 25, tr)
	assert.Equal(t, 25, tc)
}

func TestGrid_MemoryLimitForcesEviction(t *testing.T) {
	store := newArrayStore[float64](32, 32)
	// 8x8 float64 tiles are 512 bytes; the limit fits two.
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 1024})
	grid, err := New(32, 32, ReadWrite, store,
		WithTileDims(8, 8),
		WithMaxTiles(8),
		WithResourceController(rc),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	for _, coord := range [][2]int{{0, 0}, {0, 16}, {16, 0}, {16, 16}} {
		_, err := grid.Get(coord[0], coord[1])
		require.NoError(t, err)
	}

	assert.Equal(t, 2, grid.Len())
	assert.Equal(t, int64(1024), rc.MemoryUsage())

	grid.Clear()
	assert.Zero(t, rc.MemoryUsage())
}
