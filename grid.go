package gridcache

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/hupe1980/gridcache/internal/conv"
	"github.com/hupe1980/gridcache/internal/lru"
	"github.com/hupe1980/gridcache/optimizer"
	"github.com/hupe1980/gridcache/resource"
	"github.com/hupe1980/gridcache/tiling"
)

const (
	// DefaultTileDims is the nominal tile dimension used when neither the
	// caller nor the backend specifies tile geometry.
	DefaultTileDims = 512

	// DefaultMaxTiles is the default resident tile capacity.
	DefaultMaxTiles = 8

	// DefaultMinMissRate and DefaultMaxMissRate bound the target miss rate
	// band used by dynamic sizing when no band is configured.
	DefaultMinMissRate = 0.01
	DefaultMaxMissRate = 0.10
)

// Element is the set of grid element types.
type Element = tiling.Element

// Mode selects the access mode of a grid.
type Mode int

const (
	// ReadOnly permits reads; Set and WriteRegion fail with ErrReadOnly.
	ReadOnly Mode = iota
	// ReadWrite permits reads and writes; dirty tiles are written back on
	// eviction, flush and close.
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// TileReader fetches tiles from backing storage on a cache miss.
type TileReader[T Element] interface {
	// ReadTile returns the tile at pos with the given grid-space bounds.
	// The returned tile's rect must equal bounds and its buffer must hold
	// bounds.Rows*bounds.Cols elements.
	ReadTile(pos tiling.Position, bounds tiling.Rect) (*tiling.Tile[T], error)
}

// TileWriter persists dirty tiles. Backends for read-write grids must
// implement it in addition to TileReader.
type TileWriter[T Element] interface {
	// WriteTile persists the tile's buffer and marks the tile clean on
	// success.
	WriteTile(t *tiling.Tile[T]) error
}

// TileGeometry is an optional backend interface reporting native chunk
// dimensions. When implemented and no explicit tile geometry is
// configured, the grid aligns its tiles to the backend's chunks so every
// miss maps to exactly one chunk fetch.
type TileGeometry interface {
	NativeTileDims() (rows, cols int, ok bool)
}

// Grid provides cached, out-of-core access to a large 2D raster. Values
// are fetched from the backend in rectangular tiles, held in a bounded
// LRU cache, and written back lazily when dirty tiles are evicted or
// flushed.
//
// A Grid is not safe for concurrent use. All access operations assume a
// single caller goroutine or external synchronization; only the dynamic
// sizing machinery crosses goroutines, through atomics.
type Grid[T Element] struct {
	rows, cols int
	mode       Mode
	reader     TileReader[T]
	writer     TileWriter[T] // nil for read-only grids

	scheme   *tiling.Scheme
	cache    *lru.Map[tiling.Position, *tiling.Tile[T]]
	lastTile *tiling.Tile[T]

	// Read by the optimizer callbacks on the sampling goroutine.
	maxTiles      atomic.Int64
	spanningTiles atomic.Int64
	pendingResize atomic.Int64 // 0 = no resize requested

	requestedMaxTiles int
	dynamic           bool
	minMissRate       float64
	maxMissRate       float64
	opt               *optimizer.Optimizer

	reserved map[tiling.Position]int64 // reserved controller bytes per tile

	elemSize int
	closed   bool

	logger  *Logger
	metrics MetricsCollector
	rc      *resource.Controller
}

// New creates a grid of rows x cols elements served by the given
// backend. For ReadWrite mode the backend must also implement
// TileWriter, otherwise New fails with ErrNotWritable.
func New[T Element](rows, cols int, mode Mode, backend TileReader[T], optFns ...Option) (*Grid[T], error) {
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("gridcache: invalid grid dimensions %dx%d", rows, cols)
	}
	if backend == nil {
		return nil, fmt.Errorf("gridcache: backend is required")
	}

	opts := options{
		minMissRate:      DefaultMinMissRate,
		maxMissRate:      DefaultMaxMissRate,
		logger:           NewLogger(nil),
		metricsCollector: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	writer, _ := backend.(TileWriter[T])
	if mode == ReadWrite && writer == nil {
		return nil, ErrNotWritable
	}

	g := &Grid[T]{
		rows:        rows,
		cols:        cols,
		mode:        mode,
		reader:      backend,
		writer:      writer,
		minMissRate: opts.minMissRate,
		maxMissRate: opts.maxMissRate,
		elemSize:    conv.Size[T](),
		logger:      opts.logger,
		metrics:     opts.metricsCollector,
		rc:          opts.resourceController,
		cache:       lru.New[tiling.Position, *tiling.Tile[T]](),
	}
	if g.rc != nil {
		g.reserved = make(map[tiling.Position]int64)
	}

	// Tile geometry: explicit dims, then a byte budget, then the backend's
	// native chunking, then the default.
	tileRows, tileCols := DefaultTileDims, DefaultTileDims
	switch {
	case opts.tileRows != 0 || opts.tileCols != 0:
		tileRows, tileCols = opts.tileRows, opts.tileCols
	case opts.tileSizeBytes != 0:
		side := squareTileSide(opts.tileSizeBytes, g.elemSize)
		tileRows, tileCols = side, side
	default:
		if geo, ok := backend.(TileGeometry); ok {
			if nr, nc, ok := geo.NativeTileDims(); ok {
				tileRows, tileCols = nr, nc
			}
		}
	}
	scheme, err := tiling.NewScheme(rows, cols, tileRows, tileCols)
	if err != nil {
		return nil, err
	}
	g.scheme = scheme
	g.updateSpanningTiles()

	// Tile capacity: explicit count, then a byte budget.
	maxTiles := DefaultMaxTiles
	switch {
	case opts.maxTiles != 0:
		maxTiles = clampTiles(opts.maxTiles)
	case opts.optimizedCacheSize != 0:
		maxTiles = max(clampTiles(opts.optimizedCacheSize/g.tileBytes()), g.rowSpanningTiles())
	case opts.cacheSizeBytes != 0:
		maxTiles = clampTiles(opts.cacheSizeBytes / g.tileBytes())
	}
	g.maxTiles.Store(int64(maxTiles))
	g.requestedMaxTiles = maxTiles

	if opts.dynamic {
		if err := g.enableDynamic(); err != nil {
			return nil, err
		}
	}

	g.logger.Debug("grid created",
		"rows", rows, "cols", cols,
		"mode", mode.String(),
		"tile_rows", tileRows, "tile_cols", tileCols,
		"max_tiles", maxTiles,
		"dynamic", g.dynamic,
	)
	return g, nil
}

// Dims returns the grid dimensions as (rows, cols).
func (g *Grid[T]) Dims() (rows, cols int) { return g.rows, g.cols }

// Mode returns the grid's access mode.
func (g *Grid[T]) Mode() Mode { return g.mode }

// TileDims returns the nominal tile dimensions as (rows, cols).
func (g *Grid[T]) TileDims() (rows, cols int) { return g.scheme.TileDims() }

// MaxTiles returns the current resident tile capacity.
func (g *Grid[T]) MaxTiles() int { return int(g.maxTiles.Load()) }

// Len returns the number of resident tiles.
func (g *Grid[T]) Len() int { return g.cache.Len() }

// Dynamic reports whether dynamic cache sizing is enabled.
func (g *Grid[T]) Dynamic() bool { return g.dynamic }

// Get returns the value at (row, col). Out-of-range coordinates return
// NaN without error. A resolved miss or failed eviction write-back
// surfaces as a *TileError.
func (g *Grid[T]) Get(row, col int) (T, error) {
	var zero T
	if g.closed {
		return zero, ErrClosed
	}
	if row < 0 || row >= g.rows || col < 0 || col >= g.cols {
		return nan[T](), nil
	}
	t, err := g.tileFor(row, col)
	if err != nil {
		return zero, err
	}
	return t.Data()[t.Index(row, col)], nil
}

// Set stores the value at (row, col) and marks the containing tile
// dirty. Out-of-range coordinates are a silent no-op.
func (g *Grid[T]) Set(row, col int, value T) error {
	if g.closed {
		return ErrClosed
	}
	if g.mode != ReadWrite {
		return ErrReadOnly
	}
	if row < 0 || row >= g.rows || col < 0 || col >= g.cols {
		return nil
	}
	t, err := g.tileFor(row, col)
	if err != nil {
		return err
	}
	t.Data()[t.Index(row, col)] = value
	t.MarkDirty()
	return nil
}

// ReadRegion reads a rectangle possibly spanning multiple tiles into a
// row-major buffer of rect.Rows*rect.Cols elements. The result is
// bit-identical to calling Get at each covered coordinate: portions of
// the rect outside the grid read as NaN. A rect with non-positive extent
// fails with ErrInvalidRegion.
func (g *Grid[T]) ReadRegion(rect tiling.Rect) ([]T, error) {
	if g.closed {
		return nil, ErrClosed
	}
	if rect.Rows <= 0 || rect.Cols <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRegion, rect)
	}

	out := make([]T, rect.Rows*rect.Cols)
	clipped := rect.Intersect(g.gridRect())
	if clipped.Empty() || len(out) != clipped.Rows*clipped.Cols {
		for i := range out {
			out[i] = nan[T]()
		}
	}
	if clipped.Empty() {
		return out, nil
	}

	for _, pos := range g.scheme.Covering(clipped) {
		t, err := g.getTile(pos)
		if err != nil {
			return nil, err
		}
		overlap := t.Rect().Intersect(clipped)

		// Whole-tile shortcut: the request is exactly one full tile.
		if overlap == rect && overlap == t.Rect() {
			copy(out, t.Data())
			return out, nil
		}

		for r := 0; r < overlap.Rows; r++ {
			src := t.Index(overlap.Row+r, overlap.Col)
			dst := (overlap.Row+r-rect.Row)*rect.Cols + (overlap.Col - rect.Col)
			copy(out[dst:dst+overlap.Cols], t.Data()[src:src+overlap.Cols])
		}
	}
	return out, nil
}

// WriteRegion writes a row-major buffer of rect.Rows*rect.Cols elements
// into the rectangle, marking every covered tile dirty. Portions of the
// rect outside the grid are silently skipped, mirroring Set. A rect
// whose extent is non-positive or does not match the buffer length fails
// with ErrInvalidRegion.
func (g *Grid[T]) WriteRegion(src []T, rect tiling.Rect) error {
	if g.closed {
		return ErrClosed
	}
	if g.mode != ReadWrite {
		return ErrReadOnly
	}
	if rect.Rows <= 0 || rect.Cols <= 0 || len(src) != rect.Rows*rect.Cols {
		return fmt.Errorf("%w: %s with buffer length %d", ErrInvalidRegion, rect, len(src))
	}

	clipped := rect.Intersect(g.gridRect())
	if clipped.Empty() {
		return nil
	}

	for _, pos := range g.scheme.Covering(clipped) {
		t, err := g.getTile(pos)
		if err != nil {
			return err
		}
		overlap := t.Rect().Intersect(clipped)
		for r := 0; r < overlap.Rows; r++ {
			dst := t.Index(overlap.Row+r, overlap.Col)
			srcOff := (overlap.Row+r-rect.Row)*rect.Cols + (overlap.Col - rect.Col)
			copy(t.Data()[dst:dst+overlap.Cols], src[srcOff:srcOff+overlap.Cols])
		}
		t.MarkDirty()
	}
	return nil
}

// Flush writes back every dirty resident tile without evicting. On
// failure the offending tile stays resident and dirty, so a later Flush
// retries it.
func (g *Grid[T]) Flush() error {
	if g.closed {
		return ErrClosed
	}
	var flushErr error
	g.cache.Range(func(pos tiling.Position, t *tiling.Tile[T]) bool {
		if !t.Dirty() {
			return true
		}
		if err := g.writeTile(t); err != nil {
			flushErr = err
			return false
		}
		return true
	})
	return flushErr
}

// Clear discards every resident tile WITHOUT writing back dirty data.
// Unflushed writes are lost.
func (g *Grid[T]) Clear() {
	g.resetCache()
}

// Close stops dynamic sizing, flushes dirty tiles (read-write grids) and
// discards all residents. If the flush fails the grid stays open so the
// caller can retry. Closing a closed grid is a no-op.
func (g *Grid[T]) Close() error {
	if g.closed {
		return nil
	}
	if g.opt != nil {
		g.opt.Stop()
		g.opt = nil
		g.dynamic = false
	}
	if g.mode == ReadWrite {
		if err := g.Flush(); err != nil {
			return err
		}
	}
	g.resetCache()
	g.closed = true
	return nil
}

// SetTileDims changes the tile geometry, discarding every resident tile
// WITHOUT write-back. Flush first if dirty data must survive.
func (g *Grid[T]) SetTileDims(rows, cols int) error {
	if g.closed {
		return ErrClosed
	}
	if g.dynamic {
		return ErrDynamicActive
	}
	scheme, err := tiling.NewScheme(g.rows, g.cols, rows, cols)
	if err != nil {
		return err
	}
	g.scheme = scheme
	g.updateSpanningTiles()
	g.resetCache()

	tr, tc := scheme.TileDims()
	g.logger.Info("tile geometry changed", "tile_rows", tr, "tile_cols", tc)
	return nil
}

// SetTileSize changes the tile geometry to the largest roughly-square
// tile whose buffer fits the byte budget. Same resident-discard hazard
// as SetTileDims.
func (g *Grid[T]) SetTileSize(bytes int) error {
	side := squareTileSide(bytes, g.elemSize)
	return g.SetTileDims(side, side)
}

// SetCacheSize sets the resident tile capacity to the number of full
// tiles fitting the byte budget, at least 1. Same resident-discard
// hazard as SetMaxTiles.
func (g *Grid[T]) SetCacheSize(bytes int) error {
	if g.closed {
		return ErrClosed
	}
	if g.dynamic {
		return ErrDynamicActive
	}
	return g.SetMaxTiles(bytes / g.tileBytes())
}

// SetOptimizedCacheSize sets the capacity like SetCacheSize, but raises
// it if needed so the cache can hold one full row of tiles. The actual
// cache size may therefore be larger than requested. Avoids pathological
// thrashing on row-major scans.
func (g *Grid[T]) SetOptimizedCacheSize(bytes int) error {
	if g.closed {
		return ErrClosed
	}
	if g.dynamic {
		return ErrDynamicActive
	}
	return g.SetMaxTiles(max(bytes/g.tileBytes(), g.rowSpanningTiles()))
}

// SetMaxTiles sets the resident tile capacity directly, clamped to >= 1.
// The cache is rebuilt: every resident tile is discarded WITHOUT
// write-back, the same hazard as Clear. Flush first if dirty data must
// survive. Only dynamic resizes preserve residents.
func (g *Grid[T]) SetMaxTiles(n int) error {
	if g.closed {
		return ErrClosed
	}
	if g.dynamic {
		return ErrDynamicActive
	}
	n = clampTiles(n)
	g.requestedMaxTiles = n
	if cur := int(g.maxTiles.Load()); n != cur {
		g.maxTiles.Store(int64(n))
		g.metrics.RecordResize(n)
		g.logger.Info("cache capacity changed", "from", cur, "to", n)
	}
	g.resetCache()
	return nil
}

// SetDynamic turns dynamic cache sizing on or off. While on, the miss
// rate band configured at construction drives grow/shrink of the tile
// capacity and the explicit sizing setters are rejected. Turning it off
// restores the last explicitly requested capacity, evicting overflow
// with write-back.
func (g *Grid[T]) SetDynamic(on bool) error {
	if g.closed {
		return ErrClosed
	}
	if on == g.dynamic {
		return nil
	}
	if on {
		return g.enableDynamic()
	}
	g.opt.Stop()
	g.opt = nil
	g.dynamic = false
	g.pendingResize.Store(0)
	g.logger.Debug("dynamic cache sizing disabled")
	return g.adjustMaxTiles(g.requestedMaxTiles)
}

func (g *Grid[T]) enableDynamic() error {
	opt, err := optimizer.New(g.minMissRate, g.maxMissRate, g.growCache, g.shrinkCache,
		optimizer.WithLogger(g.logger.Logger),
	)
	if err != nil {
		return err
	}
	g.opt = opt
	g.dynamic = true
	g.requestedMaxTiles = int(g.maxTiles.Load())
	g.logger.Debug("dynamic cache sizing enabled",
		"min_miss_rate", g.minMissRate,
		"max_miss_rate", g.maxMissRate,
		"max_tiles", g.requestedMaxTiles,
	)
	return nil
}

// growCache and shrinkCache run on the optimizer's sampling goroutine.
// They never touch the cache directly: the new capacity is published and
// applied by the caller goroutine at its next tile lookup.

func (g *Grid[T]) growCache() error {
	cur := g.maxTiles.Load()
	target := int64(math.Round(float64(cur) * 1.5))
	if bound := g.spanningTiles.Load(); target > bound {
		target = bound
	}
	if target > cur {
		g.pendingResize.Store(target)
	}
	return nil
}

func (g *Grid[T]) shrinkCache() error {
	cur := g.maxTiles.Load()
	if cur > 1 {
		g.pendingResize.Store(cur - 1)
	}
	return nil
}

// tileFor returns the resident tile containing the in-range coordinate,
// consulting the single-tile fast path before the bounded map. Every
// lookup counts as one access toward metrics and dynamic sizing,
// fast-path hits included, so the miss rate stays per-element.
func (g *Grid[T]) tileFor(row, col int) (*tiling.Tile[T], error) {
	if err := g.applyPendingResize(); err != nil {
		return nil, err
	}
	pos := g.scheme.PositionAt(row, col)
	if t := g.lastTile; t != nil && t.Position() == pos {
		if g.opt != nil {
			g.opt.Access()
		}
		g.metrics.RecordAccess(true)
		return t, nil
	}
	return g.getTile(pos)
}

// getTile returns the tile at pos, reading it from the backend on a
// miss. Insertion beyond capacity evicts the least recently used entry
// first, writing it back if dirty.
func (g *Grid[T]) getTile(pos tiling.Position) (*tiling.Tile[T], error) {
	if err := g.applyPendingResize(); err != nil {
		return nil, err
	}

	if t, ok := g.cache.Get(pos); ok {
		if g.opt != nil {
			g.opt.Access()
		}
		g.metrics.RecordAccess(true)
		g.lastTile = t
		return t, nil
	}

	if g.opt != nil {
		g.opt.Access()
		g.opt.Miss()
	}
	g.metrics.RecordAccess(false)
	g.logger.Debug("tile miss", "tile", pos.String())

	bounds := g.scheme.TileRect(pos)
	start := time.Now()
	t, err := g.reader.ReadTile(pos, bounds)
	g.metrics.RecordTileRead(time.Since(start), err)
	if err != nil {
		return nil, &TileError{Op: "read", Pos: pos, cause: err}
	}
	if t.Rect() != bounds {
		return nil, &TileError{Op: "read", Pos: pos,
			cause: fmt.Errorf("backend returned %s, want %s", t.Rect(), bounds)}
	}

	if err := g.insert(pos, t); err != nil {
		return nil, err
	}
	g.lastTile = t
	return t, nil
}

// insert places a freshly read tile into the cache, reclaiming capacity
// and controller memory first. Exactly one slot is reclaimed per
// insertion unless a memory limit forces more.
func (g *Grid[T]) insert(pos tiling.Position, t *tiling.Tile[T]) error {
	capacity := int(g.maxTiles.Load())
	for g.cache.Len() >= capacity {
		if err := g.evictOldest(); err != nil {
			return err
		}
	}

	if g.rc != nil {
		bytes := int64(len(t.Data())) * int64(g.elemSize)
		acquired := g.rc.TryAcquireMemory(bytes)
		for !acquired && g.cache.Len() > 0 {
			if err := g.evictOldest(); err != nil {
				return err
			}
			acquired = g.rc.TryAcquireMemory(bytes)
		}
		if acquired {
			g.reserved[pos] = bytes
		} else {
			// Limit smaller than one tile: keep serving, unaccounted.
			g.logger.Warn("memory limit below single tile size", "tile_bytes", bytes)
		}
	}

	g.cache.Put(pos, t)
	return nil
}

// evictOldest removes the least recently used tile, writing it back
// first if dirty. On write-back failure the tile stays resident and
// dirty.
func (g *Grid[T]) evictOldest() error {
	pos, t, ok := g.cache.Oldest()
	if !ok {
		return nil
	}
	if t.Dirty() {
		if err := g.writeTile(t); err != nil {
			return err
		}
	}
	g.cache.RemoveOldest()
	if bytes, ok := g.reserved[pos]; ok {
		g.rc.ReleaseMemory(bytes)
		delete(g.reserved, pos)
	}
	if g.lastTile == t {
		g.lastTile = nil
	}
	g.metrics.RecordEviction()
	g.logger.Debug("tile evicted", "tile", pos.String())
	return nil
}

func (g *Grid[T]) writeTile(t *tiling.Tile[T]) error {
	start := time.Now()
	err := g.writer.WriteTile(t)
	g.metrics.RecordTileWrite(time.Since(start), err)
	if err != nil {
		return &TileError{Op: "write", Pos: t.Position(), cause: err}
	}
	return nil
}

// applyPendingResize applies a capacity change published by the dynamic
// sizing callbacks.
func (g *Grid[T]) applyPendingResize() error {
	if g.pendingResize.Load() == 0 {
		return nil
	}
	target := g.pendingResize.Swap(0)
	if target <= 0 {
		return nil
	}
	return g.adjustMaxTiles(int(target))
}

// adjustMaxTiles changes the capacity preserving residents, evicting
// oldest-first with write-back when shrinking below the resident count.
// Dynamic sizing only; the explicit setters rebuild the cache instead.
func (g *Grid[T]) adjustMaxTiles(n int) error {
	cur := int(g.maxTiles.Load())
	if n == cur {
		return nil
	}
	g.maxTiles.Store(int64(n))
	g.metrics.RecordResize(n)
	g.logger.Info("cache capacity changed", "from", cur, "to", n)

	for g.cache.Len() > n {
		if err := g.evictOldest(); err != nil {
			return err
		}
	}
	return nil
}

func (g *Grid[T]) resetCache() {
	for pos, bytes := range g.reserved {
		g.rc.ReleaseMemory(bytes)
		delete(g.reserved, pos)
	}
	g.cache.Clear()
	g.lastTile = nil
}

func (g *Grid[T]) gridRect() tiling.Rect {
	return tiling.Rect{Rows: g.rows, Cols: g.cols}
}

// tileBytes returns the byte size of a full nominal tile buffer.
func (g *Grid[T]) tileBytes() int {
	tr, tc := g.scheme.TileDims()
	return tr * tc * g.elemSize
}

// rowSpanningTiles returns the number of tiles covering one full grid
// row.
func (g *Grid[T]) rowSpanningTiles() int {
	_, tileColN := g.scheme.TileCounts()
	return tileColN
}

// updateSpanningTiles recomputes the dynamic grow bound: roughly 1.5x
// the larger tile count, clamped to the total number of tiles. Growing
// past the working-set band of a scan buys nothing.
func (g *Grid[T]) updateSpanningTiles() {
	rowN, colN := g.scheme.TileCounts()
	bound := min(int(math.Ceil(float64(max(rowN, colN))*1.5)), g.scheme.TileCount())
	g.spanningTiles.Store(int64(bound))
}

func clampTiles(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func squareTileSide(bytes, elemSize int) int {
	side := int(math.Sqrt(float64(bytes) / float64(elemSize)))
	if side < 1 {
		side = 1
	}
	return side
}

// nan returns the not-a-number sentinel for out-of-range reads.
func nan[T Element]() T {
	return T(math.NaN())
}
