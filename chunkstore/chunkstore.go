// Package chunkstore persists grids as fixed-size, optionally compressed
// chunks in a blob store. It is the standard backend adapter for the
// cache engine: each chunk is one blob holding the little-endian element
// bytes of a nominal chunk rectangle, framed by a compression codec.
//
// A JSON manifest blob makes a store self-describing: grid dimensions,
// chunk dimensions, element kind, codec name and fill value are recorded
// at creation and resolved again on open. Chunks that were never written
// read as the fill value (NaN unless configured), so sparse grids cost
// no storage.
package chunkstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/gridcache/blobstore"
	"github.com/hupe1980/gridcache/codec"
	"github.com/hupe1980/gridcache/internal/conv"
	"github.com/hupe1980/gridcache/tiling"
)

const (
	manifestName    = "manifest.json"
	manifestVersion = 1
)

// ErrKindMismatch is returned by Open when the store was created with a
// different element type.
var ErrKindMismatch = errors.New("chunkstore: element kind mismatch")

type manifest struct {
	Version   int    `json:"version"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
	ChunkRows int    `json:"chunk_rows"`
	ChunkCols int    `json:"chunk_cols"`
	Element   string `json:"element"`
	Codec     string `json:"codec"`
	// Fill is the value read from never-written chunks. nil means NaN,
	// which JSON cannot represent directly.
	Fill *float64 `json:"fill,omitempty"`
}

type options struct {
	codec codec.Codec
	fill  *float64
}

// Option configures chunk store creation.
type Option func(*options)

// WithCodec sets the chunk compression codec. If nil is passed,
// codec.Default is used. The choice is recorded in the manifest; Open
// ignores this option and uses the recorded codec.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithFill sets the value read from chunks that were never written.
// The default is NaN.
func WithFill(fill float64) Option {
	return func(o *options) {
		o.fill = &fill
	}
}

// Store reads and writes grid tiles as chunk blobs. It implements the
// cache engine's TileReader and TileWriter and reports its chunk
// dimensions as native tile geometry.
type Store[T tiling.Element] struct {
	blobs  blobstore.Store
	scheme *tiling.Scheme
	codec  codec.Codec
	fill   T
}

// Create initializes a new chunk store over the given blob store and
// writes its manifest. Any existing manifest is overwritten; existing
// chunk blobs are NOT removed and will shadow through, so create into an
// empty blob store or prefix.
func Create[T tiling.Element](blobs blobstore.Store, rows, cols, chunkRows, chunkCols int, optFns ...Option) (*Store[T], error) {
	opts := options{codec: codec.Default}
	for _, fn := range optFns {
		fn(&opts)
	}

	scheme, err := tiling.NewScheme(rows, cols, chunkRows, chunkCols)
	if err != nil {
		return nil, err
	}
	chunkRows, chunkCols = scheme.TileDims()

	m := manifest{
		Version:   manifestVersion,
		Rows:      rows,
		Cols:      cols,
		ChunkRows: chunkRows,
		ChunkCols: chunkCols,
		Element:   conv.Kind[T](),
		Codec:     opts.codec.Name(),
		Fill:      opts.fill,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := blobs.Put(manifestName, data); err != nil {
		return nil, fmt.Errorf("chunkstore: write manifest: %w", err)
	}

	return newStore[T](blobs, scheme, opts.codec, opts.fill), nil
}

// Open opens an existing chunk store by reading its manifest. The
// element type parameter must match the recorded element kind.
func Open[T tiling.Element](blobs blobstore.Store) (*Store[T], error) {
	data, err := blobstore.ReadAll(blobs, manifestName)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("chunkstore: decode manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("chunkstore: unsupported manifest version %d", m.Version)
	}
	if m.Element != conv.Kind[T]() {
		return nil, fmt.Errorf("%w: store holds %s, want %s", ErrKindMismatch, m.Element, conv.Kind[T]())
	}
	c, ok := codec.ByName(m.Codec)
	if !ok {
		return nil, fmt.Errorf("chunkstore: unknown codec %q", m.Codec)
	}
	scheme, err := tiling.NewScheme(m.Rows, m.Cols, m.ChunkRows, m.ChunkCols)
	if err != nil {
		return nil, err
	}
	return newStore[T](blobs, scheme, c, m.Fill), nil
}

func newStore[T tiling.Element](blobs blobstore.Store, scheme *tiling.Scheme, c codec.Codec, fill *float64) *Store[T] {
	s := &Store[T]{blobs: blobs, scheme: scheme, codec: c}
	if fill != nil {
		s.fill = T(*fill)
	} else {
		s.fill = nan[T]()
	}
	return s
}

// Dims returns the grid dimensions as (rows, cols).
func (s *Store[T]) Dims() (rows, cols int) { return s.scheme.Dims() }

// NativeTileDims reports the chunk dimensions so the cache engine can
// align its tiles to whole chunks.
func (s *Store[T]) NativeTileDims() (rows, cols int, ok bool) {
	rows, cols = s.scheme.TileDims()
	return rows, cols, true
}

// ReadTile assembles the requested bounds from the underlying chunks.
// When the tile geometry matches the chunk geometry this is a single
// chunk fetch.
func (s *Store[T]) ReadTile(pos tiling.Position, bounds tiling.Rect) (*tiling.Tile[T], error) {
	if bounds.Empty() {
		return nil, fmt.Errorf("chunkstore: empty bounds %s", bounds)
	}

	// Aligned fast path: the tile is exactly the chunk at pos. Truncated
	// edge tiles are carved out of the nominal chunk buffer.
	if s.scheme.Valid(pos) && bounds == s.scheme.TileRect(pos) {
		buf, err := s.readChunk(pos)
		if err != nil {
			return nil, err
		}
		return tiling.NewTile(pos, bounds, s.carve(buf, bounds))
	}

	// General path: the engine's tile geometry differs from the chunk
	// geometry, so gather from every overlapping chunk.
	data := make([]T, bounds.Rows*bounds.Cols)
	for i := range data {
		data[i] = s.fill
	}
	for _, cpos := range s.scheme.Covering(bounds.Intersect(s.gridRect())) {
		buf, err := s.readChunk(cpos)
		if err != nil {
			return nil, err
		}
		overlap := s.scheme.TileRect(cpos).Intersect(bounds)
		s.copyRows(overlap, cpos, bounds, buf, data, false)
	}
	return tiling.NewTile(pos, bounds, data)
}

// WriteTile persists the tile's buffer into the underlying chunks and
// marks the tile clean. Writes not covering a whole chunk read, merge
// and rewrite it.
func (s *Store[T]) WriteTile(t *tiling.Tile[T]) error {
	bounds := t.Rect()

	// Aligned fast path: the tile covers the chunk's entire valid region,
	// so the nominal buffer can be built without reading.
	if s.scheme.Valid(t.Position()) && bounds == s.scheme.TileRect(t.Position()) {
		buf := s.fillChunk()
		s.merge(buf, bounds, t.Data())
		if err := s.writeChunk(t.Position(), buf); err != nil {
			return err
		}
		t.MarkClean()
		return nil
	}

	for _, cpos := range s.scheme.Covering(bounds.Intersect(s.gridRect())) {
		buf, err := s.readChunk(cpos)
		if err != nil {
			return err
		}
		overlap := s.scheme.TileRect(cpos).Intersect(bounds)
		s.copyRows(overlap, cpos, bounds, buf, t.Data(), true)
		if err := s.writeChunk(cpos, buf); err != nil {
			return err
		}
	}
	t.MarkClean()
	return nil
}

// Materialize writes a fill-valued blob for every chunk that does not
// exist yet, up to parallelism concurrent writes. Useful when a dense
// dataset is created up front and later filled by many writers.
func (s *Store[T]) Materialize(ctx context.Context, parallelism int) error {
	existing, err := s.blobs.List("chunk-")
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		have[name] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	if parallelism < 1 {
		parallelism = 1
	}
	g.SetLimit(parallelism)

	for _, pos := range s.scheme.Positions() {
		if _, ok := have[chunkName(pos)]; ok {
			continue
		}
		pos := pos
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return s.writeChunk(pos, s.fillChunk())
		})
	}
	return g.Wait()
}

// readChunk returns the nominal chunk buffer at cpos, decoded and
// decompressed. A missing chunk reads as the fill value.
func (s *Store[T]) readChunk(cpos tiling.Position) ([]T, error) {
	raw, err := blobstore.ReadAll(s.blobs, chunkName(cpos))
	if errors.Is(err, blobstore.ErrNotFound) {
		return s.fillChunk(), nil
	}
	if err != nil {
		return nil, err
	}
	decoded, err := s.codec.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: decompress %s: %w", cpos, err)
	}
	chunkRows, chunkCols := s.scheme.TileDims()
	if want := chunkRows * chunkCols * conv.Size[T](); len(decoded) != want {
		return nil, fmt.Errorf("chunkstore: chunk %s holds %d bytes, want %d", cpos, len(decoded), want)
	}
	return conv.Elements[T](decoded), nil
}

func (s *Store[T]) writeChunk(cpos tiling.Position, buf []T) error {
	encoded, err := s.codec.Compress(conv.Bytes(buf))
	if err != nil {
		return fmt.Errorf("chunkstore: compress %s: %w", cpos, err)
	}
	return s.blobs.Put(chunkName(cpos), encoded)
}

// carve extracts the valid (possibly truncated) region of a nominal
// chunk buffer into a tightly packed tile buffer.
func (s *Store[T]) carve(buf []T, bounds tiling.Rect) []T {
	_, chunkCols := s.scheme.TileDims()
	if bounds.Cols == chunkCols {
		return buf[:bounds.Rows*bounds.Cols]
	}
	data := make([]T, bounds.Rows*bounds.Cols)
	for r := 0; r < bounds.Rows; r++ {
		copy(data[r*bounds.Cols:(r+1)*bounds.Cols], buf[r*chunkCols:r*chunkCols+bounds.Cols])
	}
	return data
}

// merge writes a tightly packed tile buffer into the top-left region of
// a nominal chunk buffer.
func (s *Store[T]) merge(buf []T, bounds tiling.Rect, data []T) {
	_, chunkCols := s.scheme.TileDims()
	for r := 0; r < bounds.Rows; r++ {
		copy(buf[r*chunkCols:r*chunkCols+bounds.Cols], data[r*bounds.Cols:(r+1)*bounds.Cols])
	}
}

// copyRows copies the overlap rows between a nominal chunk buffer and a
// tile buffer with the given bounds. toChunk selects the direction.
func (s *Store[T]) copyRows(overlap tiling.Rect, cpos tiling.Position, bounds tiling.Rect, chunk, tile []T, toChunk bool) {
	chunkRows, chunkCols := s.scheme.TileDims()
	for r := 0; r < overlap.Rows; r++ {
		chunkOff := (overlap.Row+r-cpos.Row*chunkRows)*chunkCols + (overlap.Col - cpos.Col*chunkCols)
		tileOff := (overlap.Row+r-bounds.Row)*bounds.Cols + (overlap.Col - bounds.Col)
		if toChunk {
			copy(chunk[chunkOff:chunkOff+overlap.Cols], tile[tileOff:tileOff+overlap.Cols])
		} else {
			copy(tile[tileOff:tileOff+overlap.Cols], chunk[chunkOff:chunkOff+overlap.Cols])
		}
	}
}

func (s *Store[T]) fillChunk() []T {
	chunkRows, chunkCols := s.scheme.TileDims()
	buf := make([]T, chunkRows*chunkCols)
	for i := range buf {
		buf[i] = s.fill
	}
	return buf
}

func (s *Store[T]) gridRect() tiling.Rect {
	rows, cols := s.scheme.Dims()
	return tiling.Rect{Rows: rows, Cols: cols}
}

func chunkName(pos tiling.Position) string {
	return fmt.Sprintf("chunk-%d-%d", pos.Row, pos.Col)
}

func nan[T tiling.Element]() T {
	return T(math.NaN())
}
