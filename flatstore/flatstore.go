// Package flatstore adapts flat binary rasters to the cache engine: the
// dataset is one contiguous row-major little-endian element array behind
// an io.ReaderAt, typically a file. There is no header, no chunking and
// no compression; tile reads gather the covered rows and tile writes
// scatter them back.
package flatstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/gridcache/internal/conv"
	"github.com/hupe1980/gridcache/resource"
	"github.com/hupe1980/gridcache/tiling"
)

// ErrReadOnlySource is returned by WriteTile when the underlying source
// does not implement io.WriterAt.
var ErrReadOnlySource = errors.New("flatstore: source is not writable")

type options struct {
	rc *resource.Controller
}

// Option configures a Store.
type Option func(*options)

// WithResourceController throttles tile IO through the controller's IO
// budget.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) { o.rc = rc }
}

// Store serves tiles from a flat row-major raster. Writes require the
// source to also implement io.WriterAt.
type Store[T tiling.Element] struct {
	src        io.ReaderAt
	dst        io.WriterAt // nil for read-only sources
	rows, cols int
	elemSize   int
	rc         *resource.Controller
}

// New creates a store over an existing raster of rows x cols elements.
// If src also implements io.WriterAt the store supports tile writes.
func New[T tiling.Element](src io.ReaderAt, rows, cols int, optFns ...Option) (*Store[T], error) {
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("flatstore: invalid dimensions %dx%d", rows, cols)
	}
	opts := options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	dst, _ := src.(io.WriterAt)
	return &Store[T]{
		src:      src,
		dst:      dst,
		rows:     rows,
		cols:     cols,
		elemSize: conv.Size[T](),
		rc:       opts.rc,
	}, nil
}

// Dims returns the raster dimensions as (rows, cols).
func (s *Store[T]) Dims() (rows, cols int) { return s.rows, s.cols }

// NativeTileDims reports no native chunking; the cache engine applies
// its own tile geometry.
func (s *Store[T]) NativeTileDims() (rows, cols int, ok bool) { return 0, 0, false }

// ReadTile gathers the covered rows of the raster into a tile.
func (s *Store[T]) ReadTile(pos tiling.Position, bounds tiling.Rect) (*tiling.Tile[T], error) {
	if err := s.checkBounds(bounds); err != nil {
		return nil, err
	}
	if err := s.rc.AcquireIO(context.Background(), bounds.Rows*bounds.Cols*s.elemSize); err != nil {
		return nil, err
	}

	buf := make([]T, bounds.Rows*bounds.Cols)
	rowBytes := make([]byte, bounds.Cols*s.elemSize)
	for r := 0; r < bounds.Rows; r++ {
		if _, err := s.src.ReadAt(rowBytes, s.offset(bounds.Row+r, bounds.Col)); err != nil {
			return nil, fmt.Errorf("flatstore: read row %d: %w", bounds.Row+r, err)
		}
		conv.Decode(buf[r*bounds.Cols:(r+1)*bounds.Cols], rowBytes)
	}
	return tiling.NewTile(pos, bounds, buf)
}

// WriteTile scatters the tile's rows back into the raster and marks the
// tile clean.
func (s *Store[T]) WriteTile(t *tiling.Tile[T]) error {
	if s.dst == nil {
		return ErrReadOnlySource
	}
	bounds := t.Rect()
	if err := s.checkBounds(bounds); err != nil {
		return err
	}
	if err := s.rc.AcquireIO(context.Background(), bounds.Rows*bounds.Cols*s.elemSize); err != nil {
		return err
	}

	rowBytes := make([]byte, bounds.Cols*s.elemSize)
	for r := 0; r < bounds.Rows; r++ {
		conv.Encode(rowBytes, t.Data()[r*bounds.Cols:(r+1)*bounds.Cols])
		if _, err := s.dst.WriteAt(rowBytes, s.offset(bounds.Row+r, bounds.Col)); err != nil {
			return fmt.Errorf("flatstore: write row %d: %w", bounds.Row+r, err)
		}
	}
	t.MarkClean()
	return nil
}

func (s *Store[T]) offset(row, col int) int64 {
	return int64(row*s.cols+col) * int64(s.elemSize)
}

func (s *Store[T]) checkBounds(bounds tiling.Rect) error {
	if bounds.Empty() || bounds.Row < 0 || bounds.Col < 0 ||
		bounds.Row+bounds.Rows > s.rows || bounds.Col+bounds.Cols > s.cols {
		return fmt.Errorf("flatstore: bounds %s outside raster %dx%d", bounds, s.rows, s.cols)
	}
	return nil
}

// FileStore is a Store over a raster file it owns.
type FileStore[T tiling.Element] struct {
	*Store[T]
	f *os.File
}

// Create creates (or truncates) a raster file pre-sized to rows x cols
// elements. All elements read as zero until written.
func Create[T tiling.Element](path string, rows, cols int, optFns ...Option) (*FileStore[T], error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(rows) * int64(cols) * int64(conv.Size[T]())); err != nil {
		_ = f.Close()
		return nil, err
	}
	return newFileStore[T](f, rows, cols, optFns)
}

// OpenFile opens an existing raster file for read-write tile access. The
// caller supplies the dimensions; the file carries no header.
func OpenFile[T tiling.Element](path string, rows, cols int, optFns ...Option) (*FileStore[T], error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	want := int64(rows) * int64(cols) * int64(conv.Size[T]())
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() < want {
		_ = f.Close()
		return nil, fmt.Errorf("flatstore: file holds %d bytes, want %d for %dx%d", info.Size(), want, rows, cols)
	}
	return newFileStore[T](f, rows, cols, optFns)
}

func newFileStore[T tiling.Element](f *os.File, rows, cols int, optFns []Option) (*FileStore[T], error) {
	s, err := New[T](f, rows, cols, optFns...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileStore[T]{Store: s, f: f}, nil
}

// Close closes the underlying file.
func (s *FileStore[T]) Close() error { return s.f.Close() }
