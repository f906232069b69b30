// Package gridcache provides out-of-core, paged access to large 2D
// raster datasets. Grids can be far larger than available memory: values
// are fetched from a backend in rectangular tiles, held in a bounded
// cache with least-recently-used replacement, and written back lazily
// when dirty tiles are evicted or flushed.
//
// Basic usage:
//
//	store, err := chunkstore.Create[float64](blobstore.NewMemoryStore(), 1000, 1000, 100, 100)
//	if err != nil { ... }
//
//	grid, err := gridcache.New(1000, 1000, gridcache.ReadWrite, store,
//		gridcache.WithMaxTiles(8),
//	)
//	if err != nil { ... }
//	defer grid.Close()
//
//	if err := grid.Set(12, 34, 1.5); err != nil { ... }
//	v, err := grid.Get(12, 34)
//
// Backends implement TileReader (and TileWriter for read-write grids);
// the chunkstore and flatstore subpackages provide ready-made adapters.
// Dynamic cache sizing (WithDynamic) adjusts the tile capacity at
// runtime to hold the observed miss rate inside a target band.
//
// A Grid is not safe for concurrent use; callers needing concurrency
// must synchronize externally.
package gridcache
