package pgmosaic

import "errors"

// Sentinel errors callers branch on with errors.Is. Construction
// failures wrap one of these with the source identity; per-tile
// conditions are logged, not returned.
var (
	// ErrNoCatalogEntry: the backing store's catalog has no row for the
	// raster column and full scans are disallowed.
	ErrNoCatalogEntry = errors.New("raster column not registered in catalog")

	// ErrScanDisallowed: resolving the source requires a whole-table
	// metadata scan and the configuration forbids one.
	ErrScanDisallowed = errors.New("whole-table metadata scan disallowed")

	// ErrMixedSRID: the source's tiles span more than one spatial
	// reference system.
	ErrMixedSRID = errors.New("tiles span multiple spatial reference systems")

	// ErrNoTiles: the source matched no tile rows.
	ErrNoTiles = errors.New("source holds no tiles")

	// ErrRotatedTile: a tile declares non-zero skew; rotated grids are
	// not composable.
	ErrRotatedTile = errors.New("tile carries non-zero skew")

	// ErrBandCount: a tile's band count differs from the mosaic's.
	ErrBandCount = errors.New("tile band count differs from mosaic")

	// ErrWindowOutOfBounds: a requested pixel window falls outside the
	// raster it addresses.
	ErrWindowOutOfBounds = errors.New("window outside raster bounds")
)
