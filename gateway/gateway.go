// Package gateway abstracts the tabular backing store that holds the
// mosaic's tiles. The Backend interface carries every question the
// mosaic core needs answered; implementations exist for PostGIS, for
// memcached-fronted composition and for in-memory test fixtures.
package gateway

import (
	"golang.org/x/net/context"

	"github.com/nci/pgmosaic/rasterwkb"
)

// Source identifies one tile table: schema, table and raster column,
// plus an optional row predicate restricting which rows belong to the
// mosaic.
type Source struct {
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
	Where  string `yaml:"where,omitempty"`
}

func (s Source) String() string {
	id := s.Schema + "." + s.Table + "." + s.Column
	if s.Where != "" {
		id += " where " + s.Where
	}
	return id
}

// Window is an axis-aligned rectangle in georeferenced coordinates.
type Window struct {
	MinX, MinY, MaxX, MaxY float64
}

// Intersects reports whether the two windows share any point. Touching
// edges count.
func (w Window) Intersects(o Window) bool {
	return w.MinX <= o.MaxX && o.MinX <= w.MaxX && w.MinY <= o.MaxY && o.MinY <= w.MaxY
}

// CatalogEntry is the backing store's own description of a raster
// column. Partial entries are common; the Has fields report which
// values the catalog actually carried.
type CatalogEntry struct {
	SRID            int
	Extent          Window
	HasExtent       bool
	NumBands        int
	ScaleX          float64
	ScaleY          float64
	HasScale        bool
	TileWidth       int
	TileHeight      int
	SameAlignment   bool
	RegularBlocking bool
}

// ScanEntry is one row of the full-metadata aggregate scan, grouped by
// SRID. More than one entry means the source mixes reference systems.
type ScanEntry struct {
	SRID     int
	Extent   Window
	NumBands int
	ScaleX   float64
	ScaleY   float64
}

// FetchRequest selects which tiles FetchTiles returns and whether their
// binary payloads come along.
type FetchRequest struct {
	IDs          []string // fetch by identifier; empty means fetch by Window
	Window       *Window  // spatial filter; nil with empty IDs fetches every row
	WantPayload  bool
	Band         int  // 1-based band restriction; 0 requests all bands
	ServerDecode bool // materialize out-of-database bands in the payload
}

// TileRow is one fetched tile: its identifier (empty when the source
// has no key column), the textual metadata tuple, and the binary
// payload when one was requested.
type TileRow struct {
	ID       string
	Metadata string
	Payload  []byte
}

// BandMetadata describes one band as declared by the backing store.
type BandMetadata struct {
	PixelType rasterwkb.PixelType
	HasNoData bool
	NoData    float64
	OffDB     bool
}

// OverviewEntry is one registered overview table of a source.
type OverviewEntry struct {
	Factor int
	Schema string
	Table  string
	Column string
}

// Capabilities reports what the backing store can do for one source.
// Backends probe each capability at most once and serve later calls
// from that result.
type Capabilities struct {
	PrimaryKey      string // "" when the source has no usable key column
	HasSpatialIndex bool
	HasFileInfo     bool // can report out-of-database file size and mtime
}

// FileFingerprint is the backing store's view of one out-of-database
// file: the path tiles reference plus, when the store supports it, the
// size and modification time the store observes.
type FileFingerprint struct {
	Path    string
	Size    int64
	ModTime int64 // unix seconds
	HasInfo bool
}

// Backend executes the queries the mosaic needs against a backing
// store. A backend is used by one mosaic (and its overviews) at a
// time; the mosaic never issues concurrent calls.
type Backend interface {
	// ResolveCatalogMetadata returns the catalog's description of the
	// source, or nil when the catalog has no row for it.
	ResolveCatalogMetadata(ctx context.Context, src Source) (*CatalogEntry, error)

	// ScanFullMetadata aggregates every tile's own metadata, honoring
	// the source predicate. One entry per distinct SRID.
	ScanFullMetadata(ctx context.Context, src Source) ([]ScanEntry, error)

	// FindTileIDs returns the identifiers of tiles intersecting the
	// window, honoring the source predicate.
	FindTileIDs(ctx context.Context, src Source, window Window) ([]string, error)

	// FetchTiles returns tile metadata tuples and optional payloads.
	FetchTiles(ctx context.Context, src Source, req FetchRequest) ([]TileRow, error)

	// ResolveBandMetadata describes each band of a representative tile
	// carrying numBands bands.
	ResolveBandMetadata(ctx context.Context, src Source, numBands int) ([]BandMetadata, error)

	// ResolveOverviews lists registered overview tables of the source,
	// ordered by ascending decimation factor.
	ResolveOverviews(ctx context.Context, src Source) ([]OverviewEntry, error)

	// ResolveSRSText returns the text definition of a spatial reference
	// system, or "" when the store does not know the SRID.
	ResolveSRSText(ctx context.Context, srid int) (string, error)

	// SourceCapabilities probes the source's key column, spatial index
	// and file-info support.
	SourceCapabilities(ctx context.Context, src Source) (*Capabilities, error)

	// SampleResolution averages tile pixel sizes over a sample of at
	// most limit tiles.
	SampleResolution(ctx context.Context, src Source, limit int) (scaleX, scaleY float64, err error)

	// OutDbFingerprints lists the distinct out-of-database files
	// referenced by the source's tiles for one band (0 = all bands).
	OutDbFingerprints(ctx context.Context, src Source, band int) ([]FileFingerprint, error)

	// ListRasterSources enumerates every raster column the store knows.
	ListRasterSources(ctx context.Context) ([]Source, error)
}
