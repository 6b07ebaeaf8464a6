// Package pgmosaic composites the tile rows of a tabular raster store
// into one logical raster. A mosaic discovers tiles through the
// injected gateway.Backend, indexes their footprints, fetches and
// decodes payloads on demand under a memory budget, and serves pixel
// windows in the mosaic's own grid.
package pgmosaic

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/net/context"

	"github.com/nci/pgmosaic/gateway"
	"github.com/nci/pgmosaic/quadtree"
	"github.com/nci/pgmosaic/rasterwkb"
)

// resolutionSampleSize is how many tiles the average-approx policy
// samples through one aggregate query.
const resolutionSampleSize = 10

// Band describes one band of the mosaic as declared by the backing
// store's band metadata.
type Band struct {
	PixelType rasterwkb.PixelType
	HasNoData bool
	NoData    float64
	OffDB     bool
}

// Mosaic is the logical raster composed from every tile of one source.
//
// A mosaic is not safe for concurrent use: reads mutate its descriptor
// and load-window caches, so concurrent callers need external mutual
// exclusion, one accessor at a time. Overview mosaics share the
// parent's backend session and serialize through the same lock.
type Mosaic struct {
	cfg     Config
	backend gateway.Backend
	src     gateway.Source
	logger  *zap.Logger

	srid     int
	extent   gateway.Window
	geo      Geometry
	width    int
	height   int
	bands    []Band
	tileW    int // declared uniform tile width; 0 when unknown or irregular
	tileH    int
	sameGrid bool

	// subsets is non-nil when the source held several tiles outside
	// single-mosaic mode; the mosaic then has no raster of its own.
	subsets []gateway.Source

	store *tileStore
	index *quadtree.Tree
	caps  *gateway.Capabilities

	load       loadWindow
	dynamic    bool // tiles discovered per request window
	fetchedAll bool // every tile known; spatial discovery finished

	outdb *outdbResolver

	srs        string
	srsFetched bool

	parent    *Mosaic
	factor    int
	overviews []*Mosaic
	ovrLoaded bool

	closed bool
}

// Open resolves src into a mosaic. The backend carries the store
// session; the configuration carries every behavior switch. When the
// source holds several tiles and single-mosaic mode is off, the
// returned mosaic has no raster: Subsets lists each tile's source so
// the caller can open them individually.
func Open(ctx context.Context, backend gateway.Backend, src gateway.Source, cfg Config) (*Mosaic, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Memcached) > 0 {
		backend = gateway.NewMemcacheBackend(backend, cfg.Memcached, cfg.MemcacheExpiry, cfg.Logger)
	}

	m := &Mosaic{
		cfg:     cfg,
		backend: backend,
		src:     src,
		logger:  cfg.Logger,
		srid:    -1,
		store:   newTileStore(),
	}
	m.outdb = newOutdbResolver(&m.cfg, m.logger)

	if err := m.resolve(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// resolve determines the raster properties: reference system, extent,
// bands, pixel size and dimensions, and either registers every tile,
// arms dynamic discovery, or enumerates per-tile subsets.
func (m *Mosaic) resolve(ctx context.Context) error {
	caps, err := m.backend.SourceCapabilities(ctx, m.src)
	if err != nil {
		return err
	}
	m.caps = caps

	// The catalog describes the whole column, so its row is valid even
	// for filtered sources; only its statistics are not.
	entry, err := m.backend.ResolveCatalogMetadata(ctx, m.src)
	if err != nil {
		return err
	}

	if m.cfg.ClipGeoJSON != "" {
		if err := m.applyClip(ctx, entry); err != nil {
			return err
		}
	}

	catalogUsable := m.src.Where == "" && entry != nil &&
		entry.HasExtent && entry.Extent.MinX < entry.Extent.MaxX &&
		entry.Extent.MinY < entry.Extent.MaxY && entry.NumBands > 0

	numBands := 0
	if catalogUsable {
		m.srid = entry.SRID
		m.extent = entry.Extent
		m.tileW, m.tileH = entry.TileWidth, entry.TileHeight
		m.sameGrid = entry.SameAlignment
		numBands = entry.NumBands
	} else {
		if m.cfg.DisallowFullScan {
			if entry == nil {
				return fmt.Errorf("source %s: %w; register the column or permit whole-table scans", m.src, ErrNoCatalogEntry)
			}
			return fmt.Errorf("source %s: %w", m.src, ErrScanDisallowed)
		}
		entries, err := m.backend.ScanFullMetadata(ctx, m.src)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("source %s: %w", m.src, ErrNoTiles)
		}
		if len(entries) > 1 {
			srids := make([]int, len(entries))
			for i, e := range entries {
				srids[i] = e.SRID
			}
			return fmt.Errorf("source %s: %w: %v", m.src, ErrMixedSRID, srids)
		}
		m.srid = entries[0].SRID
		m.extent = entries[0].Extent
		numBands = entries[0].NumBands
		if entry != nil {
			m.tileW, m.tileH = entry.TileWidth, entry.TileHeight
			m.sameGrid = entry.SameAlignment
		}
	}
	if numBands < 1 {
		return fmt.Errorf("source %s: no bands resolved", m.src)
	}

	declared, err := m.backend.ResolveBandMetadata(ctx, m.src, numBands)
	if err != nil {
		return err
	}
	m.bands = make([]Band, 0, len(declared))
	for _, bm := range declared {
		m.bands = append(m.bands, Band{
			PixelType: bm.PixelType,
			HasNoData: bm.HasNoData,
			NoData:    bm.NoData,
			OffDB:     bm.OffDB,
		})
	}
	if len(m.bands) != numBands {
		return fmt.Errorf("source %s: resolved %d of %d band descriptions", m.src, len(m.bands), numBands)
	}

	// Fast path: geometry straight from the catalog, tiles discovered
	// per request. Catalog scales are uniform by constraint, so every
	// non-user policy resolves to them.
	fastPath := m.cfg.SingleMosaic && catalogUsable && entry.HasScale &&
		caps.PrimaryKey != "" && caps.HasSpatialIndex

	var rows []gateway.TileRow
	if !fastPath {
		rows, err = m.backend.FetchTiles(ctx, m.src, gateway.FetchRequest{})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("source %s: %w", m.src, ErrNoTiles)
		}
		if !m.cfg.SingleMosaic && len(rows) > 1 {
			return m.buildSubsets(rows)
		}
	}

	scaleX, scaleY, err := m.resolveScales(ctx, entry, rows)
	if err != nil {
		return err
	}
	geo, width, height, err := mosaicGeometry(m.extent, scaleX, scaleY)
	if err != nil {
		return fmt.Errorf("source %s: %v", m.src, err)
	}
	m.geo = geo
	m.width = width
	m.height = height
	m.index = quadtree.New(rectOf(m.extent))

	if fastPath {
		m.dynamic = true
		m.logger.Debug("fast path open",
			zap.String("source", m.src.String()),
			zap.String("key_column", caps.PrimaryKey),
			zap.Int("width", width), zap.Int("height", height))
		return nil
	}

	for _, row := range rows {
		m.registerRow(row)
	}
	if m.store.len() == 0 {
		return fmt.Errorf("source %s: %w", m.src, ErrNoTiles)
	}
	// Enumeration saw every row; later fetches go by identifier only.
	m.fetchedAll = true
	return nil
}

// applyClip folds the configured GeoJSON clip into the source
// predicate. The predicate needs the column's reference system, which
// comes from the catalog or, failing that, one unclipped scan.
func (m *Mosaic) applyClip(ctx context.Context, entry *gateway.CatalogEntry) error {
	srid := -1
	if entry != nil {
		srid = entry.SRID
	} else {
		if m.cfg.DisallowFullScan {
			return fmt.Errorf("source %s: clip geometry needs the column srid: %w", m.src, ErrScanDisallowed)
		}
		entries, err := m.backend.ScanFullMetadata(ctx, m.src)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("source %s: %w", m.src, ErrNoTiles)
		}
		srid = entries[0].SRID
	}

	where, err := gateway.ClipPredicate([]byte(m.cfg.ClipGeoJSON), m.src.Column, srid, m.src.Where)
	if err != nil {
		return fmt.Errorf("source %s: clip geometry: %w", m.src, err)
	}
	m.src.Where = where
	return nil
}

// resolveScales reduces the tile pixel sizes under the configured
// policy. rows is nil on the fast path, where the catalog's uniform
// scales stand in for every tile's.
func (m *Mosaic) resolveScales(ctx context.Context, entry *gateway.CatalogEntry, rows []gateway.TileRow) (float64, float64, error) {
	switch m.cfg.Policy {
	case ResolutionUser:
		return m.cfg.UserScaleX, m.cfg.UserScaleY, nil
	case ResolutionAverageApprox:
		if rows == nil {
			return entry.ScaleX, entry.ScaleY, nil
		}
		return m.backend.SampleResolution(ctx, m.src, resolutionSampleSize)
	}

	if rows == nil {
		return entry.ScaleX, entry.ScaleY, nil
	}
	r := scaleReducer{policy: m.cfg.Policy}
	for _, row := range rows {
		meta, err := gateway.ParseTileMetadata(row.Metadata)
		if err != nil {
			m.logger.Warn("skipping tile with malformed metadata",
				zap.String("id", row.ID), zap.Error(err))
			continue
		}
		r.add(meta.ScaleX, meta.ScaleY)
	}
	sx, sy, err := r.resolve()
	if err != nil {
		return 0, 0, fmt.Errorf("source %s: %w", m.src, err)
	}
	return sx, sy, nil
}

func (m *Mosaic) buildSubsets(rows []gateway.TileRow) error {
	if m.caps.PrimaryKey == "" {
		return fmt.Errorf("source %s holds %d tiles and has no key column; open with single-mosaic mode", m.src, len(rows))
	}
	m.subsets = make([]gateway.Source, 0, len(rows))
	for _, row := range rows {
		m.subsets = append(m.subsets, gateway.TileSubsetSource(m.src, m.caps.PrimaryKey, row.ID))
	}
	m.logger.Debug("per-tile subsets enumerated",
		zap.String("source", m.src.String()), zap.Int("tiles", len(rows)))
	return nil
}

// registerRow parses a fetched row's metadata tuple and registers the
// tile. Malformed rows are skipped with a diagnostic.
func (m *Mosaic) registerRow(row gateway.TileRow) (int, bool) {
	meta, err := gateway.ParseTileMetadata(row.Metadata)
	if err != nil {
		m.logger.Warn("skipping tile with malformed metadata",
			zap.String("id", row.ID), zap.Error(err))
		return 0, false
	}
	return m.registerTile(row.ID, meta)
}

// registerTile creates a descriptor, computes its destination window
// and indexes its footprint. Re-registration of a known identity
// returns the existing handle. Rotated tiles and tiles whose band
// count disagrees with the mosaic's are rejected with a diagnostic.
func (m *Mosaic) registerTile(id string, meta *gateway.TileMetadata) (int, bool) {
	if id == "" {
		id = syntheticID(meta.UpperLeftX, meta.UpperLeftY)
	}
	if h, ok := m.store.lookup(id); ok {
		return h, true
	}

	if meta.SkewX != 0 || meta.SkewY != 0 {
		m.logger.Warn("skipping rotated tile", zap.String("id", id),
			zap.Float64("skew_x", meta.SkewX), zap.Float64("skew_y", meta.SkewY),
			zap.Error(ErrRotatedTile))
		return 0, false
	}
	if meta.NumBands != len(m.bands) {
		m.logger.Debug("skipping tile with band count mismatch",
			zap.String("id", id), zap.Int("tile_bands", meta.NumBands),
			zap.Int("mosaic_bands", len(m.bands)),
			zap.Error(ErrBandCount))
		return 0, false
	}

	d := TileDescriptor{ID: id, Meta: *meta}
	d.DstXOff, d.DstYOff, d.DstXSize, d.DstYSize = dstWindow(m.geo, meta)
	if d.DstXSize <= 0 || d.DstYSize <= 0 {
		m.logger.Warn("skipping tile with degenerate placement",
			zap.String("id", id), zap.Int("dst_width", d.DstXSize), zap.Int("dst_height", d.DstYSize))
		return 0, false
	}

	h := m.store.add(d)
	m.index.Insert(tileItem{rect: rectOf(meta.Bounds()), handle: h})
	return h, true
}

// Source returns the source identity the mosaic was opened with,
// including any clip predicate folded in.
func (m *Mosaic) Source() gateway.Source { return m.src }

// Subsets is non-nil when the source held several tiles outside
// single-mosaic mode; each entry opens one tile as its own mosaic.
func (m *Mosaic) Subsets() []gateway.Source { return m.subsets }

// Size returns the mosaic's pixel dimensions. Both are zero for a
// subset listing.
func (m *Mosaic) Size() (width, height int) { return m.width, m.height }

// Geometry returns the mosaic's affine transform.
func (m *Mosaic) Geometry() Geometry { return m.geo }

// Extent returns the georeferenced bounding box.
func (m *Mosaic) Extent() gateway.Window { return m.extent }

// SRID returns the resolved reference system, -1 when unknown.
func (m *Mosaic) SRID() int { return m.srid }

// Bands returns the band layout. The slice is shared; callers must not
// modify it.
func (m *Mosaic) Bands() []Band { return m.bands }

// TileCount returns the number of registered tiles. Under dynamic
// discovery it grows as requests reach new areas.
func (m *Mosaic) TileCount() int { return m.store.len() }

// TileLayout returns the uniform tile dimensions (zero when tiles vary
// or none are known yet) and whether the catalog declares all tiles
// aligned to one grid.
func (m *Mosaic) TileLayout() (width, height int, aligned bool) {
	w, h, ok := m.uniformTileDims()
	if !ok {
		w, h = 0, 0
	}
	return w, h, m.sameGrid
}

// OverviewFactor returns the decimation factor, 0 for a level-0
// mosaic.
func (m *Mosaic) OverviewFactor() int { return m.factor }

// SpatialRefText returns the text definition of the mosaic's reference
// system, cached after the first lookup. Mosaics without a resolved
// reference system return "".
func (m *Mosaic) SpatialRefText(ctx context.Context) (string, error) {
	if m.srsFetched {
		return m.srs, nil
	}
	if m.srid < 0 {
		m.srsFetched = true
		return "", nil
	}
	text, err := m.backend.ResolveSRSText(ctx, m.srid)
	if err != nil {
		return "", err
	}
	m.srs = text
	m.srsFetched = true
	return text, nil
}

// Close releases the mosaic's caches and its overviews. The backend is
// the caller's to close.
func (m *Mosaic) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for _, o := range m.overviews {
		o.Close()
	}
	m.overviews = nil
	m.load = loadWindow{}
	if m.store != nil {
		for i := range m.store.tiles {
			m.store.tiles[i].dropBands()
		}
	}
	if m.outdb != nil && m.parent == nil {
		m.outdb.close()
	}
	return nil
}
