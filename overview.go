package pgmosaic

import (
	"sort"

	"go.uber.org/zap"
	"golang.org/x/net/context"

	"github.com/nci/pgmosaic/gateway"
	"github.com/nci/pgmosaic/quadtree"
)

// Overviews returns the mosaic's registered reduced-resolution
// companions as child mosaics, coarsest last, resolved once and cached.
// A child shares the parent's backend session, band layout, reference
// system, extent, predicate and out-of-database resolver; only its
// pixel size and tile set are its own. Unusable overview registrations
// are skipped with a diagnostic, never failing the parent.
func (m *Mosaic) Overviews(ctx context.Context) ([]*Mosaic, error) {
	if m.ovrLoaded {
		return m.overviews, nil
	}
	if m.subsets != nil {
		m.ovrLoaded = true
		return nil, nil
	}

	entries, err := m.backend.ResolveOverviews(ctx, m.src)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Factor < entries[j].Factor })

	for _, entry := range entries {
		o, err := m.openOverview(ctx, entry)
		if err != nil {
			return nil, err
		}
		if o != nil {
			m.overviews = append(m.overviews, o)
		}
	}
	m.ovrLoaded = true
	return m.overviews, nil
}

// openOverview builds one child mosaic. A nil mosaic with a nil error
// means the registration is unusable and was skipped.
func (m *Mosaic) openOverview(ctx context.Context, entry gateway.OverviewEntry) (*Mosaic, error) {
	src := gateway.Source{
		Schema: entry.Schema,
		Table:  entry.Table,
		Column: entry.Column,
		Where:  m.src.Where,
	}
	if entry.Factor < 2 {
		m.logger.Warn("skipping overview with a nonsense factor",
			zap.String("source", src.String()), zap.Int("factor", entry.Factor))
		return nil, nil
	}

	scaleX := m.geo.ScaleX * float64(entry.Factor)
	scaleY := m.geo.ScaleY * float64(entry.Factor)
	geo, width, height, err := mosaicGeometry(m.extent, scaleX, scaleY)
	if err != nil {
		m.logger.Warn("skipping overview coarser than the raster",
			zap.String("source", src.String()), zap.Int("factor", entry.Factor))
		return nil, nil
	}

	caps, err := m.backend.SourceCapabilities(ctx, src)
	if err != nil {
		return nil, err
	}

	o := &Mosaic{
		cfg:        m.cfg,
		backend:    m.backend,
		src:        src,
		logger:     m.logger,
		srid:       m.srid,
		extent:     m.extent,
		geo:        geo,
		width:      width,
		height:     height,
		bands:      m.bands,
		sameGrid:   m.sameGrid,
		store:      newTileStore(),
		index:      quadtree.New(rectOf(m.extent)),
		caps:       caps,
		outdb:      m.outdb,
		srs:        m.srs,
		srsFetched: m.srsFetched,
		parent:     m,
		factor:     entry.Factor,
		ovrLoaded:  true, // overviews do not nest
	}

	if centry, err := m.backend.ResolveCatalogMetadata(ctx, src); err != nil {
		return nil, err
	} else if centry != nil {
		if centry.NumBands > 0 && centry.NumBands != len(m.bands) {
			m.logger.Warn("skipping overview whose band count disagrees with the raster",
				zap.String("source", src.String()),
				zap.Int("overview_bands", centry.NumBands), zap.Int("bands", len(m.bands)))
			return nil, nil
		}
		o.tileW, o.tileH = centry.TileWidth, centry.TileHeight
	}

	if caps.PrimaryKey != "" && caps.HasSpatialIndex {
		o.dynamic = true
		return o, nil
	}

	rows, err := m.backend.FetchTiles(ctx, src, gateway.FetchRequest{})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		o.registerRow(row)
	}
	if o.store.len() == 0 {
		m.logger.Warn("skipping overview with no usable tiles",
			zap.String("source", src.String()), zap.Int("factor", entry.Factor))
		return nil, nil
	}
	o.fetchedAll = true
	return o, nil
}
