package pgmosaic

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/net/context"

	"github.com/nci/pgmosaic/gateway"
	"github.com/nci/pgmosaic/rasterwkb"
)

// loadWindow remembers the last serviced request so repeated or
// contained requests skip discovery and fetching altogether.
type loadWindow struct {
	valid bool
	band  int
	xOff  int
	yOff  int
	xSize int
	ySize int
}

func (w loadWindow) contains(band, xOff, yOff, xSize, ySize int) bool {
	return w.valid && band == w.band &&
		xOff >= w.xOff && yOff >= w.yOff &&
		xOff+xSize <= w.xOff+w.xSize &&
		yOff+ySize <= w.yOff+w.ySize
}

func (m *Mosaic) noteLoad(band, xOff, yOff, xSize, ySize int) {
	m.load = loadWindow{valid: true, band: band, xOff: xOff, yOff: yOff, xSize: xSize, ySize: ySize}
}

func (m *Mosaic) hasOffDB() bool {
	for _, b := range m.bands {
		if b.OffDB {
			return true
		}
	}
	return false
}

// uniformTileDims reports tile dimensions usable for transfer
// estimates: the catalog's declared blocksize, or dimensions observed
// uniform across every known tile.
func (m *Mosaic) uniformTileDims() (int, int, bool) {
	if m.tileW > 0 && m.tileH > 0 {
		return m.tileW, m.tileH, true
	}
	if m.store.len() == 0 {
		return 0, 0, false
	}
	w := m.store.tiles[0].Meta.Width
	h := m.store.tiles[0].Meta.Height
	for i := range m.store.tiles {
		if m.store.tiles[i].Meta.Width != w || m.store.tiles[i].Meta.Height != h {
			return 0, 0, false
		}
	}
	return w, h, true
}

// estimateTiles bounds how many tiles a pixel window can touch.
// 0 means no usable estimate.
func (m *Mosaic) estimateTiles(xSize, ySize int) int {
	tw, th, ok := m.uniformTileDims()
	if !ok {
		return 0
	}
	return ((xSize+tw-1)/tw + 1) * ((ySize+th-1)/th + 1)
}

// restrictBand narrows a payload fetch to one band, except when the
// mosaic has only that band: the whole payload already is the band and
// the restriction would just cost the store a re-encode.
func (m *Mosaic) restrictBand(band int) int {
	if len(m.bands) == 1 {
		return 0
	}
	return band
}

// bulkCaching decides payload transfer for a prospective fetch of
// tileCount tiles: every band when the whole set fits the cache
// budget, only the requested band when that fits, otherwise none.
// ForcePayload turns a negative outcome into a single-band fetch. The
// estimate needs uniform tile dimensions; without them only
// ForcePayload transfers payloads.
func (m *Mosaic) bulkCaching(tileCount, band int) (bool, int) {
	tw, th, ok := m.uniformTileDims()
	if !ok || tileCount <= 0 {
		if m.cfg.ForcePayload {
			return true, m.restrictBand(band)
		}
		return false, band
	}
	pixels := int64(tileCount) * int64(tw) * int64(th)
	var all int64
	for _, b := range m.bands {
		all += pixels * int64(b.PixelType.Size())
	}
	one := pixels * int64(m.bands[band-1].PixelType.Size())
	switch {
	case all <= m.cfg.CacheBudget:
		return true, 0
	case one <= m.cfg.CacheBudget:
		return true, m.restrictBand(band)
	case m.cfg.ForcePayload:
		return true, m.restrictBand(band)
	}
	m.logger.Debug("tile payloads exceed the cache budget; fetching metadata only",
		zap.Int("tiles", tileCount), zap.Int64("bytes", one),
		zap.Int64("budget", m.cfg.CacheBudget))
	return false, band
}

func (m *Mosaic) knownIDsIn(w gateway.Window) []string {
	items := m.index.Query(rectOf(w))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, m.store.at(it.(tileItem).handle).ID)
	}
	return ids
}

func (m *Mosaic) allIDs() []string {
	ids := make([]string, 0, m.store.len())
	for i := range m.store.tiles {
		ids = append(ids, m.store.tiles[i].ID)
	}
	return ids
}

// loadSources makes every tile intersecting the request known and,
// within the cache budget, fills the requested band's sample caches
// with as few round trips as possible. Small requests are widened
// downward before hitting the store: sequential readers walk the
// raster top to bottom, so extra rows amortize round trips.
func (m *Mosaic) loadSources(ctx context.Context, band, xOff, yOff, xSize, ySize int) error {
	if m.load.contains(band, xOff, yOff, xSize, ySize) {
		return nil
	}

	fullFetch := xOff == 0 && yOff == 0 && xSize == m.width && ySize == m.height

	ySizeToQuery := ySize
	if !fullFetch && xSize*ySize < m.cfg.MinFetchPixels {
		ySizeToQuery = m.cfg.MinFetchPixels / xSize
		if yOff+ySizeToQuery > m.height {
			ySizeToQuery = m.height - yOff
		}
	}
	window := m.geo.windowFor(xOff, yOff, xSize, ySizeToQuery)

	req := gateway.FetchRequest{}

	if m.caps.PrimaryKey != "" {
		// Identifier-driven: enumerate the window's tiles, then fetch
		// only what is missing — unknown tiles, plus known tiles whose
		// cache lacks the band when caching is on.
		var ids []string
		var err error
		switch {
		case m.fetchedAll && fullFetch:
			ids = m.allIDs()
		case m.fetchedAll:
			ids = m.knownIDsIn(window)
		default:
			ids, err = m.backend.FindTileIDs(ctx, m.src, window)
			if err != nil {
				return err
			}
		}

		var unknown, uncached []string
		for _, id := range ids {
			h, known := m.store.lookup(id)
			if !known {
				unknown = append(unknown, id)
			} else if !m.store.at(h).HasBand(band) {
				uncached = append(uncached, id)
			}
		}
		if len(unknown)+len(uncached) == 0 {
			m.noteLoad(band, xOff, yOff, xSize, ySizeToQuery)
			return nil
		}

		wantPayload, fetchBand := m.bulkCaching(len(unknown)+len(uncached), band)
		if wantPayload {
			req.IDs = append(unknown, uncached...)
		} else {
			if len(unknown) == 0 {
				// nothing new to register; pixels go tile by tile
				m.noteLoad(band, xOff, yOff, xSize, ySizeToQuery)
				return nil
			}
			req.IDs = unknown
		}
		req.WantPayload = wantPayload
		req.Band = fetchBand
	} else {
		// No key column: opening enumerated every tile already, so only
		// payload caching remains to decide. Fetching by window
		// re-transfers whatever the window holds.
		var handles []int
		if fullFetch {
			for h := 0; h < m.store.len(); h++ {
				handles = append(handles, h)
			}
		} else {
			for _, it := range m.index.Query(rectOf(window)) {
				handles = append(handles, it.(tileItem).handle)
			}
		}
		need := 0
		for _, h := range handles {
			if !m.store.at(h).HasBand(band) {
				need++
			}
		}
		wantPayload, fetchBand := m.bulkCaching(need, band)
		if need == 0 || !wantPayload {
			m.noteLoad(band, xOff, yOff, xSize, ySizeToQuery)
			return nil
		}
		req.WantPayload = true
		req.Band = fetchBand
		if !fullFetch {
			w := window
			req.Window = &w
		}
	}

	if req.WantPayload {
		serverDecode, err := m.outdb.serverDecode(ctx, m.backend, m.src, req.Band, m.hasOffDB())
		if err != nil {
			return err
		}
		req.ServerDecode = serverDecode
	}

	rows, err := m.backend.FetchTiles(ctx, m.src, req)
	if err != nil {
		return err
	}
	for _, row := range rows {
		h, ok := m.registerRow(row)
		if !ok {
			continue
		}
		if row.Payload != nil {
			if err := m.cacheTile(m.store.at(h), row.Payload, req.Band); err != nil {
				return err
			}
		}
	}

	if fullFetch {
		// the whole raster has been seen; spatial discovery is done
		m.fetchedAll = true
		m.dynamic = false
	}
	m.noteLoad(band, xOff, yOff, xSize, ySizeToQuery)
	return nil
}

// cacheTile decodes a fetched payload into the tile's sample cache.
// wantBand names the single mosaic band a band-restricted payload
// carries; 0 means the payload carries every band. Undecodable or
// inconsistent payloads are skipped with a diagnostic; out-of-database
// references that cannot be read fail the read.
func (m *Mosaic) cacheTile(t *TileDescriptor, payload []byte, wantBand int) error {
	r, err := rasterwkb.Decode(payload)
	if err != nil {
		m.logger.Warn("skipping undecodable tile payload",
			zap.String("id", t.ID), zap.Error(err))
		return nil
	}
	if r.Header.Width != t.Meta.Width || r.Header.Height != t.Meta.Height {
		m.logger.Warn("skipping tile payload with mismatched dimensions",
			zap.String("id", t.ID),
			zap.Int("width", r.Header.Width), zap.Int("height", r.Header.Height),
			zap.Int("tile_width", t.Meta.Width), zap.Int("tile_height", t.Meta.Height))
		return nil
	}
	if wantBand == 0 {
		if len(r.Bands) != len(m.bands) {
			m.logger.Debug("skipping tile payload with band count mismatch",
				zap.String("id", t.ID),
				zap.Int("payload_bands", len(r.Bands)), zap.Int("mosaic_bands", len(m.bands)))
			return nil
		}
	} else if len(r.Bands) != 1 {
		m.logger.Warn("skipping band-restricted payload carrying several bands",
			zap.String("id", t.ID), zap.Int("bands", len(r.Bands)))
		return nil
	}

	for i := range r.Bands {
		b := &r.Bands[i]
		band := wantBand
		if wantBand == 0 {
			band = i + 1
		}
		if b.PixelType != m.bands[band-1].PixelType {
			m.logger.Warn("skipping band with unexpected pixel type",
				zap.String("id", t.ID), zap.Int("band", band),
				zap.String("pixel_type", string(b.PixelType)),
				zap.String("declared", string(m.bands[band-1].PixelType)))
			continue
		}
		data := b.Data
		if b.OffDB {
			data, err = m.outdb.resolveBand(b, &t.Meta)
			if err != nil {
				return fmt.Errorf("tile %s band %d: %w", t.ID, band, err)
			}
		}
		want := t.Meta.Width * t.Meta.Height * b.PixelType.Size()
		if len(data) != want {
			m.logger.Warn("skipping band with short sample data",
				zap.String("id", t.ID), zap.Int("band", band),
				zap.Int("bytes", len(data)), zap.Int("expected", want))
			continue
		}
		t.setBand(band, data)
	}
	return nil
}

// fetchTileBand fetches one tile's samples for one band on demand. The
// samples stay cached while the budget allows and are dropped again
// otherwise. h is the tile's arena handle; the returned slice is valid
// regardless of arena growth.
func (m *Mosaic) fetchTileBand(ctx context.Context, h, band int) ([]byte, error) {
	id := m.store.at(h).ID
	bounds := m.store.at(h).Meta.Bounds()

	fetchBand := m.restrictBand(band)
	serverDecode, err := m.outdb.serverDecode(ctx, m.backend, m.src, fetchBand, m.hasOffDB())
	if err != nil {
		return nil, err
	}
	req := gateway.FetchRequest{WantPayload: true, Band: fetchBand, ServerDecode: serverDecode}
	if m.caps.PrimaryKey != "" {
		req.IDs = []string{id}
	} else {
		req.Window = &bounds
	}

	rows, err := m.backend.FetchTiles(ctx, m.src, req)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Payload == nil {
			continue
		}
		rh, ok := m.registerRow(row)
		if !ok {
			continue
		}
		if err := m.cacheTile(m.store.at(rh), row.Payload, fetchBand); err != nil {
			return nil, err
		}
	}

	t := m.store.at(h) // reacquire; registration may have grown the arena
	data := t.bandData(band)
	if data != nil && m.store.cachedBytes() > m.cfg.CacheBudget {
		t.setBand(band, nil)
	}
	return data, nil
}

// ReadWindow reads one band's samples for a pixel window, compositing
// every intersecting tile over a nodata-filled background. The buffer
// is xSize*ySize samples in host order, row major; bands are 1-based.
func (m *Mosaic) ReadWindow(ctx context.Context, band, xOff, yOff, xSize, ySize int) ([]byte, error) {
	if m.closed {
		return nil, fmt.Errorf("mosaic for %s is closed", m.src)
	}
	if m.subsets != nil {
		return nil, fmt.Errorf("source %s opened as a subset listing; open one subset for pixel access", m.src)
	}
	if band < 1 || band > len(m.bands) {
		return nil, fmt.Errorf("band %d of a %d-band mosaic", band, len(m.bands))
	}
	if xOff < 0 || yOff < 0 || xSize <= 0 || ySize <= 0 ||
		xOff+xSize > m.width || yOff+ySize > m.height {
		return nil, fmt.Errorf("window (%d,%d %dx%d) of a %dx%d mosaic: %w",
			xOff, yOff, xSize, ySize, m.width, m.height, ErrWindowOutOfBounds)
	}

	if err := m.loadSources(ctx, band, xOff, yOff, xSize, ySize); err != nil {
		return nil, err
	}

	info := m.bands[band-1]
	size := info.PixelType.Size()
	buf := make([]byte, xSize*ySize*size)
	m.fillNoData(buf, info)

	items := m.index.Query(rectOf(m.geo.windowFor(xOff, yOff, xSize, ySize)))
	for _, it := range items {
		h := it.(tileItem).handle
		t := m.store.at(h)
		data := t.bandData(band)
		if data == nil {
			var err error
			data, err = m.fetchTileBand(ctx, h, band)
			if err != nil {
				return nil, err
			}
			if data == nil {
				// tile vanished or its payload was rejected; the
				// diagnostic is already logged
				continue
			}
			t = m.store.at(h)
		}
		composeBand(buf, xOff, yOff, xSize, ySize, t, data, size)
	}
	return buf, nil
}

// fillNoData floods a sample buffer with the band's nodata value.
// Bands without one keep the zero background.
func (m *Mosaic) fillNoData(buf []byte, info Band) {
	if !info.HasNoData || info.NoData == 0 {
		return
	}
	size := info.PixelType.Size()
	rasterwkb.EncodeSample(buf[:size], info.NoData, info.PixelType)
	for i := size; i < len(buf); i *= 2 {
		copy(buf[i:], buf[:i])
	}
}
