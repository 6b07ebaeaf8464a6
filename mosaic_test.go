package pgmosaic

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/nci/pgmosaic/gateway"
	"github.com/nci/pgmosaic/rasterwkb"
)

func gridMeta(x, y float64, w, h, bands int) gateway.TileMetadata {
	return gateway.TileMetadata{
		UpperLeftX: x, UpperLeftY: y,
		ScaleX: 1, ScaleY: -1,
		Width: w, Height: h,
		SRID: 4326, NumBands: bands,
	}
}

// encodeTile serializes a payload whose band b is filled with the
// sample value fill*10+b.
func encodeTile(t *testing.T, meta gateway.TileMetadata, fill byte) []byte {
	r := &rasterwkb.Raster{
		Header: rasterwkb.Header{
			NumBands:   meta.NumBands,
			ScaleX:     meta.ScaleX,
			ScaleY:     meta.ScaleY,
			UpperLeftX: meta.UpperLeftX,
			UpperLeftY: meta.UpperLeftY,
			SkewX:      meta.SkewX,
			SkewY:      meta.SkewY,
			SRID:       int32(meta.SRID),
			Width:      meta.Width,
			Height:     meta.Height,
		},
	}
	for b := 1; b <= meta.NumBands; b++ {
		data := make([]byte, meta.Width*meta.Height)
		for i := range data {
			data[i] = fill*10 + byte(b)
		}
		r.Bands = append(r.Bands, rasterwkb.Band{
			PixelType: rasterwkb.PixelType8BUI,
			HasNoData: true, NoData: 255,
			Data: data,
		})
	}
	payload, err := r.Encode(binary.LittleEndian)
	require.NoError(t, err)
	return payload
}

// quadSource fills a backend table with four 256x256 tiles in a 2x2
// grid: t1 t2 over t3 t4, band b of tile i filled with i*10+b.
func quadSource(t *testing.T, b *gateway.MemoryBackend, bands int) gateway.Source {
	src := gateway.Source{Schema: "public", Table: "cover", Column: "rast"}
	table := b.Table(src)
	table.Caps = gateway.Capabilities{PrimaryKey: "rid", HasSpatialIndex: true}
	origins := [][2]float64{{0, 0}, {256, 0}, {0, -256}, {256, -256}}
	for i, o := range origins {
		meta := gridMeta(o[0], o[1], 256, 256, bands)
		table.Tiles = append(table.Tiles, gateway.MemoryTile{
			ID:      fmt.Sprintf("t%d", i+1),
			Meta:    meta,
			Payload: encodeTile(t, meta, byte(i+1)),
		})
	}
	for i := 0; i < bands; i++ {
		table.Bands = append(table.Bands, gateway.BandMetadata{
			PixelType: rasterwkb.PixelType8BUI, HasNoData: true, NoData: 255,
		})
	}
	return src
}

func attachCatalog(b *gateway.MemoryBackend, src gateway.Source, bands int) {
	b.Table(src).Catalog = &gateway.CatalogEntry{
		SRID:          4326,
		Extent:        gateway.Window{MinX: 0, MinY: -512, MaxX: 512, MaxY: 0},
		HasExtent:     true,
		NumBands:      bands,
		ScaleX:        1,
		ScaleY:        -1,
		HasScale:      true,
		TileWidth:     256,
		TileHeight:    256,
		SameAlignment: true,
	}
}

func TestOpenScanPath(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := quadSource(t, b, 1)
	ctx := context.Background()

	m, err := Open(ctx, b, src, Config{SingleMosaic: true})
	require.NoError(t, err)
	defer m.Close()

	w, h := m.Size()
	assert.Equal(t, 512, w)
	assert.Equal(t, 512, h)
	assert.Equal(t, Geometry{OriginX: 0, OriginY: 0, ScaleX: 1, ScaleY: -1}, m.Geometry())
	assert.Equal(t, gateway.Window{MinX: 0, MinY: -512, MaxX: 512, MaxY: 0}, m.Extent())
	assert.Equal(t, 4326, m.SRID())
	assert.Equal(t, 4, m.TileCount())
	assert.True(t, m.fetchedAll)
	require.Len(t, m.Bands(), 1)
	assert.Equal(t, rasterwkb.PixelType8BUI, m.Bands()[0].PixelType)

	// no catalog row: dimensions observed uniform, alignment unknown
	tw, th, aligned := m.TileLayout()
	assert.Equal(t, 256, tw)
	assert.Equal(t, 256, th)
	assert.False(t, aligned)

	assert.Equal(t, 1, b.Calls["ScanFullMetadata"])
	assert.Equal(t, 1, b.Calls["SampleResolution"])
}

func TestOpenFastPath(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := quadSource(t, b, 1)
	attachCatalog(b, src, 1)
	ctx := context.Background()

	m, err := Open(ctx, b, src, Config{SingleMosaic: true})
	require.NoError(t, err)
	defer m.Close()

	w, h := m.Size()
	assert.Equal(t, 512, w)
	assert.Equal(t, 512, h)
	assert.True(t, m.dynamic)
	assert.Equal(t, 0, m.TileCount())

	tw, th, aligned := m.TileLayout()
	assert.Equal(t, 256, tw)
	assert.Equal(t, 256, th)
	assert.True(t, aligned)

	// no enumeration, no scan, no per-tile sampling
	assert.Equal(t, 0, b.Calls["ScanFullMetadata"])
	assert.Equal(t, 0, b.Calls["FetchTiles"])
	assert.Equal(t, 0, b.Calls["SampleResolution"])
}

func TestOpenPredicateBypassesCatalogStatistics(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := quadSource(t, b, 1)
	attachCatalog(b, src, 1)
	src.Where = "x >= 256"
	ctx := context.Background()

	m, err := Open(ctx, b, src, Config{SingleMosaic: true})
	require.NoError(t, err)
	defer m.Close()

	// only the right column of tiles remains
	w, h := m.Size()
	assert.Equal(t, 256, w)
	assert.Equal(t, 512, h)
	assert.Equal(t, 2, m.TileCount())
	assert.Equal(t, 1, b.Calls["ScanFullMetadata"])
}

func TestOpenSubsetListing(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := quadSource(t, b, 1)
	ctx := context.Background()

	m, err := Open(ctx, b, src, Config{})
	require.NoError(t, err)
	defer m.Close()

	subsets := m.Subsets()
	require.Len(t, subsets, 4)
	assert.Equal(t, `"rid"::text = 't1'`, subsets[0].Where)
	assert.Equal(t, `"rid"::text = 't4'`, subsets[3].Where)

	w, h := m.Size()
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, h)

	_, err = m.ReadWindow(ctx, 1, 0, 0, 1, 1)
	assert.Error(t, err)
}

func TestOpenSingleTileWithoutSingleMosaic(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := gateway.Source{Schema: "public", Table: "patch", Column: "rast"}
	table := b.Table(src)
	meta := gridMeta(0, 0, 64, 64, 1)
	table.Tiles = append(table.Tiles, gateway.MemoryTile{ID: "only", Meta: meta, Payload: encodeTile(t, meta, 1)})
	table.Bands = []gateway.BandMetadata{{PixelType: rasterwkb.PixelType8BUI}}
	table.Caps = gateway.Capabilities{PrimaryKey: "rid"}
	ctx := context.Background()

	m, err := Open(ctx, b, src, Config{})
	require.NoError(t, err)
	defer m.Close()

	assert.Nil(t, m.Subsets())
	w, h := m.Size()
	assert.Equal(t, 64, w)
	assert.Equal(t, 64, h)
}

func TestOpenMixedSRID(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := gateway.Source{Schema: "public", Table: "mixed", Column: "rast"}
	table := b.Table(src)
	for i, srid := range []int{4326, 3857} {
		meta := gridMeta(float64(i*16), 0, 16, 16, 1)
		meta.SRID = srid
		table.Tiles = append(table.Tiles, gateway.MemoryTile{ID: fmt.Sprintf("t%d", i), Meta: meta})
	}
	ctx := context.Background()

	_, err := Open(ctx, b, src, Config{SingleMosaic: true})
	assert.ErrorIs(t, err, ErrMixedSRID)
}

func TestOpenEmptySource(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := gateway.Source{Schema: "public", Table: "empty", Column: "rast"}
	ctx := context.Background()

	_, err := Open(ctx, b, src, Config{SingleMosaic: true})
	assert.ErrorIs(t, err, ErrNoTiles)
}

func TestOpenScanDisallowed(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := quadSource(t, b, 1)
	ctx := context.Background()

	// no catalog row at all
	_, err := Open(ctx, b, src, Config{SingleMosaic: true, DisallowFullScan: true})
	assert.ErrorIs(t, err, ErrNoCatalogEntry)

	// a catalog row without usable statistics
	b.Table(src).Catalog = &gateway.CatalogEntry{SRID: 4326, NumBands: 1}
	_, err = Open(ctx, b, src, Config{SingleMosaic: true, DisallowFullScan: true})
	assert.ErrorIs(t, err, ErrScanDisallowed)
}

func TestOpenClipNeedsSRID(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := quadSource(t, b, 1)
	ctx := context.Background()

	clip := `{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}}`
	_, err := Open(ctx, b, src, Config{SingleMosaic: true, DisallowFullScan: true, ClipGeoJSON: clip})
	assert.ErrorIs(t, err, ErrScanDisallowed)
}

func TestOpenUserResolution(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := quadSource(t, b, 1)
	ctx := context.Background()

	m, err := Open(ctx, b, src, Config{
		SingleMosaic: true,
		Policy:       ResolutionUser,
		UserScaleX:   2,
		UserScaleY:   -2,
	})
	require.NoError(t, err)
	defer m.Close()

	w, h := m.Size()
	assert.Equal(t, 256, w)
	assert.Equal(t, 256, h)
}

func TestOpenSkipsRotatedTiles(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := gateway.Source{Schema: "public", Table: "skewed", Column: "rast"}
	table := b.Table(src)
	good := gridMeta(0, 0, 32, 32, 1)
	bad := gridMeta(32, 0, 32, 32, 1)
	bad.SkewX = 0.5
	table.Tiles = append(table.Tiles,
		gateway.MemoryTile{ID: "good", Meta: good, Payload: encodeTile(t, good, 1)},
		gateway.MemoryTile{ID: "bad", Meta: bad},
	)
	table.Bands = []gateway.BandMetadata{{PixelType: rasterwkb.PixelType8BUI}}
	ctx := context.Background()

	m, err := Open(ctx, b, src, Config{SingleMosaic: true})
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 1, m.TileCount())
}

func TestOpenAllTilesRotated(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := gateway.Source{Schema: "public", Table: "skewed", Column: "rast"}
	table := b.Table(src)
	bad := gridMeta(0, 0, 32, 32, 1)
	bad.SkewY = 0.5
	table.Tiles = append(table.Tiles, gateway.MemoryTile{ID: "bad", Meta: bad})
	table.Bands = []gateway.BandMetadata{{PixelType: rasterwkb.PixelType8BUI}}
	ctx := context.Background()

	_, err := Open(ctx, b, src, Config{SingleMosaic: true})
	assert.ErrorIs(t, err, ErrNoTiles)
}

func TestOpenExcludesBandCountMismatch(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := gateway.Source{Schema: "public", Table: "uneven", Column: "rast"}
	table := b.Table(src)
	origins := [][2]float64{{0, 0}, {256, 0}, {0, -256}}
	for i, o := range origins {
		meta := gridMeta(o[0], o[1], 256, 256, 2)
		table.Tiles = append(table.Tiles, gateway.MemoryTile{
			ID: fmt.Sprintf("t%d", i+1), Meta: meta, Payload: encodeTile(t, meta, byte(i+1)),
		})
	}
	rogue := gridMeta(256, -256, 256, 256, 1)
	table.Tiles = append(table.Tiles, gateway.MemoryTile{ID: "rogue", Meta: rogue, Payload: encodeTile(t, rogue, 9)})
	table.Bands = []gateway.BandMetadata{
		{PixelType: rasterwkb.PixelType8BUI, HasNoData: true, NoData: 255},
		{PixelType: rasterwkb.PixelType8BUI, HasNoData: true, NoData: 255},
	}
	ctx := context.Background()

	m, err := Open(ctx, b, src, Config{SingleMosaic: true})
	require.NoError(t, err)
	defer m.Close()

	// the single-band tile is excluded, not fatal
	assert.Equal(t, 3, m.TileCount())
	require.Len(t, m.Bands(), 2)
}

func TestSpatialRefTextCached(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := quadSource(t, b, 1)
	b.SRS[4326] = `GEOGCS["WGS 84"]`
	ctx := context.Background()

	m, err := Open(ctx, b, src, Config{SingleMosaic: true})
	require.NoError(t, err)
	defer m.Close()

	text, err := m.SpatialRefText(ctx)
	require.NoError(t, err)
	assert.Equal(t, `GEOGCS["WGS 84"]`, text)
	assert.Equal(t, 1, b.Calls["ResolveSRSText"])

	_, err = m.SpatialRefText(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Calls["ResolveSRSText"])
}

func TestOpenThroughMemcacheTier(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := quadSource(t, b, 1)
	attachCatalog(b, src, 1)
	ctx := context.Background()

	// an unreachable cache server degrades to the inner backend
	m, err := Open(ctx, b, src, Config{SingleMosaic: true, Memcached: []string{"127.0.0.1:1"}})
	require.NoError(t, err)
	defer m.Close()

	w, h := m.Size()
	assert.Equal(t, 512, w)
	assert.Equal(t, 512, h)
}

func TestOverviews(t *testing.T) {
	b := gateway.NewMemoryBackend(nil)
	src := quadSource(t, b, 1)
	attachCatalog(b, src, 1)

	ovrSrc := gateway.Source{Schema: "public", Table: "o_2_cover", Column: "rast"}
	ovrTable := b.Table(ovrSrc)
	ovrTable.Caps = gateway.Capabilities{PrimaryKey: "rid", HasSpatialIndex: true}
	ovrMeta := gridMeta(0, 0, 256, 256, 1)
	ovrMeta.ScaleX, ovrMeta.ScaleY = 2, -2
	ovrTable.Tiles = append(ovrTable.Tiles, gateway.MemoryTile{
		ID: "o1", Meta: ovrMeta, Payload: encodeTile(t, ovrMeta, 9),
	})

	b.Table(src).Overviews = []gateway.OverviewEntry{
		{Factor: 2, Schema: "public", Table: "o_2_cover", Column: "rast"},
		{Factor: 0, Schema: "public", Table: "o_0_cover", Column: "rast"},
		{Factor: 8, Schema: "public", Table: "o_8_cover", Column: "rast"},
		{Factor: 4096, Schema: "public", Table: "o_4096_cover", Column: "rast"},
	}
	ctx := context.Background()

	m, err := Open(ctx, b, src, Config{SingleMosaic: true})
	require.NoError(t, err)

	// nonsense factor, empty table and a factor coarser than the
	// raster are all skipped
	overviews, err := m.Overviews(ctx)
	require.NoError(t, err)
	require.Len(t, overviews, 1)

	o := overviews[0]
	assert.Equal(t, 2, o.OverviewFactor())
	w, h := o.Size()
	assert.Equal(t, 256, w)
	assert.Equal(t, 256, h)
	assert.Equal(t, m.Extent(), o.Extent())
	assert.Equal(t, m.SRID(), o.SRID())

	buf, err := o.ReadWindow(ctx, 1, 0, 0, 4, 4)
	require.NoError(t, err)
	for _, v := range buf {
		assert.Equal(t, byte(91), v)
	}

	// overviews resolve once and do not nest
	_, err = m.Overviews(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Calls["ResolveOverviews"])
	nested, err := o.Overviews(ctx)
	require.NoError(t, err)
	assert.Empty(t, nested)
	assert.Equal(t, 1, b.Calls["ResolveOverviews"])

	// closing the parent closes the children
	require.NoError(t, m.Close())
	_, err = o.ReadWindow(ctx, 1, 0, 0, 1, 1)
	assert.Error(t, err)
}
