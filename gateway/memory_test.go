package gateway

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/nci/pgmosaic/rasterwkb"
)

func gridMeta(x, y float64, w, h, bands int) TileMetadata {
	return TileMetadata{
		UpperLeftX: x, UpperLeftY: y,
		ScaleX: 1, ScaleY: -1,
		Width: w, Height: h,
		SRID: 4326, NumBands: bands,
	}
}

// encodeTestTile serializes a payload whose band b is filled with the
// sample value b.
func encodeTestTile(t *testing.T, meta TileMetadata) []byte {
	r := &rasterwkb.Raster{
		Header: rasterwkb.Header{
			NumBands:   meta.NumBands,
			ScaleX:     meta.ScaleX,
			ScaleY:     meta.ScaleY,
			UpperLeftX: meta.UpperLeftX,
			UpperLeftY: meta.UpperLeftY,
			SRID:       int32(meta.SRID),
			Width:      meta.Width,
			Height:     meta.Height,
		},
	}
	for b := 1; b <= meta.NumBands; b++ {
		data := make([]byte, meta.Width*meta.Height)
		for i := range data {
			data[i] = byte(b)
		}
		r.Bands = append(r.Bands, rasterwkb.Band{PixelType: rasterwkb.PixelType8BUI, Data: data})
	}
	payload, err := r.Encode(binary.LittleEndian)
	require.NoError(t, err)
	return payload
}

func testBackend(t *testing.T) (*MemoryBackend, Source) {
	b := NewMemoryBackend(nil)
	src := Source{Schema: "public", Table: "cover", Column: "rast"}
	table := b.Table(src)
	table.Caps = Capabilities{PrimaryKey: "rid"}
	for i, origin := range [][2]float64{{0, 0}, {256, 0}, {512, 0}} {
		meta := gridMeta(origin[0], origin[1], 16, 16, 2)
		table.Tiles = append(table.Tiles, MemoryTile{
			ID:      []string{"t1", "t2", "t3"}[i],
			Meta:    meta,
			Payload: encodeTestTile(t, meta),
		})
	}
	return b, src
}

func TestMemoryBackendPredicate(t *testing.T) {
	b, src := testBackend(t)
	src.Where = "x >= 256"

	rows, err := b.FetchTiles(context.Background(), src, FetchRequest{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "t2", rows[0].ID)
	assert.Equal(t, "t3", rows[1].ID)

	src.Where = "id == 't1'"
	rows, err = b.FetchTiles(context.Background(), src, FetchRequest{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].Payload)

	src.Where = "nosuchvar > 0"
	_, err = b.FetchTiles(context.Background(), src, FetchRequest{})
	assert.Error(t, err)
}

func TestMemoryBackendFindTileIDs(t *testing.T) {
	b, src := testBackend(t)
	ctx := context.Background()

	ids, err := b.FindTileIDs(ctx, src, Window{MinX: 250, MinY: -16, MaxX: 300, MaxY: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, ids)

	// touching windows intersect
	ids, err = b.FindTileIDs(ctx, src, Window{MinX: 20, MinY: -16, MaxX: 256, MaxY: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, ids)

	b.Table(src).Caps.PrimaryKey = ""
	_, err = b.FindTileIDs(ctx, src, Window{MaxX: 1, MaxY: 1})
	assert.Error(t, err)
}

func TestMemoryBackendFetchSingleBand(t *testing.T) {
	b, src := testBackend(t)

	rows, err := b.FetchTiles(context.Background(), src, FetchRequest{
		IDs: []string{"t2"}, WantPayload: true, Band: 2,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	r, err := rasterwkb.Decode(rows[0].Payload)
	require.NoError(t, err)
	require.Len(t, r.Bands, 1)
	assert.Equal(t, byte(2), r.Bands[0].Data[0])
	assert.Equal(t, 1, r.Header.NumBands)
}

func TestMemoryBackendServerDecode(t *testing.T) {
	b, src := testBackend(t)
	table := b.Table(src)
	alt := encodeTestTile(t, gridMeta(0, 0, 16, 16, 2))
	table.Tiles[0].ServerDecoded = alt

	rows, err := b.FetchTiles(context.Background(), src, FetchRequest{
		IDs: []string{"t1"}, WantPayload: true, ServerDecode: true,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, alt, rows[0].Payload)
}

func TestMemoryBackendScanFullMetadata(t *testing.T) {
	b, src := testBackend(t)

	entries, err := b.ScanFullMetadata(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, 4326, e.SRID)
	assert.Equal(t, 2, e.NumBands)
	assert.Equal(t, Window{MinX: 0, MinY: -16, MaxX: 528, MaxY: 0}, e.Extent)
	assert.Equal(t, 1.0, e.ScaleX)
	assert.Equal(t, -1.0, e.ScaleY)

	// a second srid splits the aggregate
	meta := gridMeta(0, 100, 16, 16, 2)
	meta.SRID = 3577
	b.Table(src).Tiles = append(b.Table(src).Tiles, MemoryTile{ID: "t4", Meta: meta})
	entries, err = b.ScanFullMetadata(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 3577, entries[0].SRID)
	assert.Equal(t, 4326, entries[1].SRID)
}

func TestMemoryBackendSampleResolution(t *testing.T) {
	b, src := testBackend(t)
	sx, sy, err := b.SampleResolution(context.Background(), src, 10)
	require.NoError(t, err)
	assert.Equal(t, 1.0, sx)
	assert.Equal(t, -1.0, sy)

	empty := Source{Schema: "public", Table: "empty", Column: "rast"}
	_, _, err = b.SampleResolution(context.Background(), empty, 10)
	assert.Error(t, err)
}

func TestMemoryBackendCallCounts(t *testing.T) {
	b, src := testBackend(t)
	ctx := context.Background()

	_, _ = b.FetchTiles(ctx, src, FetchRequest{})
	_, _ = b.FetchTiles(ctx, src, FetchRequest{})
	_, _ = b.FindTileIDs(ctx, src, Window{MaxX: 1, MaxY: 1})
	assert.Equal(t, 2, b.Calls["FetchTiles"])
	assert.Equal(t, 1, b.Calls["FindTileIDs"])
}

func TestListTileSubsets(t *testing.T) {
	b, src := testBackend(t)

	subsets, err := ListTileSubsets(context.Background(), b, src)
	require.NoError(t, err)
	require.Len(t, subsets, 3)
	assert.Equal(t, `"rid"::text = 't1'`, subsets[0].Where)
	assert.Equal(t, src.Table, subsets[0].Table)

	src.Where = "x >= 256"
	subsets, err = ListTileSubsets(context.Background(), b, src)
	require.NoError(t, err)
	require.Len(t, subsets, 2)
	assert.Equal(t, `(x >= 256) and "rid"::text = 't2'`, subsets[0].Where)

	b.Table(src).Caps.PrimaryKey = ""
	_, err = ListTileSubsets(context.Background(), b, src)
	assert.Error(t, err)
}

func TestClipPredicate(t *testing.T) {
	geoJSON := []byte(`{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}}`)

	pred, err := ClipPredicate(geoJSON, "rast", 4326, "")
	require.NoError(t, err)
	assert.Contains(t, pred, "st_intersects")
	assert.Contains(t, pred, `"rast"::geometry`)
	assert.Contains(t, pred, "POLYGON")
	assert.Contains(t, pred, "4326")

	pred, err = ClipPredicate(geoJSON, "rast", 4326, "rid < 100")
	require.NoError(t, err)
	assert.Contains(t, pred, "(rid < 100) and ")

	_, err = ClipPredicate([]byte(`{"nonsense"`), "rast", 4326, "")
	assert.Error(t, err)
}

func TestMemcacheBackendDegrades(t *testing.T) {
	inner, src := testBackend(t)
	inner.SRS[4326] = `GEOGCS["WGS 84"]`

	// No reachable memcached: every lookup degrades to the inner backend.
	mc := NewMemcacheBackend(inner, []string{"127.0.0.1:1"}, 0, nil)

	srtext, err := mc.ResolveSRSText(context.Background(), 4326)
	require.NoError(t, err)
	assert.Equal(t, `GEOGCS["WGS 84"]`, srtext)

	caps, err := mc.SourceCapabilities(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "rid", caps.PrimaryKey)

	rows, err := mc.FetchTiles(context.Background(), src, FetchRequest{})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestCacheKey(t *testing.T) {
	a := cacheKey("catalog", "public.cover.rast")
	b := cacheKey("catalog", "public.cover.rast")
	c := cacheKey("bands", "public.cover.rast", 3)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}
