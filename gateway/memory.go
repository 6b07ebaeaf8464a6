package gateway

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	goeval "github.com/edisonguo/govaluate"
	"go.uber.org/zap"
	"golang.org/x/net/context"

	"github.com/nci/pgmosaic/rasterwkb"
)

// MemoryTile is one row of a MemoryBackend table.
type MemoryTile struct {
	ID      string
	Meta    TileMetadata
	Payload []byte // serialized tile payload; nil for metadata-only rows

	// ServerDecoded substitutes for Payload when a fetch requests
	// server-side materialization of out-of-database bands.
	ServerDecoded []byte
}

// MemoryTable backs one source in a MemoryBackend.
type MemoryTable struct {
	Catalog      *CatalogEntry // nil means no catalog row
	Tiles        []MemoryTile
	Bands        []BandMetadata
	Overviews    []OverviewEntry
	Caps         Capabilities
	Fingerprints []FileFingerprint
}

// MemoryBackend implements Backend over in-process tables, for tests
// and embedded fixtures. Source predicates use expression syntax over
// the per-tile variables id, x, y, width, height and bands rather than
// the store's SQL dialect.
type MemoryBackend struct {
	logger *zap.Logger
	tables map[Source]*MemoryTable
	exprs  map[string]*goeval.EvaluableExpression

	// SRS maps srid to its text definition.
	SRS map[int]string

	// Calls counts invocations by method name.
	Calls map[string]int
}

func NewMemoryBackend(logger *zap.Logger) *MemoryBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBackend{
		logger: logger,
		tables: make(map[Source]*MemoryTable),
		exprs:  make(map[string]*goeval.EvaluableExpression),
		SRS:    make(map[int]string),
		Calls:  make(map[string]int),
	}
}

func tableKey(src Source) Source {
	return Source{Schema: src.Schema, Table: src.Table, Column: src.Column}
}

// Table returns the table backing src, creating an empty one on first
// use. The source predicate is ignored for addressing.
func (b *MemoryBackend) Table(src Source) *MemoryTable {
	key := tableKey(src)
	t, ok := b.tables[key]
	if !ok {
		t = &MemoryTable{}
		b.tables[key] = t
	}
	return t
}

func (b *MemoryBackend) count(op string) { b.Calls[op]++ }

func (b *MemoryBackend) predicate(where string) (*goeval.EvaluableExpression, error) {
	expr, ok := b.exprs[where]
	if ok {
		return expr, nil
	}
	expr, err := goeval.NewEvaluableExpression(where)
	if err != nil {
		return nil, err
	}
	validVariables := map[string]struct{}{
		"id": {}, "x": {}, "y": {}, "width": {}, "height": {}, "bands": {},
	}
	for _, token := range expr.Tokens() {
		if token.Kind == goeval.VARIABLE {
			varName, ok := token.Value.(string)
			if !ok {
				return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
			}
			if _, found := validVariables[varName]; !found {
				return nil, fmt.Errorf("variable %v is not supported. Valid variables are %v", varName, validVariables)
			}
		}
	}
	b.exprs[where] = expr
	return expr, nil
}

func (b *MemoryBackend) match(where string, t *MemoryTile) (bool, error) {
	if strings.TrimSpace(where) == "" {
		return true, nil
	}
	expr, err := b.predicate(where)
	if err != nil {
		return false, err
	}
	parameters := map[string]interface{}{
		"id":     t.ID,
		"x":      t.Meta.UpperLeftX,
		"y":      t.Meta.UpperLeftY,
		"width":  float64(t.Meta.Width),
		"height": float64(t.Meta.Height),
		"bands":  float64(t.Meta.NumBands),
	}
	result, err := expr.Evaluate(parameters)
	if err != nil {
		return false, fmt.Errorf("predicate %q: %v", where, err)
	}
	val, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q: result '%v' is not boolean", where, result)
	}
	return val, nil
}

func (b *MemoryBackend) selectTiles(src Source, window *Window) ([]*MemoryTile, error) {
	table := b.Table(src)
	var out []*MemoryTile
	for i := range table.Tiles {
		t := &table.Tiles[i]
		ok, err := b.match(src.Where, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if window != nil && !t.Meta.Bounds().Intersects(*window) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (b *MemoryBackend) ResolveCatalogMetadata(ctx context.Context, src Source) (*CatalogEntry, error) {
	b.count("ResolveCatalogMetadata")
	return b.Table(src).Catalog, nil
}

func (b *MemoryBackend) ScanFullMetadata(ctx context.Context, src Source) ([]ScanEntry, error) {
	b.count("ScanFullMetadata")
	tiles, err := b.selectTiles(src, nil)
	if err != nil {
		return nil, err
	}

	bySRID := make(map[int]*ScanEntry)
	counts := make(map[int]int)
	var srids []int
	for _, t := range tiles {
		e, ok := bySRID[t.Meta.SRID]
		if !ok {
			e = &ScanEntry{SRID: t.Meta.SRID, Extent: t.Meta.Bounds()}
			bySRID[t.Meta.SRID] = e
			srids = append(srids, t.Meta.SRID)
		}
		bounds := t.Meta.Bounds()
		if bounds.MinX < e.Extent.MinX {
			e.Extent.MinX = bounds.MinX
		}
		if bounds.MinY < e.Extent.MinY {
			e.Extent.MinY = bounds.MinY
		}
		if bounds.MaxX > e.Extent.MaxX {
			e.Extent.MaxX = bounds.MaxX
		}
		if bounds.MaxY > e.Extent.MaxY {
			e.Extent.MaxY = bounds.MaxY
		}
		if t.Meta.NumBands > e.NumBands {
			e.NumBands = t.Meta.NumBands
		}
		e.ScaleX += t.Meta.ScaleX
		e.ScaleY += t.Meta.ScaleY
		counts[t.Meta.SRID]++
	}

	sort.Ints(srids)
	var out []ScanEntry
	for _, srid := range srids {
		e := bySRID[srid]
		n := float64(counts[srid])
		e.ScaleX /= n
		e.ScaleY /= n
		out = append(out, *e)
	}
	return out, nil
}

func (b *MemoryBackend) FindTileIDs(ctx context.Context, src Source, window Window) ([]string, error) {
	b.count("FindTileIDs")
	if b.Table(src).Caps.PrimaryKey == "" {
		return nil, fmt.Errorf("find tile ids in %s: source has no key column", src)
	}
	tiles, err := b.selectTiles(src, &window)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, t := range tiles {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (b *MemoryBackend) FetchTiles(ctx context.Context, src Source, req FetchRequest) ([]TileRow, error) {
	b.count("FetchTiles")
	table := b.Table(src)

	var tiles []*MemoryTile
	if len(req.IDs) > 0 {
		if table.Caps.PrimaryKey == "" {
			return nil, fmt.Errorf("fetch tiles from %s: id filter without a key column", src)
		}
		want := make(map[string]bool, len(req.IDs))
		for _, id := range req.IDs {
			want[id] = true
		}
		all, err := b.selectTiles(src, nil)
		if err != nil {
			return nil, err
		}
		for _, t := range all {
			if want[t.ID] {
				tiles = append(tiles, t)
			}
		}
	} else {
		var err error
		tiles, err = b.selectTiles(src, req.Window)
		if err != nil {
			return nil, err
		}
	}

	out := make([]TileRow, 0, len(tiles))
	for _, t := range tiles {
		row := TileRow{ID: t.ID, Metadata: t.Meta.Tuple()}
		if req.WantPayload {
			payload := t.Payload
			if req.ServerDecode && t.ServerDecoded != nil {
				payload = t.ServerDecoded
			}
			if payload != nil && req.Band > 0 {
				sub, err := extractBand(payload, req.Band)
				if err != nil {
					return nil, fmt.Errorf("fetch tiles from %s: tile %s: %v", src, t.ID, err)
				}
				payload = sub
			}
			row.Payload = payload
		}
		out = append(out, row)
	}
	return out, nil
}

// extractBand re-encodes a payload holding just the requested band, the
// way the store's single-band accessor does.
func extractBand(payload []byte, band int) ([]byte, error) {
	r, err := rasterwkb.Decode(payload)
	if err != nil {
		return nil, err
	}
	if band > len(r.Bands) {
		return nil, fmt.Errorf("band %d of %d", band, len(r.Bands))
	}
	sub := &rasterwkb.Raster{Header: r.Header, Bands: r.Bands[band-1 : band]}
	sub.Header.NumBands = 1
	return sub.Encode(binary.LittleEndian)
}

func (b *MemoryBackend) ResolveBandMetadata(ctx context.Context, src Source, numBands int) ([]BandMetadata, error) {
	b.count("ResolveBandMetadata")
	bands := b.Table(src).Bands
	if len(bands) < numBands {
		return nil, fmt.Errorf("band metadata for %s: have %d bands, want %d", src, len(bands), numBands)
	}
	return bands[:numBands], nil
}

func (b *MemoryBackend) ResolveOverviews(ctx context.Context, src Source) ([]OverviewEntry, error) {
	b.count("ResolveOverviews")
	entries := append([]OverviewEntry(nil), b.Table(src).Overviews...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Factor < entries[j].Factor })
	return entries, nil
}

func (b *MemoryBackend) ResolveSRSText(ctx context.Context, srid int) (string, error) {
	b.count("ResolveSRSText")
	return b.SRS[srid], nil
}

func (b *MemoryBackend) SourceCapabilities(ctx context.Context, src Source) (*Capabilities, error) {
	b.count("SourceCapabilities")
	caps := b.Table(src).Caps
	return &caps, nil
}

func (b *MemoryBackend) SampleResolution(ctx context.Context, src Source, limit int) (float64, float64, error) {
	b.count("SampleResolution")
	tiles, err := b.selectTiles(src, nil)
	if err != nil {
		return 0, 0, err
	}
	if len(tiles) == 0 {
		return 0, 0, fmt.Errorf("sample resolution of %s: no tiles", src)
	}
	if len(tiles) > limit {
		tiles = tiles[:limit]
	}
	var sx, sy float64
	for _, t := range tiles {
		sx += t.Meta.ScaleX
		sy += t.Meta.ScaleY
	}
	n := float64(len(tiles))
	return sx / n, sy / n, nil
}

func (b *MemoryBackend) OutDbFingerprints(ctx context.Context, src Source, band int) ([]FileFingerprint, error) {
	b.count("OutDbFingerprints")
	return append([]FileFingerprint(nil), b.Table(src).Fingerprints...), nil
}

func (b *MemoryBackend) ListRasterSources(ctx context.Context) ([]Source, error) {
	b.count("ListRasterSources")
	var out []Source
	for src := range b.tables {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
