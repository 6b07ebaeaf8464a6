package pgmosaic

import (
	"fmt"

	"github.com/nci/pgmosaic/gateway"
	"github.com/nci/pgmosaic/quadtree"
)

// TileDescriptor is one discovered tile: its identity, its own grid,
// its destination window inside the mosaic, and an optional per-band
// sample cache. Geometry never changes after registration; only the
// sample cache does.
type TileDescriptor struct {
	// ID is the backing-store key value, or a synthetic origin-pair
	// identity when the source has no key column.
	ID string

	Meta gateway.TileMetadata

	// Destination window in mosaic pixels.
	DstXOff  int
	DstYOff  int
	DstXSize int
	DstYSize int

	bands [][]byte // per-band host-order samples; nil entry = not cached
}

// syntheticID derives a tile identity from its origin for sources
// without a key column.
func syntheticID(x, y float64) string {
	return fmt.Sprintf("(%.8f,%.8f)", x, y)
}

// HasBand reports whether the band's samples are cached. Bands are
// 1-based.
func (t *TileDescriptor) HasBand(band int) bool {
	return band >= 1 && band <= len(t.bands) && t.bands[band-1] != nil
}

func (t *TileDescriptor) setBand(band int, data []byte) {
	if t.bands == nil {
		t.bands = make([][]byte, t.Meta.NumBands)
	}
	if band >= 1 && band <= len(t.bands) {
		t.bands[band-1] = data
	}
}

func (t *TileDescriptor) bandData(band int) []byte {
	if !t.HasBand(band) {
		return nil
	}
	return t.bands[band-1]
}

// cachedBytes sums the tile's cached sample bytes.
func (t *TileDescriptor) cachedBytes() int64 {
	var n int64
	for _, b := range t.bands {
		n += int64(len(b))
	}
	return n
}

func (t *TileDescriptor) dropBands() {
	t.bands = nil
}

// tileStore is the arena owning every TileDescriptor of one mosaic.
// Handles are indices into the arena and stay valid across growth;
// pointers from at() do not survive the next add.
type tileStore struct {
	tiles []TileDescriptor
	byID  map[string]int
}

func newTileStore() *tileStore {
	return &tileStore{byID: make(map[string]int)}
}

// add registers a descriptor and returns its handle. The identity must
// not already be present.
func (s *tileStore) add(d TileDescriptor) int {
	h := len(s.tiles)
	s.tiles = append(s.tiles, d)
	s.byID[d.ID] = h
	return h
}

func (s *tileStore) at(h int) *TileDescriptor {
	return &s.tiles[h]
}

func (s *tileStore) lookup(id string) (int, bool) {
	h, ok := s.byID[id]
	return h, ok
}

func (s *tileStore) len() int { return len(s.tiles) }

// cachedBytes sums sample bytes cached across the arena.
func (s *tileStore) cachedBytes() int64 {
	var n int64
	for i := range s.tiles {
		n += s.tiles[i].cachedBytes()
	}
	return n
}

// tileItem ties a tile's footprint to its arena handle inside the
// spatial index. The index stores handles, never descriptor pointers.
type tileItem struct {
	rect   quadtree.Rect
	handle int
}

func (it tileItem) Bounds() quadtree.Rect { return it.rect }

func rectOf(w gateway.Window) quadtree.Rect {
	return quadtree.Rect{MinX: w.MinX, MinY: w.MinY, MaxX: w.MaxX, MaxY: w.MaxY}
}
