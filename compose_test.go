package pgmosaic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nci/pgmosaic/gateway"
)

func TestScaleReducerAverage(t *testing.T) {
	r := scaleReducer{policy: ResolutionAverage}
	r.add(1, -1)
	r.add(3, -3)
	sx, sy, err := r.resolve()
	require.NoError(t, err)
	assert.Equal(t, 2.0, sx)
	assert.Equal(t, -2.0, sy)
}

func TestScaleReducerHighest(t *testing.T) {
	r := scaleReducer{policy: ResolutionHighest}
	r.add(2, -2)
	r.add(1, -1)
	r.add(4, -4)
	sx, sy, err := r.resolve()
	require.NoError(t, err)
	assert.Equal(t, 1.0, sx)
	// negative scales: the finest resolution is the greatest value
	assert.Equal(t, -1.0, sy)
}

func TestScaleReducerLowest(t *testing.T) {
	r := scaleReducer{policy: ResolutionLowest}
	r.add(2, -2)
	r.add(1, -1)
	r.add(4, -4)
	sx, sy, err := r.resolve()
	require.NoError(t, err)
	assert.Equal(t, 4.0, sx)
	assert.Equal(t, -4.0, sy)
}

func TestScaleReducerPositiveY(t *testing.T) {
	r := scaleReducer{policy: ResolutionHighest}
	r.add(2, 2)
	r.add(1, 1)
	_, sy, err := r.resolve()
	require.NoError(t, err)
	assert.Equal(t, 1.0, sy)
}

func TestScaleReducerEmpty(t *testing.T) {
	r := scaleReducer{policy: ResolutionAverage}
	_, _, err := r.resolve()
	assert.ErrorIs(t, err, ErrNoTiles)
}

func TestMosaicGeometry(t *testing.T) {
	extent := gateway.Window{MinX: 0, MinY: -512, MaxX: 512, MaxY: 0}

	g, w, h, err := mosaicGeometry(extent, 1, -1)
	require.NoError(t, err)
	assert.Equal(t, Geometry{OriginX: 0, OriginY: 0, ScaleX: 1, ScaleY: -1}, g)
	assert.Equal(t, 512, w)
	assert.Equal(t, 512, h)

	// positive y scale anchors the origin at the bottom edge
	g, _, _, err = mosaicGeometry(extent, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, -512.0, g.OriginY)

	_, _, _, err = mosaicGeometry(extent, 0, -1)
	assert.Error(t, err)

	degenerate := gateway.Window{MinX: 0, MinY: 0, MaxX: 0.1, MaxY: 0.1}
	_, _, _, err = mosaicGeometry(degenerate, 1, -1)
	assert.Error(t, err)
}

func TestDstWindow(t *testing.T) {
	g := Geometry{OriginX: 0, OriginY: 0, ScaleX: 1, ScaleY: -1}
	meta := &gateway.TileMetadata{
		UpperLeftX: 256, UpperLeftY: -256,
		ScaleX: 1, ScaleY: -1,
		Width: 256, Height: 256,
	}
	xOff, yOff, xSize, ySize := dstWindow(g, meta)
	assert.Equal(t, []int{256, 256, 256, 256}, []int{xOff, yOff, xSize, ySize})

	// a mosaic twice as coarse halves both placement and size
	coarse := Geometry{OriginX: 0, OriginY: 0, ScaleX: 2, ScaleY: -2}
	xOff, yOff, xSize, ySize = dstWindow(coarse, meta)
	assert.Equal(t, []int{128, 128, 128, 128}, []int{xOff, yOff, xSize, ySize})
}

func TestWindowFor(t *testing.T) {
	g := Geometry{OriginX: 0, OriginY: 0, ScaleX: 1, ScaleY: -1}
	w := g.windowFor(10, 20, 30, 40)
	assert.Equal(t, gateway.Window{MinX: 10, MinY: -60, MaxX: 40, MaxY: -20}, w)
}

func TestComposeBandSameGrid(t *testing.T) {
	tile := &TileDescriptor{
		Meta:    gateway.TileMetadata{Width: 2, Height: 2},
		DstXOff: 2, DstYOff: 2, DstXSize: 2, DstYSize: 2,
	}
	data := []byte{1, 2, 3, 4}

	buf := make([]byte, 4*4)
	composeBand(buf, 1, 1, 4, 4, tile, data, 1)
	expected := []byte{
		0, 0, 0, 0,
		0, 1, 2, 0,
		0, 3, 4, 0,
		0, 0, 0, 0,
	}
	assert.Equal(t, expected, buf)

	// no overlap leaves the buffer alone
	buf = make([]byte, 4)
	composeBand(buf, 10, 10, 2, 2, tile, data, 1)
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestComposeBandResamples(t *testing.T) {
	tile := &TileDescriptor{
		Meta:    gateway.TileMetadata{Width: 2, Height: 2},
		DstXOff: 0, DstYOff: 0, DstXSize: 4, DstYSize: 4,
	}
	data := []byte{1, 2, 3, 4}

	buf := make([]byte, 4*4)
	composeBand(buf, 0, 0, 4, 4, tile, data, 1)
	expected := []byte{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	assert.Equal(t, expected, buf)
}

func TestComposeBandMultiByteSamples(t *testing.T) {
	tile := &TileDescriptor{
		Meta:    gateway.TileMetadata{Width: 2, Height: 1},
		DstXOff: 0, DstYOff: 0, DstXSize: 2, DstYSize: 1,
	}
	data := []byte{1, 2, 3, 4} // two 16-bit samples

	buf := make([]byte, 2*1*2)
	composeBand(buf, 0, 0, 2, 1, tile, data, 2)
	assert.Equal(t, data, buf)
}
