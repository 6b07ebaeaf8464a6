package pgmosaic

import (
	"fmt"
	"math"

	"github.com/nci/pgmosaic/gateway"
)

// Geometry is the mosaic's affine transform: the georeferenced
// top-left pixel corner and the signed pixel sizes. ScaleY is negative
// for top-down grids.
type Geometry struct {
	OriginX float64
	OriginY float64
	ScaleX  float64
	ScaleY  float64
}

// windowFor maps a pixel window onto its georeferenced rectangle.
func (g Geometry) windowFor(xOff, yOff, xSize, ySize int) gateway.Window {
	x0 := g.OriginX + float64(xOff)*g.ScaleX
	x1 := g.OriginX + float64(xOff+xSize)*g.ScaleX
	y0 := g.OriginY + float64(yOff)*g.ScaleY
	y1 := g.OriginY + float64(yOff+ySize)*g.ScaleY
	w := gateway.Window{MinX: x0, MaxX: x1, MinY: y0, MaxY: y1}
	if w.MaxX < w.MinX {
		w.MinX, w.MaxX = w.MaxX, w.MinX
	}
	if w.MaxY < w.MinY {
		w.MinY, w.MaxY = w.MaxY, w.MinY
	}
	return w
}

// scaleReducer folds per-tile pixel sizes into one mosaic pixel size
// under a resolution policy. The y comparisons honor the sign
// convention: with negative scales the finest resolution is the
// greatest value.
type scaleReducer struct {
	policy ResolutionPolicy

	count      int
	sumX, sumY float64
	x, y       float64
}

func (r *scaleReducer) add(sx, sy float64) {
	if r.count == 0 {
		r.x, r.y = sx, sy
	} else {
		switch r.policy {
		case ResolutionHighest:
			r.x = math.Min(r.x, sx)
			if r.y < 0 {
				r.y = math.Max(r.y, sy)
			} else {
				r.y = math.Min(r.y, sy)
			}
		case ResolutionLowest:
			r.x = math.Max(r.x, sx)
			if r.y < 0 {
				r.y = math.Min(r.y, sy)
			} else {
				r.y = math.Max(r.y, sy)
			}
		}
	}
	r.sumX += sx
	r.sumY += sy
	r.count++
}

func (r *scaleReducer) resolve() (float64, float64, error) {
	if r.count == 0 {
		return 0, 0, ErrNoTiles
	}
	switch r.policy {
	case ResolutionAverage, ResolutionAverageApprox:
		n := float64(r.count)
		return r.sumX / n, r.sumY / n, nil
	}
	return r.x, r.y, nil
}

// mosaicGeometry derives the affine transform and pixel dimensions
// covering extent at the given pixel size. The origin sits at the
// extent's top edge when scaleY is negative, at its bottom edge
// otherwise.
func mosaicGeometry(extent gateway.Window, scaleX, scaleY float64) (Geometry, int, int, error) {
	if scaleX == 0 || scaleY == 0 {
		return Geometry{}, 0, 0, fmt.Errorf("zero pixel size (%v, %v)", scaleX, scaleY)
	}
	g := Geometry{OriginX: extent.MinX, ScaleX: scaleX, ScaleY: scaleY}
	if scaleY < 0 {
		g.OriginY = extent.MaxY
	} else {
		g.OriginY = extent.MinY
	}
	width := int(math.Abs(math.Round((extent.MaxX - extent.MinX) / scaleX)))
	height := int(math.Abs(math.Round((extent.MaxY - extent.MinY) / scaleY)))
	if width <= 0 || height <= 0 {
		return Geometry{}, 0, 0, fmt.Errorf("mosaic dimensions %dx%d computed from extent (%v %v, %v %v) at pixel size (%v, %v)",
			width, height, extent.MinX, extent.MinY, extent.MaxX, extent.MaxY, scaleX, scaleY)
	}
	return g, width, height, nil
}

// dstWindow places one tile on the mosaic grid: its corner through the
// inverse affine transform, its size scaled by the pixel size ratio.
func dstWindow(g Geometry, m *gateway.TileMetadata) (xOff, yOff, xSize, ySize int) {
	xOff = int(0.5 + (m.UpperLeftX-g.OriginX)/g.ScaleX)
	yOff = int(0.5 + (m.UpperLeftY-g.OriginY)/g.ScaleY)
	xSize = int(0.5 + float64(m.Width)*m.ScaleX/g.ScaleX)
	ySize = int(0.5 + float64(m.Height)*m.ScaleY/g.ScaleY)
	return
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// composeBand copies the overlap between one tile's band and the
// request window into the request buffer. dst covers xSize×ySize
// mosaic pixels starting at (xOff, yOff), size bytes per sample, row
// major. Tiles whose destination window differs in size from their own
// dimensions are resampled by nearest neighbor.
func composeBand(dst []byte, xOff, yOff, xSize, ySize int, t *TileDescriptor, data []byte, size int) {
	x0 := maxInt(xOff, t.DstXOff)
	y0 := maxInt(yOff, t.DstYOff)
	x1 := minInt(xOff+xSize, t.DstXOff+t.DstXSize)
	y1 := minInt(yOff+ySize, t.DstYOff+t.DstYSize)
	if x1 <= x0 || y1 <= y0 {
		return
	}

	sameGrid := t.DstXSize == t.Meta.Width && t.DstYSize == t.Meta.Height
	for dy := y0; dy < y1; dy++ {
		sy := dy - t.DstYOff
		if !sameGrid {
			sy = sy * t.Meta.Height / t.DstYSize
		}
		dstRow := ((dy-yOff)*xSize + (x0 - xOff)) * size
		if sameGrid {
			srcRow := (sy*t.Meta.Width + (x0 - t.DstXOff)) * size
			copy(dst[dstRow:dstRow+(x1-x0)*size], data[srcRow:srcRow+(x1-x0)*size])
			continue
		}
		for dx := x0; dx < x1; dx++ {
			sx := (dx - t.DstXOff) * t.Meta.Width / t.DstXSize
			src := (sy*t.Meta.Width + sx) * size
			copy(dst[dstRow:dstRow+size], data[src:src+size])
			dstRow += size
		}
	}
}
