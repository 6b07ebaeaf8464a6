// Package rawfile reads flat-binary raster files described by a text
// key/value header sidecar. It is the default reader behind
// out-of-database tile bands: one data file holding interleaved band
// samples, one .hdr file declaring grid, type and layout.
package rawfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nci/pgmosaic/rasterwkb"
)

// Layout is the band interleaving of the data file.
type Layout string

const (
	// LayoutBIL interleaves bands by line: every row holds one line of
	// each band in band order.
	LayoutBIL Layout = "BIL"
	// LayoutBIP interleaves bands by pixel: every sample position holds
	// one value per band.
	LayoutBIP Layout = "BIP"
	// LayoutBSQ stores bands sequentially: the whole of band 1, then
	// band 2, and so on.
	LayoutBSQ Layout = "BSQ"
)

// Geometry is the file's grid: the georeferenced origin of the
// top-left pixel corner, the signed pixel sizes, and the dimensions.
type Geometry struct {
	OriginX float64
	OriginY float64
	ScaleX  float64
	ScaleY  float64
	Width   int
	Height  int
	Bands   int
}

// Header is the parsed sidecar. ULXMAP/ULYMAP address the center of
// the upper-left pixel; Geometry() converts to the corner convention.
type Header struct {
	Cols      int
	Rows      int
	Bands     int
	PixelType rasterwkb.PixelType
	ByteOrder binary.ByteOrder
	ULXMap    float64
	ULYMap    float64
	XDim      float64
	YDim      float64
	NoData    float64
	HasNoData bool
	Layout    Layout
}

// Geometry converts the header's pixel-center origin into the
// corner-origin grid the mosaic works in. YDim is declared positive;
// rows run top-down, so the y scale comes out negative.
func (h *Header) Geometry() Geometry {
	return Geometry{
		OriginX: h.ULXMap - h.XDim/2,
		OriginY: h.ULYMap + h.YDim/2,
		ScaleX:  h.XDim,
		ScaleY:  -h.YDim,
		Width:   h.Cols,
		Height:  h.Rows,
		Bands:   h.Bands,
	}
}

// pixelType maps the declared sample kind and bit width onto a band
// type.
func pixelType(kind string, bits int) (rasterwkb.PixelType, error) {
	switch kind {
	case "SIGNEDINT":
		switch bits {
		case 8:
			return rasterwkb.PixelType8BSI, nil
		case 16:
			return rasterwkb.PixelType16BSI, nil
		case 32:
			return rasterwkb.PixelType32BSI, nil
		}
	case "UNSIGNEDINT", "":
		switch bits {
		case 1:
			return rasterwkb.PixelType1BB, nil
		case 2:
			return rasterwkb.PixelType2BUI, nil
		case 4:
			return rasterwkb.PixelType4BUI, nil
		case 8:
			return rasterwkb.PixelType8BUI, nil
		case 16:
			return rasterwkb.PixelType16BUI, nil
		case 32:
			return rasterwkb.PixelType32BUI, nil
		}
	case "FLOAT":
		switch bits {
		case 32:
			return rasterwkb.PixelType32BF, nil
		case 64:
			return rasterwkb.PixelType64BF, nil
		}
	default:
		return "", fmt.Errorf("unknown PIXELTYPE %q", kind)
	}
	return "", fmt.Errorf("unsupported NBITS %d for PIXELTYPE %q", bits, kind)
}

// ParseHeader reads the key/value sidecar. Keys are case-insensitive,
// one per line, separated from their value by whitespace; blank lines
// and #-comments are skipped.
func ParseHeader(r io.Reader) (*Header, error) {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		fields[strings.ToUpper(parts[0])] = parts[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	intField := func(key string, def int) (int, error) {
		s, ok := fields[key]
		if !ok {
			return def, nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("header field %s: %v", key, err)
		}
		return v, nil
	}
	floatField := func(key string, def float64) (float64, error) {
		s, ok := fields[key]
		if !ok {
			return def, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("header field %s: %v", key, err)
		}
		return v, nil
	}

	h := &Header{ByteOrder: binary.LittleEndian, Layout: LayoutBIL}
	var err error
	if h.Cols, err = intField("NCOLS", 0); err != nil {
		return nil, err
	}
	if h.Rows, err = intField("NROWS", 0); err != nil {
		return nil, err
	}
	if h.Bands, err = intField("NBANDS", 1); err != nil {
		return nil, err
	}
	bits, err := intField("NBITS", 8)
	if err != nil {
		return nil, err
	}
	if h.Cols <= 0 || h.Rows <= 0 || h.Bands <= 0 {
		return nil, fmt.Errorf("header declares %dx%d pixels, %d bands", h.Cols, h.Rows, h.Bands)
	}

	h.PixelType, err = pixelType(strings.ToUpper(fields["PIXELTYPE"]), bits)
	if err != nil {
		return nil, err
	}

	switch strings.ToUpper(fields["BYTEORDER"]) {
	case "", "I":
		h.ByteOrder = binary.LittleEndian
	case "M":
		h.ByteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("unknown BYTEORDER %q", fields["BYTEORDER"])
	}

	switch Layout(strings.ToUpper(fields["LAYOUT"])) {
	case "", LayoutBIL:
		h.Layout = LayoutBIL
	case LayoutBIP:
		h.Layout = LayoutBIP
	case LayoutBSQ:
		h.Layout = LayoutBSQ
	default:
		return nil, fmt.Errorf("unknown LAYOUT %q", fields["LAYOUT"])
	}

	if h.XDim, err = floatField("XDIM", 1); err != nil {
		return nil, err
	}
	if h.YDim, err = floatField("YDIM", 1); err != nil {
		return nil, err
	}
	if h.XDim <= 0 || h.YDim <= 0 {
		return nil, fmt.Errorf("header declares pixel size (%v, %v)", h.XDim, h.YDim)
	}
	if h.ULXMap, err = floatField("ULXMAP", h.XDim/2); err != nil {
		return nil, err
	}
	if h.ULYMap, err = floatField("ULYMAP", float64(h.Rows)*h.YDim-h.YDim/2); err != nil {
		return nil, err
	}
	if s, ok := fields["NODATA"]; ok {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("header field NODATA: %v", err)
		}
		h.NoData = v
		h.HasNoData = true
	}
	return h, nil
}
