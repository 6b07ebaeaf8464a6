package rawfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nci/pgmosaic/rasterwkb"
)

// ErrNoSidecar reports that a path has no header sidecar at all, as
// opposed to a raster whose sidecar or payload is unreadable.
var ErrNoSidecar = errors.New("no header sidecar found")

// Reader reads pixel windows from one flat-binary raster file.
type Reader struct {
	f    *os.File
	hdr  *Header
	geom Geometry
	size int
}

// Open opens a data file and its header sidecar. The sidecar is the
// data file's basename with a .hdr extension, or the full name with
// .hdr appended.
func Open(path string) (*Reader, error) {
	hdr, err := openHeader(path)
	if err != nil {
		return nil, err
	}
	size := hdr.PixelType.Size()
	if 8*size != int(bitWidth(hdr.PixelType)) {
		return nil, fmt.Errorf("%s: sub-byte samples (%s) are not readable", path, hdr.PixelType)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	want := int64(hdr.Cols) * int64(hdr.Rows) * int64(hdr.Bands) * int64(size)
	if fi.Size() < want {
		f.Close()
		return nil, fmt.Errorf("%s: %d bytes, header declares %d", path, fi.Size(), want)
	}
	return &Reader{f: f, hdr: hdr, geom: hdr.Geometry(), size: size}, nil
}

func openHeader(path string) (*Header, error) {
	var candidates []string
	if ext := filepath.Ext(path); ext != "" {
		candidates = append(candidates, path[:len(path)-len(ext)]+".hdr")
	}
	candidates = append(candidates, path+".hdr")
	for _, c := range candidates {
		f, err := os.Open(c)
		if err != nil {
			continue
		}
		hdr, err := ParseHeader(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %v", c, err)
		}
		return hdr, nil
	}
	return nil, fmt.Errorf("%s: %w", path, ErrNoSidecar)
}

// bitWidth is the declared sample width the pixel type stands for.
func bitWidth(p rasterwkb.PixelType) int {
	switch p {
	case rasterwkb.PixelType1BB:
		return 1
	case rasterwkb.PixelType2BUI:
		return 2
	case rasterwkb.PixelType4BUI:
		return 4
	default:
		return 8 * p.Size()
	}
}

// Geometry reports the file's grid.
func (r *Reader) Geometry() Geometry {
	return r.geom
}

// Header reports the parsed sidecar.
func (r *Reader) Header() *Header {
	return r.hdr
}

// ReadWindow reads one band's samples for a pixel window, returned in
// host byte order, row major, xSize*ySize samples. Bands are 1-based.
func (r *Reader) ReadWindow(band, xOff, yOff, xSize, ySize int) ([]byte, error) {
	if band < 1 || band > r.hdr.Bands {
		return nil, fmt.Errorf("band %d of %d", band, r.hdr.Bands)
	}
	if xOff < 0 || yOff < 0 || xSize <= 0 || ySize <= 0 ||
		xOff+xSize > r.hdr.Cols || yOff+ySize > r.hdr.Rows {
		return nil, fmt.Errorf("window (%d,%d %dx%d) of %dx%d file",
			xOff, yOff, xSize, ySize, r.hdr.Cols, r.hdr.Rows)
	}

	out := make([]byte, xSize*ySize*r.size)
	for row := 0; row < ySize; row++ {
		dst := out[row*xSize*r.size : (row+1)*xSize*r.size]
		if err := r.readRow(band-1, xOff, yOff+row, xSize, dst); err != nil {
			return nil, fmt.Errorf("%s row %d: %v", r.f.Name(), yOff+row, err)
		}
	}
	if r.size > 1 && r.hdr.ByteOrder != rasterwkb.HostOrder() {
		rasterwkb.SwapBytes(out, r.size)
	}
	return out, nil
}

// readRow copies xSize samples of one band from a single file row.
// band is 0-based here.
func (r *Reader) readRow(band, xOff, y, xSize int, dst []byte) error {
	cols, bands := r.hdr.Cols, r.hdr.Bands
	switch r.hdr.Layout {
	case LayoutBSQ:
		off := int64((band*r.hdr.Rows+y)*cols+xOff) * int64(r.size)
		_, err := r.f.ReadAt(dst, off)
		return err
	case LayoutBIL:
		off := int64((y*bands+band)*cols+xOff) * int64(r.size)
		_, err := r.f.ReadAt(dst, off)
		return err
	case LayoutBIP:
		off := int64((y*cols+xOff)*bands+band) * int64(r.size)
		row := make([]byte, ((xSize-1)*bands+1)*r.size)
		if _, err := r.f.ReadAt(row, off); err != nil {
			return err
		}
		for i := 0; i < xSize; i++ {
			copy(dst[i*r.size:(i+1)*r.size], row[i*bands*r.size:])
		}
		return nil
	}
	return fmt.Errorf("unknown layout %q", r.hdr.Layout)
}

// Close releases the data file.
func (r *Reader) Close() error {
	return r.f.Close()
}
