package extractor

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/nci/pgmosaic/rawfile"
)

// ExtractRasterInfo reads the header sidecar of one flat-binary
// raster and stats the data file. The ID hashes path, size and mtime,
// so re-crawling an unchanged file yields the same identity.
func ExtractRasterInfo(path string) (*RasterInfo, error) {
	r, err := rawfile.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	fStat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	hdr := r.Header()
	geom := r.Geometry()

	info := &RasterInfo{
		FilePath:    path,
		XSize:       geom.Width,
		YSize:       geom.Height,
		RasterCount: geom.Bands,
		PixelType:   string(hdr.PixelType),
		GeoTransform: []float64{
			geom.OriginX, geom.ScaleX, 0,
			geom.OriginY, 0, geom.ScaleY,
		},
		Layout:    string(hdr.Layout),
		ByteOrder: "I",
		Size:      fStat.Size(),
		MTime:     fStat.ModTime().UTC(),
	}
	if hdr.ByteOrder == binary.BigEndian {
		info.ByteOrder = "M"
	}
	if hdr.HasNoData {
		nodata := hdr.NoData
		info.NoData = &nodata
	}

	signature := fmt.Sprintf("%s%d%d", path, fStat.Size(), fStat.ModTime().UnixNano())
	info.ID = fmt.Sprintf("%x", md5.Sum([]byte(signature)))
	return info, nil
}
