package extractor

import "time"

// RasterInfo describes one flat-binary raster file in the form a
// store ingest consumes when registering out-of-database bands: grid
// geometry and sample layout from the header sidecar, plus a stable
// identity derived from the file's size and modification time.
type RasterInfo struct {
	FilePath     string    `json:"file_path"`
	XSize        int       `json:"x_size"`
	YSize        int       `json:"y_size"`
	RasterCount  int       `json:"raster_count"`
	PixelType    string    `json:"pixel_type"`
	GeoTransform []float64 `json:"geotransform"`
	NoData       *float64  `json:"nodata,omitempty"`
	Layout       string    `json:"layout"`
	ByteOrder    string    `json:"byte_order"`
	Size         int64     `json:"size"`
	MTime        time.Time `json:"mtime"`
	ID           string    `json:"id"`
}
