package pgmosaic

import (
	"fmt"
	"math"
	"os"

	"go.uber.org/zap"
	"golang.org/x/net/context"

	"github.com/nci/pgmosaic/gateway"
	"github.com/nci/pgmosaic/rasterwkb"
	"github.com/nci/pgmosaic/rawfile"
)

// FileReader reads pixel windows from one out-of-database raster file.
// rawfile.Reader is the stock implementation.
type FileReader interface {
	Geometry() rawfile.Geometry
	// ReadWindow returns xSize*ySize host-order samples of one 1-based
	// band.
	ReadWindow(band, xOff, yOff, xSize, ySize int) ([]byte, error)
	Close() error
}

// FileOpener opens the paths out-of-database bands reference. Openers
// for remote object stores can be injected through Config.FileOpener.
type FileOpener interface {
	Open(path string) (FileReader, error)
}

// FileStater is an optional FileOpener extension. When the backing
// store also reports file fingerprints, auto mode compares both sides
// before trusting a direct read.
type FileStater interface {
	Stat(path string) (size int64, modTime int64, err error)
}

// LocalFileOpener reads out-of-database paths from the local
// filesystem as flat-binary rasters. It is the default opener.
type LocalFileOpener struct{}

// Open opens path and its header sidecar.
func (LocalFileOpener) Open(path string) (FileReader, error) {
	return rawfile.Open(path)
}

// Stat reports the local size and modification time of path.
func (LocalFileOpener) Stat(path string) (int64, int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return fi.Size(), fi.ModTime().Unix(), nil
}

// openFileLimit bounds how many out-of-database files stay open at
// once.
const openFileLimit = 8

// usabilityRecord is the cached outcome of probing one file, along
// with the fingerprint the store reported when it was probed.
type usabilityRecord struct {
	usable bool
	fp     gateway.FileFingerprint
}

// outdbResolver turns out-of-database band references into samples:
// either by asking the store to materialize them (server-side) or by
// reading the referenced files directly. Auto mode probes each file
// once and remembers the outcome; a changed store fingerprint makes it
// probe again.
type outdbResolver struct {
	mode   OutDbMode
	opener FileOpener
	logger *zap.Logger

	usable map[string]usabilityRecord
	open   *fileLRU
}

func newOutdbResolver(cfg *Config, logger *zap.Logger) *outdbResolver {
	opener := cfg.FileOpener
	if opener == nil {
		opener = LocalFileOpener{}
	}
	return &outdbResolver{
		mode:   cfg.OutDb,
		opener: opener,
		logger: logger,
		usable: make(map[string]usabilityRecord),
		open:   newFileLRU(openFileLimit),
	}
}

func (r *outdbResolver) close() {
	r.open.close()
}

// serverDecode decides whether a fetch should ask the store to
// materialize out-of-database bands. offdb reports whether the mosaic
// declares any; without them the flag is moot and decoding stays with
// the store's cheap path.
func (r *outdbResolver) serverDecode(ctx context.Context, backend gateway.Backend, src gateway.Source, band int, offdb bool) (bool, error) {
	if !offdb {
		return false, nil
	}
	switch r.mode {
	case OutDbServerSide:
		return true, nil
	case OutDbClientSide:
		return false, nil
	}

	usable, err := r.canReadDirectly(ctx, backend, src, band)
	if err != nil {
		return false, err
	}
	if !usable {
		r.logger.Debug("out-of-database bands fall back to server-side decoding",
			zap.String("source", src.String()), zap.Int("band", band))
		return true, nil
	}
	return false, nil
}

// canReadDirectly reports whether every file the fetch would touch is
// readable on this side. One unusable file fails the whole set; the
// fetch then decodes server-side as a unit.
func (r *outdbResolver) canReadDirectly(ctx context.Context, backend gateway.Backend, src gateway.Source, band int) (bool, error) {
	fingerprints, err := backend.OutDbFingerprints(ctx, src, band)
	if err != nil {
		return false, err
	}
	ok := true
	for _, fp := range fingerprints {
		rec, cached := r.usable[fp.Path]
		if cached && fp.HasInfo && rec.fp.HasInfo &&
			(rec.fp.Size != fp.Size || rec.fp.ModTime != fp.ModTime) {
			// the store sees a different file than when probed
			r.logger.Info("out-of-database file changed; probing again",
				zap.String("path", fp.Path),
				zap.Int64("size", fp.Size), zap.Int64("probed_size", rec.fp.Size))
			r.open.evict(fp.Path)
			cached = false
		}
		if !cached {
			rec = usabilityRecord{usable: r.probe(fp), fp: fp}
			r.usable[fp.Path] = rec
		}
		if !rec.usable {
			ok = false
		}
	}
	return ok, nil
}

// probe checks one file: fingerprint agreement when both sides report
// one, then a real open.
func (r *outdbResolver) probe(fp gateway.FileFingerprint) bool {
	if fp.HasInfo {
		if st, ok := r.opener.(FileStater); ok {
			size, modTime, err := st.Stat(fp.Path)
			if err != nil {
				r.logger.Info("out-of-database file not visible here",
					zap.String("path", fp.Path), zap.Error(err))
				return false
			}
			if size != fp.Size || modTime != fp.ModTime {
				r.logger.Info("out-of-database file differs from the store's view",
					zap.String("path", fp.Path),
					zap.Int64("size", size), zap.Int64("store_size", fp.Size),
					zap.Int64("mtime", modTime), zap.Int64("store_mtime", fp.ModTime))
				return false
			}
		}
	}
	f, err := r.opener.Open(fp.Path)
	if err != nil {
		r.logger.Info("out-of-database file not readable here",
			zap.String("path", fp.Path), zap.Error(err))
		return false
	}
	r.open.put(fp.Path, f)
	return true
}

// file returns an open reader for path, reusing a cached handle.
func (r *outdbResolver) file(path string) (FileReader, error) {
	if f, ok := r.open.get(path); ok {
		return f, nil
	}
	f, err := r.opener.Open(path)
	if err != nil {
		return nil, err
	}
	r.open.put(path, f)
	return f, nil
}

// resolveBand reads the samples an out-of-database band reference
// stands for. The tile's georeferenced corners are rounded into the
// remote file's grid; a footprint falling outside the file fails the
// read.
func (r *outdbResolver) resolveBand(b *rasterwkb.Band, meta *gateway.TileMetadata) ([]byte, error) {
	f, err := r.file(b.Path)
	if err != nil {
		return nil, fmt.Errorf("out-of-database band %d: %v", b.BandNumber, err)
	}
	g := f.Geometry()
	if g.ScaleX == 0 || g.ScaleY == 0 {
		return nil, fmt.Errorf("out-of-database file %s declares a zero pixel size", b.Path)
	}

	x0 := int(math.Round((meta.UpperLeftX - g.OriginX) / g.ScaleX))
	y0 := int(math.Round((meta.UpperLeftY - g.OriginY) / g.ScaleY))
	x1 := int(math.Round((meta.UpperLeftX + float64(meta.Width)*meta.ScaleX - g.OriginX) / g.ScaleX))
	y1 := int(math.Round((meta.UpperLeftY + float64(meta.Height)*meta.ScaleY - g.OriginY) / g.ScaleY))
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}
	if x0 < 0 || y0 < 0 || x1 > g.Width || y1 > g.Height {
		return nil, fmt.Errorf("tile footprint maps to window (%d,%d)-(%d,%d) of %dx%d file %s: %w",
			x0, y0, x1, y1, g.Width, g.Height, b.Path, ErrWindowOutOfBounds)
	}
	if x1-x0 != meta.Width || y1-y0 != meta.Height {
		return nil, fmt.Errorf("tile maps to %dx%d pixels of file %s, tile is %dx%d",
			x1-x0, y1-y0, b.Path, meta.Width, meta.Height)
	}
	if b.BandNumber < 1 || b.BandNumber > g.Bands {
		return nil, fmt.Errorf("band %d referenced, file %s has %d", b.BandNumber, b.Path, g.Bands)
	}
	return f.ReadWindow(b.BandNumber, x0, y0, x1-x0, y1-y0)
}

// fileLRU keeps the most recently used open files, closing the
// least recent past the limit.
type fileLRU struct {
	limit int
	order []string // most recent first
	files map[string]FileReader
}

func newFileLRU(limit int) *fileLRU {
	return &fileLRU{limit: limit, files: make(map[string]FileReader)}
}

func (l *fileLRU) get(path string) (FileReader, bool) {
	f, ok := l.files[path]
	if ok {
		l.touch(path)
	}
	return f, ok
}

func (l *fileLRU) put(path string, f FileReader) {
	if old, ok := l.files[path]; ok {
		if old != f {
			old.Close()
		}
		l.files[path] = f
		l.touch(path)
		return
	}
	l.files[path] = f
	l.order = append([]string{path}, l.order...)
	for len(l.order) > l.limit {
		last := l.order[len(l.order)-1]
		l.order = l.order[:len(l.order)-1]
		l.files[last].Close()
		delete(l.files, last)
	}
}

func (l *fileLRU) evict(path string) {
	f, ok := l.files[path]
	if !ok {
		return
	}
	f.Close()
	delete(l.files, path)
	for i, p := range l.order {
		if p == path {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *fileLRU) touch(path string) {
	for i, p := range l.order {
		if p == path {
			copy(l.order[1:i+1], l.order[:i])
			l.order[0] = path
			return
		}
	}
}

func (l *fileLRU) close() {
	for _, f := range l.files {
		f.Close()
	}
	l.files = make(map[string]FileReader)
	l.order = nil
}
