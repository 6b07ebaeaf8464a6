package pgmosaic

import (
	"fmt"
	"io/ioutil"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// ResolutionPolicy selects how differing per-tile pixel sizes combine
// into the mosaic's single pixel size.
type ResolutionPolicy string

const (
	// ResolutionAverage averages every tile's pixel size.
	ResolutionAverage ResolutionPolicy = "average"
	// ResolutionAverageApprox averages a sample of at most ten tiles
	// through one aggregate query instead of scanning every tile.
	ResolutionAverageApprox ResolutionPolicy = "average-approx"
	// ResolutionHighest keeps the finest pixel size seen.
	ResolutionHighest ResolutionPolicy = "highest"
	// ResolutionLowest keeps the coarsest pixel size seen.
	ResolutionLowest ResolutionPolicy = "lowest"
	// ResolutionUser takes the pixel size from UserScaleX/UserScaleY.
	ResolutionUser ResolutionPolicy = "user"
)

// OutDbMode selects how out-of-database bands resolve to pixels.
type OutDbMode string

const (
	// OutDbServerSide asks the backing store to materialize remote
	// bands inside the fetched payload.
	OutDbServerSide OutDbMode = "server-side"
	// OutDbClientSide always reads remote files directly.
	OutDbClientSide OutDbMode = "client-side"
	// OutDbAuto probes each remote file once and reads it directly
	// when usable, falling back to server-side decoding otherwise.
	OutDbAuto OutDbMode = "auto"
)

// DefaultMinFetchPixels is the smallest pixel area one incremental
// fetch queries for; requests below it are widened before hitting the
// backing store.
const DefaultMinFetchPixels = 10 * 1024 * 1024

// DefaultCacheBudget bounds the bytes of decoded tile samples one
// mosaic keeps across requests.
const DefaultCacheBudget = 64 * 1024 * 1024

// Config carries every behavior switch of a mosaic. The zero value is
// usable: missing fields take defaults at Open time.
type Config struct {
	// Policy reconciles differing tile pixel sizes.
	Policy ResolutionPolicy `yaml:"resolution_policy"`

	// UserScaleX and UserScaleY supply the pixel size under the user
	// policy. UserScaleY follows the store convention: negative for
	// top-down grids.
	UserScaleX float64 `yaml:"user_scale_x"`
	UserScaleY float64 `yaml:"user_scale_y"`

	// OutDb selects the out-of-database band strategy.
	OutDb OutDbMode `yaml:"outdb_resolution"`

	// DisallowFullScan forbids the whole-table metadata scan that
	// backs sources missing from the catalog.
	DisallowFullScan bool `yaml:"disallow_full_scan"`

	// SingleMosaic composites every tile into one raster even when the
	// source holds many tiles. Off, a multi-tile source opens as a
	// subset listing instead.
	SingleMosaic bool `yaml:"single_mosaic"`

	// MinFetchPixels widens small fetch windows so each query covers
	// at least this pixel area.
	MinFetchPixels int `yaml:"min_fetch_pixels"`

	// CacheBudget bounds bulk tile-sample caching, in bytes.
	CacheBudget int64 `yaml:"cache_budget"`

	// ForcePayload requests tile payloads on every fetch even when the
	// budget estimate would skip them.
	ForcePayload bool `yaml:"force_payload"`

	// ClipGeoJSON restricts the mosaic to tiles intersecting a GeoJSON
	// feature.
	ClipGeoJSON string `yaml:"clip_geojson"`

	// Memcached lists cache servers fronting the backend's catalog
	// lookups; empty disables the tier.
	Memcached      []string `yaml:"memcached"`
	MemcacheExpiry int32    `yaml:"memcache_expiry"`

	// Logger receives structured diagnostics; nil disables logging.
	Logger *zap.Logger `yaml:"-"`

	// FileOpener serves client-side out-of-database reads; nil selects
	// the flat-binary reader.
	FileOpener FileOpener `yaml:"-"`
}

func (c *Config) setDefaults() {
	if c.Policy == "" {
		c.Policy = ResolutionAverageApprox
	}
	if c.OutDb == "" {
		c.OutDb = OutDbServerSide
	}
	if c.MinFetchPixels == 0 {
		c.MinFetchPixels = DefaultMinFetchPixels
	}
	if c.CacheBudget == 0 {
		c.CacheBudget = DefaultCacheBudget
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate rejects contradictory settings. Open calls it after
// defaulting; explicit callers may validate earlier.
func (c *Config) Validate() error {
	switch c.Policy {
	case ResolutionAverage, ResolutionAverageApprox, ResolutionHighest, ResolutionLowest:
	case ResolutionUser:
		if c.UserScaleX <= 0 || c.UserScaleY == 0 {
			return fmt.Errorf("user resolution policy needs positive user_scale_x and non-zero user_scale_y, have (%v, %v)",
				c.UserScaleX, c.UserScaleY)
		}
	case "":
	default:
		return fmt.Errorf("unknown resolution policy %q", c.Policy)
	}

	switch c.OutDb {
	case OutDbServerSide, OutDbClientSide, OutDbAuto, "":
	default:
		return fmt.Errorf("unknown outdb resolution mode %q", c.OutDb)
	}

	if c.MinFetchPixels < 0 {
		return fmt.Errorf("min_fetch_pixels must not be negative, have %d", c.MinFetchPixels)
	}
	if c.CacheBudget < 0 {
		return fmt.Errorf("cache_budget must not be negative, have %d", c.CacheBudget)
	}
	return nil
}

// LoadConfig reads a YAML config file, applies defaults and validates.
func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return &cfg, nil
}
