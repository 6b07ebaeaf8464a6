package main

/* mosaic-info opens a PostGIS raster source and prints the resolved
   mosaic as a JSON report: grid geometry, dimensions, reference
   system, bands, tile count and registered overviews. Without a
   table argument it lists every raster column the store advertises.
   A jet template can replace the JSON output for custom reports. */

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/CloudyKit/jet"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh/terminal"
	"golang.org/x/net/context"

	pgmosaic "github.com/nci/pgmosaic"
	"github.com/nci/pgmosaic/gateway"
)

var (
	host           = flag.String("host", "localhost", "Database server host.")
	port           = flag.Int("port", 5432, "Database server port.")
	dbname         = flag.String("dbname", "", "Database name.")
	user           = flag.String("user", "", "Database user.")
	password       = flag.String("password", "", "Database password.")
	promptPassword = flag.Bool("W", false, "Prompt for the database password without echo.")
	sslmode        = flag.String("sslmode", "disable", "Connection sslmode [disable, require, verify-ca, verify-full].")

	schema = flag.String("schema", "public", "Schema of the raster table.")
	table  = flag.String("table", "", "Raster table to open. Empty lists the store's raster columns.")
	column = flag.String("column", "rast", "Raster column of the table.")
	where  = flag.String("where", "", "Row predicate restricting the tiles.")

	confPath = flag.String("conf", "", "YAML config file supplying the base settings.")
	policy   = flag.String("policy", "", "Resolution policy [average, average-approx, highest, lowest, user].")
	scaleX   = flag.Float64("scale_x", 0, "Pixel width under the user resolution policy.")
	scaleY   = flag.Float64("scale_y", 0, "Pixel height under the user resolution policy, negative for top-down grids.")
	outdb    = flag.String("outdb", "", "Out-of-database band strategy [server-side, client-side, auto].")
	single   = flag.Bool("single", false, "Composite a multi-tile source into one mosaic instead of listing subsets.")
	clipPath = flag.String("clip", "", "GeoJSON file restricting discovery to intersecting tiles.")
	memcache = flag.String("memcache", "", "Comma-separated memcached servers fronting catalog lookups.")

	templatePath = flag.String("template", "", "Jet template rendering the report instead of JSON.")
	withSRS      = flag.Bool("srs", false, "Include the spatial reference WKT definition in the report.")
	verbose      = flag.Bool("v", false, "Verbose mode for resolver and loader diagnostics.")
)

func ensure(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

type sourceReport struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Column string `json:"column"`
	Where  string `json:"where,omitempty"`
}

type extentReport struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

type bandReport struct {
	Band      int      `json:"band"`
	PixelType string   `json:"pixel_type"`
	NoData    *float64 `json:"nodata,omitempty"`
	OutDb     bool     `json:"outdb,omitempty"`
}

type overviewReport struct {
	Factor int `json:"factor"`
	Width  int `json:"width"`
	Height int `json:"height"`
	Tiles  int `json:"tiles"`
}

type mosaicReport struct {
	Source    sourceReport     `json:"source"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`
	OriginX   float64          `json:"origin_x"`
	OriginY   float64          `json:"origin_y"`
	ScaleX    float64          `json:"scale_x"`
	ScaleY    float64          `json:"scale_y"`
	SRID      int              `json:"srid"`
	SRS       string           `json:"srs,omitempty"`
	Extent    extentReport     `json:"extent"`
	Tiles     int              `json:"tiles"`
	TileW     int              `json:"tile_width,omitempty"`
	TileH     int              `json:"tile_height,omitempty"`
	Aligned   bool             `json:"aligned"`
	Bands     []bandReport     `json:"bands,omitempty"`
	Overviews []overviewReport `json:"overviews,omitempty"`
	Subsets   []sourceReport   `json:"subsets,omitempty"`
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	if *verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	ensure(err)
	return logger
}

func dataSourceName() string {
	parts := []string{
		fmt.Sprintf("host=%s port=%d sslmode=%s", *host, *port, *sslmode),
	}
	if *dbname != "" {
		parts = append(parts, "dbname="+*dbname)
	}
	if *user != "" {
		parts = append(parts, "user="+*user)
	}
	if *password != "" {
		parts = append(parts, "password="+*password)
	}
	return strings.Join(parts, " ")
}

func loadConfig() *pgmosaic.Config {
	cfg := &pgmosaic.Config{}
	if *confPath != "" {
		var err error
		cfg, err = pgmosaic.LoadConfig(*confPath)
		ensure(err)
	}
	if *policy != "" {
		cfg.Policy = pgmosaic.ResolutionPolicy(*policy)
	}
	if *scaleX != 0 {
		cfg.UserScaleX = *scaleX
	}
	if *scaleY != 0 {
		cfg.UserScaleY = *scaleY
	}
	if *outdb != "" {
		cfg.OutDb = pgmosaic.OutDbMode(*outdb)
	}
	if *single {
		cfg.SingleMosaic = true
	}
	if *clipPath != "" {
		data, err := ioutil.ReadFile(*clipPath)
		ensure(err)
		cfg.ClipGeoJSON = string(data)
	}
	if *memcache != "" {
		cfg.Memcached = strings.Split(*memcache, ",")
	}
	return cfg
}

func toSourceReport(src gateway.Source) sourceReport {
	return sourceReport{
		Schema: src.Schema,
		Table:  src.Table,
		Column: src.Column,
		Where:  src.Where,
	}
}

func buildReport(ctx context.Context, m *pgmosaic.Mosaic) *mosaicReport {
	width, height := m.Size()
	geo := m.Geometry()
	ext := m.Extent()

	report := &mosaicReport{
		Source:  toSourceReport(m.Source()),
		Width:   width,
		Height:  height,
		OriginX: geo.OriginX,
		OriginY: geo.OriginY,
		ScaleX:  geo.ScaleX,
		ScaleY:  geo.ScaleY,
		SRID:    m.SRID(),
		Extent:  extentReport{MinX: ext.MinX, MinY: ext.MinY, MaxX: ext.MaxX, MaxY: ext.MaxY},
		Tiles:   m.TileCount(),
	}
	report.TileW, report.TileH, report.Aligned = m.TileLayout()

	for _, src := range m.Subsets() {
		report.Subsets = append(report.Subsets, toSourceReport(src))
	}
	if len(report.Subsets) > 0 {
		return report
	}

	for i, b := range m.Bands() {
		br := bandReport{Band: i + 1, PixelType: string(b.PixelType), OutDb: b.OffDB}
		if b.HasNoData {
			nodata := b.NoData
			br.NoData = &nodata
		}
		report.Bands = append(report.Bands, br)
	}

	if *withSRS {
		srs, err := m.SpatialRefText(ctx)
		ensure(err)
		report.SRS = srs
	}

	overviews, err := m.Overviews(ctx)
	ensure(err)
	for _, ovr := range overviews {
		w, h := ovr.Size()
		report.Overviews = append(report.Overviews, overviewReport{
			Factor: ovr.OverviewFactor(),
			Width:  w,
			Height: h,
			Tiles:  ovr.TileCount(),
		})
	}
	return report
}

func renderTemplate(path string, report *mosaicReport) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	view := jet.NewSet(jet.SafeWriter(func(w io.Writer, b []byte) {
		w.Write(b)
	}), filepath.Dir(abs), "/")
	tpl, err := view.GetTemplate(filepath.Base(abs))
	if err != nil {
		return err
	}
	vars := make(jet.VarMap)
	return tpl.Execute(os.Stdout, vars, report)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	ensure(err)
	fmt.Println(string(out))
}

func main() {
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	if *promptPassword {
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		ensure(err)
		*password = string(pw)
	}

	db, err := sql.Open("postgres", dataSourceName())
	ensure(err)
	defer db.Close()

	ctx := context.Background()
	ensure(db.PingContext(ctx))

	backend := gateway.NewPostgresBackend(db, logger)

	if *table == "" {
		sources, err := backend.ListRasterSources(ctx)
		ensure(err)
		listing := make([]sourceReport, 0, len(sources))
		for _, src := range sources {
			listing = append(listing, toSourceReport(src))
		}
		printJSON(listing)
		return
	}

	cfg := loadConfig()
	cfg.Logger = logger

	src := gateway.Source{Schema: *schema, Table: *table, Column: *column, Where: *where}
	m, err := pgmosaic.Open(ctx, backend, src, *cfg)
	ensure(err)
	defer m.Close()

	report := buildReport(ctx, m)

	if *templatePath != "" {
		ensure(renderTemplate(*templatePath, report))
		return
	}
	printJSON(report)
}
