package main

/* accept runs live acceptance checks against a PostGIS raster store:
   it opens a mosaic, samples pixel windows across the raster and
   walks the registered overview levels, reporting Passed/Failed per
   check. Intended for validating a freshly ingested store before
   pointing readers at it. */

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh/terminal"
	"golang.org/x/net/context"

	pgmosaic "github.com/nci/pgmosaic"
	"github.com/nci/pgmosaic/gateway"
)

var passed string = "Passed"
var failed string = "Failed"

func inRed(str string) string {
	return fmt.Sprintf("\x1b[31;1m%s\x1b[0m", str)
}

func inGreen(str string) string {
	return fmt.Sprintf("\x1b[32;1m%s\x1b[0m", str)
}

func OpenCheck(m *pgmosaic.Mosaic) bool {
	if len(m.Subsets()) > 0 {
		return true
	}
	width, height := m.Size()
	return width > 0 && height > 0 && len(m.Bands()) > 0
}

func ReadCheck(ctx context.Context, m *pgmosaic.Mosaic, samples int) (bool, time.Duration) {
	start := time.Now()
	width, height := m.Size()
	if width == 0 || height == 0 {
		return false, time.Since(start)
	}

	xSize, ySize := width, height
	if xSize > 256 {
		xSize = 256
	}
	if ySize > 256 {
		ySize = 256
	}

	for i := 0; i < samples; i++ {
		xOff := rand.Intn(width - xSize + 1)
		yOff := rand.Intn(height - ySize + 1)
		band := 1 + rand.Intn(len(m.Bands()))

		buf, err := m.ReadWindow(ctx, band, xOff, yOff, xSize, ySize)
		if err != nil {
			log.Printf("read window (%d,%d %dx%d) band %d: %v", xOff, yOff, xSize, ySize, band, err)
			return false, time.Since(start)
		}
		if want := xSize * ySize * m.Bands()[band-1].PixelType.Size(); len(buf) != want {
			log.Printf("read window returned %d bytes, want %d", len(buf), want)
			return false, time.Since(start)
		}
	}
	return true, time.Since(start)
}

func OverviewCheck(ctx context.Context, m *pgmosaic.Mosaic) (bool, time.Duration) {
	start := time.Now()
	overviews, err := m.Overviews(ctx)
	if err != nil {
		log.Printf("overviews: %v", err)
		return false, time.Since(start)
	}

	for _, ovr := range overviews {
		width, height := ovr.Size()
		xSize, ySize := width, height
		if xSize > 64 {
			xSize = 64
		}
		if ySize > 64 {
			ySize = 64
		}
		if _, err := ovr.ReadWindow(ctx, 1, 0, 0, xSize, ySize); err != nil {
			log.Printf("overview factor %d read: %v", ovr.OverviewFactor(), err)
			return false, time.Since(start)
		}
	}
	return true, time.Since(start)
}

func main() {
	host := flag.String("h", "localhost", "Database server host")
	port := flag.Int("p", 5432, "Database server port")
	dbname := flag.String("d", "", "Database name")
	user := flag.String("U", "", "Database user")
	password := flag.String("password", "", "Database password")
	sslmode := flag.String("sslmode", "disable", "Connection sslmode")
	schema := flag.String("schema", "public", "Schema of the raster table")
	table := flag.String("table", "", "Raster table to check")
	column := flag.String("column", "rast", "Raster column of the table")
	where := flag.String("where", "", "Row predicate restricting the tiles")
	suite := flag.String("s", "all", "Check suite [open, read, ovr, all]")
	samples := flag.Int("n", 20, "Number of sampled read windows")
	flag.Parse()

	if *table == "" {
		log.Fatal("Please provide a raster table with -table")
	}

	if terminal.IsTerminal(int(os.Stdout.Fd())) {
		passed = inGreen(passed)
		failed = inRed(failed)
	}

	rand.Seed(time.Now().UnixNano())

	dsn := fmt.Sprintf("host=%s port=%d sslmode=%s", *host, *port, *sslmode)
	if *dbname != "" {
		dsn += " dbname=" + *dbname
	}
	if *user != "" {
		dsn += " user=" + *user
	}
	if *password != "" {
		dsn += " password=" + *password
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	backend := gateway.NewPostgresBackend(db, zap.NewNop())
	src := gateway.Source{Schema: *schema, Table: *table, Column: *column, Where: *where}

	fmt.Printf("Testing mosaic open %s: ", src)
	m, err := pgmosaic.Open(ctx, backend, src, pgmosaic.Config{SingleMosaic: true})
	if err != nil {
		fmt.Println(failed, err)
		os.Exit(1)
	}
	defer m.Close()
	if !OpenCheck(m) {
		fmt.Println(failed)
		os.Exit(1)
	}
	fmt.Println(passed)

	var t time.Duration
	var ok bool

	switch *suite {
	case "open":
	case "read":
		fmt.Printf("Testing %d window reads: ", *samples)
		if ok, t = ReadCheck(ctx, m, *samples); !ok {
			fmt.Println(failed)
			os.Exit(1)
		}
		fmt.Println(passed, t)
	case "ovr":
		fmt.Printf("Testing overview reads: ")
		if ok, t = OverviewCheck(ctx, m); !ok {
			fmt.Println(failed)
			os.Exit(1)
		}
		fmt.Println(passed, t)
	case "all":
		fmt.Printf("Testing %d window reads: ", *samples)
		if ok, t = ReadCheck(ctx, m, *samples); !ok {
			fmt.Println(failed)
			os.Exit(1)
		}
		fmt.Println(passed, t)

		fmt.Printf("Testing overview reads: ")
		if ok, t = OverviewCheck(ctx, m); !ok {
			fmt.Println(failed)
			os.Exit(1)
		}
		fmt.Println(passed, t)
	default:
		log.Fatalf("unknown suite %q", *suite)
	}
}
