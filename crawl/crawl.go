package main

/* crawl enumerates the flat-binary rasters under a directory tree and
   prints one JSON record per raster, the form consumed when
   registering out-of-database files against a raster store. A single
   file argument prints just that file's record. */

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	extr "github.com/nci/pgmosaic/crawl/extractor"
)

var (
	conc    = flag.Int("n", 4, "Concurrency level of the directory walk.")
	pattern = flag.String("pattern", "", "Filter expression over the variables path and type, e.g. type == 'f' && path =~ 'lsat8'.")
	format  = flag.String("fmt", "json", "Output format [json, tsv].")
)

func ensure(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("Please provide a path to a raster file or directory, or '-' for reading the path from stdin")
	}

	path := flag.Arg(0)
	if path == "-" {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Scan()
		path = scanner.Text()
	}

	fStat, err := os.Stat(path)
	ensure(err)

	if !fStat.IsDir() {
		info, err := extr.ExtractRasterInfo(path)
		ensure(err)

		out, err := json.Marshal(info)
		ensure(err)

		fmt.Println(string(out))
		return
	}

	expr, err := extr.ParsePatternExpression(*pattern)
	ensure(err)

	crawler := extr.NewCrawler(*conc, expr, *format)
	ensure(crawler.Crawl(path))
}
