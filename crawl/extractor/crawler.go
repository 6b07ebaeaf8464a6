package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	goeval "github.com/edisonguo/govaluate"

	"github.com/nci/pgmosaic/rawfile"
)

const DefaultMaxCrawlErrors = 1000

// ParsePatternExpression compiles the crawl filter. The expression
// sees two variables: path, the candidate's absolute path, and type,
// "f" for regular files or "d" for directories. It gates both descent
// into directories and file selection; an empty pattern matches
// everything.
func ParsePatternExpression(pattern string) (*goeval.EvaluableExpression, error) {
	if len(strings.TrimSpace(pattern)) == 0 {
		return nil, nil
	}

	expr, err := goeval.NewEvaluableExpression(pattern)
	if err != nil {
		return nil, err
	}

	validVariables := map[string]struct{}{"path": struct{}{}, "type": struct{}{}}
	for _, token := range expr.Tokens() {
		if token.Kind == goeval.VARIABLE {
			varName, ok := token.Value.(string)
			if !ok {
				return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
			}
			if _, found := validVariables[varName]; !found {
				return nil, fmt.Errorf("variable %v is not supported. Valid variables are %v", varName, validVariables)
			}
		}
	}
	return expr, nil
}

// Crawler walks a directory tree and emits one record per
// flat-binary raster found. A raster is any regular file whose header
// sidecar resolves; files without a sidecar are skipped silently,
// rasters that fail to read are reported on the error channel.
type Crawler struct {
	Outputs chan *RasterInfo
	Error   chan error
	Out     io.Writer

	wg           sync.WaitGroup
	concLimit    chan struct{}
	outputDone   chan struct{}
	pattern      *goeval.EvaluableExpression
	outputFormat string
}

func NewCrawler(conc int, pattern *goeval.EvaluableExpression, outputFormat string) *Crawler {
	return &Crawler{
		Outputs:      make(chan *RasterInfo, 4096),
		Error:        make(chan error, 100),
		Out:          os.Stdout,
		concLimit:    make(chan struct{}, conc),
		outputDone:   make(chan struct{}, 1),
		pattern:      pattern,
		outputFormat: outputFormat,
	}
}

func (c *Crawler) Crawl(rootDir string) error {
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return err
	}

	go c.outputResult()

	c.wg.Add(1)
	c.concLimit <- struct{}{}
	c.crawlDir(absRoot, false)
	c.wg.Wait()

	close(c.Outputs)
	<-c.outputDone

	close(c.Error)
	var msgs []string
	errCount := 0
	for err := range c.Error {
		msgs = append(msgs, err.Error())
		errCount++
		if errCount >= DefaultMaxCrawlErrors {
			msgs = append(msgs, " ... too many errors")
			break
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("%s", strings.Join(msgs, "\n"))
	}
	return nil
}

func (c *Crawler) crawlDir(currPath string, serialised bool) {
	defer c.wg.Done()
	if !serialised {
		defer func() { <-c.concLimit }()
	}

	entries, err := ioutil.ReadDir(currPath)
	if err != nil {
		c.reportError(err)
		return
	}

	for _, entry := range entries {
		filePath := path.Join(currPath, entry.Name())

		if entry.IsDir() {
			if !c.matchPattern(filePath, "d") {
				continue
			}
			c.wg.Add(1)
			select {
			case c.concLimit <- struct{}{}:
				go func(p string) {
					c.crawlDir(p, false)
				}(filePath)
			default:
				c.crawlDir(filePath, true)
			}
			continue
		}

		if !entry.Mode().IsRegular() {
			continue
		}
		if strings.EqualFold(filepath.Ext(filePath), ".hdr") {
			continue
		}
		if !c.matchPattern(filePath, "f") {
			continue
		}

		info, err := ExtractRasterInfo(filePath)
		if err != nil {
			if !errors.Is(err, rawfile.ErrNoSidecar) {
				c.reportError(err)
			}
			continue
		}
		c.Outputs <- info
	}
}

func (c *Crawler) matchPattern(filePath, fileType string) bool {
	if c.pattern == nil {
		return true
	}

	parameters := map[string]interface{}{"type": fileType, "path": filePath}
	result, err := c.pattern.Evaluate(parameters)
	if err != nil {
		c.reportError(fmt.Errorf("pattern expression: %v", err))
		return false
	}

	val, ok := result.(bool)
	if !ok {
		c.reportError(fmt.Errorf("pattern expression: result '%v' is not boolean", result))
		return false
	}
	return val
}

func (c *Crawler) reportError(err error) {
	select {
	case c.Error <- err:
	default:
	}
}

func (c *Crawler) outputResult() {
	for info := range c.Outputs {
		out, _ := json.Marshal(info)
		rec := string(out)
		if c.outputFormat == "tsv" {
			rec = fmt.Sprintf("%s\traster\t%s", info.FilePath, rec)
		}
		fmt.Fprintln(c.Out, rec)
	}
	c.outputDone <- struct{}{}
}
