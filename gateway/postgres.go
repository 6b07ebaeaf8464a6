// Tile catalog gateway
// Copyright (c) 2017, NCI, Australian National University.

package gateway

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/net/context"

	"github.com/nci/pgmosaic/rasterwkb"
)

// PostgresBackend serves Backend queries from a PostGIS database. It
// holds no connection state of its own beyond the *sql.DB handed in;
// pooling, authentication and timeouts are the caller's concern.
type PostgresBackend struct {
	db     *sql.DB
	logger *zap.Logger
	caps   map[string]*Capabilities
}

// NewPostgresBackend wraps an open database handle. A nil logger
// disables logging.
func NewPostgresBackend(db *sql.DB, logger *zap.Logger) *PostgresBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresBackend{
		db:     db,
		logger: logger,
		caps:   make(map[string]*Capabilities),
	}
}

func (b *PostgresBackend) relation(src Source) string {
	return pq.QuoteIdentifier(src.Schema) + "." + pq.QuoteIdentifier(src.Table)
}

func whereClause(where string) string {
	if strings.TrimSpace(where) == "" {
		return ""
	}
	return " where " + where
}

// polygonWKT renders the query window as a closed polygon ring for the
// store's geometry intersection operator.
func polygonWKT(w Window) string {
	return fmt.Sprintf("POLYGON((%.18f %.18f,%.18f %.18f,%.18f %.18f,%.18f %.18f,%.18f %.18f))",
		w.MinX, w.MinY, w.MaxX, w.MinY, w.MaxX, w.MaxY, w.MinX, w.MaxY, w.MinX, w.MinY)
}

func spatialFilter(column string, w Window) string {
	return fmt.Sprintf("%s && st_geomfromtext('%s')", pq.QuoteIdentifier(column), polygonWKT(w))
}

func (b *PostgresBackend) ResolveCatalogMetadata(ctx context.Context, src Source) (*CatalogEntry, error) {
	const q = `select srid, num_bands,
		st_xmin(extent), st_ymin(extent), st_xmax(extent), st_ymax(extent),
		scale_x, scale_y, blocksize_x, blocksize_y,
		same_alignment, regular_blocking
	from raster_columns
	where r_table_schema = $1 and r_table_name = $2 and r_raster_column = $3`

	var (
		srid, numBands                 sql.NullInt64
		xmin, ymin, xmax, ymax         sql.NullFloat64
		scaleX, scaleY                 sql.NullFloat64
		blockW, blockH                 sql.NullInt64
		sameAlignment, regularBlocking sql.NullBool
	)
	err := b.db.QueryRowContext(ctx, q, src.Schema, src.Table, src.Column).Scan(
		&srid, &numBands, &xmin, &ymin, &xmax, &ymax,
		&scaleX, &scaleY, &blockW, &blockH, &sameAlignment, &regularBlocking)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog metadata for %s: %w", src, err)
	}

	entry := &CatalogEntry{
		SRID:            int(srid.Int64),
		NumBands:        int(numBands.Int64),
		SameAlignment:   sameAlignment.Bool,
		RegularBlocking: regularBlocking.Bool,
	}
	if xmin.Valid && ymin.Valid && xmax.Valid && ymax.Valid {
		entry.Extent = Window{MinX: xmin.Float64, MinY: ymin.Float64, MaxX: xmax.Float64, MaxY: ymax.Float64}
		entry.HasExtent = true
	}
	if scaleX.Valid && scaleY.Valid {
		entry.ScaleX = scaleX.Float64
		entry.ScaleY = scaleY.Float64
		entry.HasScale = true
	}
	if blockW.Valid && blockH.Valid {
		entry.TileWidth = int(blockW.Int64)
		entry.TileHeight = int(blockH.Int64)
	}
	return entry, nil
}

func (b *PostgresBackend) ScanFullMetadata(ctx context.Context, src Source) ([]ScanEntry, error) {
	col := pq.QuoteIdentifier(src.Column)
	inner := fmt.Sprintf(
		"select st_srid(%s) srid, st_extent(%s::geometry) geom, max(st_numbands(%s)) nbband, avg(st_scalex(%s)) scale_x, avg(st_scaley(%s)) scale_y from %s%s group by st_srid(%s)",
		col, col, col, col, col, b.relation(src), whereClause(src.Where), col)
	q := fmt.Sprintf(
		"select srid, nbband, st_xmin(geom), st_ymin(geom), st_xmax(geom), st_ymax(geom), scale_x, scale_y from (%s) foo",
		inner)
	b.logger.Debug("scan full metadata", zap.String("sql", q))

	rows, err := b.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("full metadata scan of %s: %w", src, err)
	}
	defer rows.Close()

	var out []ScanEntry
	for rows.Next() {
		var e ScanEntry
		var xmin, ymin, xmax, ymax, sx, sy sql.NullFloat64
		if err := rows.Scan(&e.SRID, &e.NumBands, &xmin, &ymin, &xmax, &ymax, &sx, &sy); err != nil {
			return nil, fmt.Errorf("full metadata scan of %s: %w", src, err)
		}
		e.Extent = Window{MinX: xmin.Float64, MinY: ymin.Float64, MaxX: xmax.Float64, MaxY: ymax.Float64}
		e.ScaleX = sx.Float64
		e.ScaleY = sy.Float64
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) FindTileIDs(ctx context.Context, src Source, window Window) ([]string, error) {
	caps, err := b.SourceCapabilities(ctx, src)
	if err != nil {
		return nil, err
	}
	if caps.PrimaryKey == "" {
		return nil, fmt.Errorf("find tile ids in %s: source has no key column", src)
	}

	conds := []string{spatialFilter(src.Column, window)}
	if strings.TrimSpace(src.Where) != "" {
		conds = append(conds, "("+src.Where+")")
	}
	q := fmt.Sprintf("select %s::text from %s where %s",
		pq.QuoteIdentifier(caps.PrimaryKey), b.relation(src), strings.Join(conds, " and "))
	b.logger.Debug("find tile ids", zap.String("sql", q))

	rows, err := b.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find tile ids in %s: %w", src, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("find tile ids in %s: %w", src, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *PostgresBackend) FetchTiles(ctx context.Context, src Source, req FetchRequest) ([]TileRow, error) {
	caps, err := b.SourceCapabilities(ctx, src)
	if err != nil {
		return nil, err
	}

	col := pq.QuoteIdentifier(src.Column)
	idExpr := "''"
	if caps.PrimaryKey != "" {
		idExpr = pq.QuoteIdentifier(caps.PrimaryKey) + "::text"
	}
	cols := []string{idExpr, fmt.Sprintf("st_metadata(%s)::text", col)}
	if req.WantPayload {
		payload := col
		if req.Band > 0 {
			payload = fmt.Sprintf("st_band(%s, %d)", col, req.Band)
		}
		outdb := "false"
		if req.ServerDecode {
			outdb = "true"
		}
		cols = append(cols, fmt.Sprintf("encode(st_asbinary(%s, %s), 'hex')", payload, outdb))
	}

	var conds []string
	if len(req.IDs) > 0 {
		if caps.PrimaryKey == "" {
			return nil, fmt.Errorf("fetch tiles from %s: id filter without a key column", src)
		}
		quoted := make([]string, len(req.IDs))
		for i, id := range req.IDs {
			quoted[i] = pq.QuoteLiteral(id)
		}
		conds = append(conds, fmt.Sprintf("%s::text in (%s)",
			pq.QuoteIdentifier(caps.PrimaryKey), strings.Join(quoted, ",")))
	} else if req.Window != nil {
		conds = append(conds, spatialFilter(src.Column, *req.Window))
	}
	if strings.TrimSpace(src.Where) != "" {
		conds = append(conds, "("+src.Where+")")
	}

	q := fmt.Sprintf("select %s from %s", strings.Join(cols, ", "), b.relation(src))
	if len(conds) > 0 {
		q += " where " + strings.Join(conds, " and ")
	}
	b.logger.Debug("fetch tiles", zap.String("sql", q), zap.Int("ids", len(req.IDs)))

	rows, err := b.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("fetch tiles from %s: %w", src, err)
	}
	defer rows.Close()

	var out []TileRow
	for rows.Next() {
		var row TileRow
		if req.WantPayload {
			var hexPayload sql.NullString
			if err := rows.Scan(&row.ID, &row.Metadata, &hexPayload); err != nil {
				return nil, fmt.Errorf("fetch tiles from %s: %w", src, err)
			}
			if hexPayload.Valid {
				raw, err := hex.DecodeString(hexPayload.String)
				if err != nil {
					return nil, fmt.Errorf("fetch tiles from %s: payload hex: %w", src, err)
				}
				row.Payload = raw
			}
		} else {
			if err := rows.Scan(&row.ID, &row.Metadata); err != nil {
				return nil, fmt.Errorf("fetch tiles from %s: %w", src, err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) ResolveBandMetadata(ctx context.Context, src Source, numBands int) ([]BandMetadata, error) {
	col := pq.QuoteIdentifier(src.Column)
	where := src.Where
	if strings.TrimSpace(where) == "" {
		where = "true"
	}
	q := fmt.Sprintf(
		"select st_bandmetadata(%s, band)::text from (select %s, generate_series(1, $1) band from (select %s from %s where (%s) and st_numbands(%s) = $1 limit 1) bar) foo",
		col, col, col, b.relation(src), where, col)
	b.logger.Debug("band metadata", zap.String("sql", q), zap.Int("bands", numBands))

	rows, err := b.db.QueryContext(ctx, q, numBands)
	if err != nil {
		return nil, fmt.Errorf("band metadata for %s: %w", src, err)
	}
	defer rows.Close()

	var out []BandMetadata
	for rows.Next() {
		var tuple string
		if err := rows.Scan(&tuple); err != nil {
			return nil, fmt.Errorf("band metadata for %s: %w", src, err)
		}
		bm, err := parseBandMetadata(tuple)
		if err != nil {
			return nil, fmt.Errorf("band metadata for %s: %w", src, err)
		}
		out = append(out, bm)
	}
	return out, rows.Err()
}

// parseBandMetadata parses "(pixeltype,nodatavalue,isoutdb,path)". The
// nodata token is empty or NULL when the band declares none; the path
// token may itself contain commas.
func parseBandMetadata(s string) (BandMetadata, error) {
	var bm BandMetadata
	t := strings.TrimSpace(s)
	if len(t) < 2 || t[0] != '(' || t[len(t)-1] != ')' {
		return bm, &TupleError{Field: "bandmetadata", Token: s}
	}
	tokens := strings.SplitN(t[1:len(t)-1], ",", 4)
	if len(tokens) < 3 {
		return bm, &TupleError{Field: "bandmetadata", Token: s}
	}

	ptype, err := rasterwkb.ParsePixelType(strings.TrimSpace(tokens[0]))
	if err != nil {
		return bm, &TupleError{Field: "pixeltype", Token: tokens[0], Err: err}
	}
	bm.PixelType = ptype

	nodata := strings.TrimSpace(tokens[1])
	if nodata != "" && !strings.EqualFold(nodata, "NULL") {
		v, err := parseFloatToken(nodata)
		if err != nil {
			return bm, &TupleError{Field: "nodatavalue", Token: tokens[1], Err: err}
		}
		bm.NoData = v
		bm.HasNoData = true
	}

	bm.OffDB = strings.TrimSpace(tokens[2]) == "t"
	return bm, nil
}

func (b *PostgresBackend) ResolveOverviews(ctx context.Context, src Source) ([]OverviewEntry, error) {
	const q = `select o_table_schema, o_table_name, o_raster_column, overview_factor
	from raster_overviews
	where r_table_schema = $1 and r_table_name = $2 and r_raster_column = $3
	order by overview_factor`

	rows, err := b.db.QueryContext(ctx, q, src.Schema, src.Table, src.Column)
	if err != nil {
		return nil, fmt.Errorf("overviews for %s: %w", src, err)
	}
	defer rows.Close()

	var out []OverviewEntry
	for rows.Next() {
		var e OverviewEntry
		if err := rows.Scan(&e.Schema, &e.Table, &e.Column, &e.Factor); err != nil {
			return nil, fmt.Errorf("overviews for %s: %w", src, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) ResolveSRSText(ctx context.Context, srid int) (string, error) {
	var srtext string
	err := b.db.QueryRowContext(ctx,
		"select srtext from spatial_ref_sys where srid = $1", srid).Scan(&srtext)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("srtext for srid %d: %w", srid, err)
	}
	return srtext, nil
}

func (b *PostgresBackend) SourceCapabilities(ctx context.Context, src Source) (*Capabilities, error) {
	key := src.Schema + "." + src.Table + "." + src.Column
	if caps, ok := b.caps[key]; ok {
		return caps, nil
	}

	caps := &Capabilities{}

	// Key column: a single-column primary key or unique constraint wins;
	// a sequence-backed column is the fallback.
	const pkQuery = `select a.attname
	from pg_constraint c
	join pg_class t on t.oid = c.conrelid
	join pg_namespace n on n.oid = t.relnamespace
	join pg_attribute a on a.attrelid = t.oid and a.attnum = c.conkey[1]
	where n.nspname = $1 and t.relname = $2
	  and (c.contype = 'p' or c.contype = 'u')
	  and array_length(c.conkey, 1) = 1
	limit 1`
	err := b.db.QueryRowContext(ctx, pkQuery, src.Schema, src.Table).Scan(&caps.PrimaryKey)
	if err == sql.ErrNoRows {
		const seqQuery = `select column_name from information_schema.columns
		where table_schema = $1 and table_name = $2 and column_default like 'nextval%'
		limit 1`
		err = b.db.QueryRowContext(ctx, seqQuery, src.Schema, src.Table).Scan(&caps.PrimaryKey)
		if err == sql.ErrNoRows {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("key column probe for %s: %w", src, err)
	}

	const gistQuery = `select count(*) from pg_indexes
	where schemaname = $1 and tablename = $2
	  and indexdef ilike '%using gist%' and indexdef ilike '%' || $3 || '%'`
	var gistCount int
	if err := b.db.QueryRowContext(ctx, gistQuery, src.Schema, src.Table, src.Column).Scan(&gistCount); err != nil {
		return nil, fmt.Errorf("spatial index probe for %s: %w", src, err)
	}
	caps.HasSpatialIndex = gistCount > 0

	var fileInfoCount int
	if err := b.db.QueryRowContext(ctx,
		"select count(*) from pg_proc where proname = 'st_bandfilesize'").Scan(&fileInfoCount); err != nil {
		return nil, fmt.Errorf("file info probe: %w", err)
	}
	caps.HasFileInfo = fileInfoCount > 0

	b.logger.Debug("source capabilities",
		zap.String("source", key),
		zap.String("key_column", caps.PrimaryKey),
		zap.Bool("spatial_index", caps.HasSpatialIndex),
		zap.Bool("file_info", caps.HasFileInfo))

	b.caps[key] = caps
	return caps, nil
}

func (b *PostgresBackend) SampleResolution(ctx context.Context, src Source, limit int) (float64, float64, error) {
	col := pq.QuoteIdentifier(src.Column)
	q := fmt.Sprintf(
		"select avg(scale_x), avg(scale_y) from (select st_scalex(%s) scale_x, st_scaley(%s) scale_y from %s%s limit $1) foo",
		col, col, b.relation(src), whereClause(src.Where))
	b.logger.Debug("sample resolution", zap.String("sql", q), zap.Int("limit", limit))

	var sx, sy sql.NullFloat64
	if err := b.db.QueryRowContext(ctx, q, limit).Scan(&sx, &sy); err != nil {
		return 0, 0, fmt.Errorf("sample resolution of %s: %w", src, err)
	}
	if !sx.Valid || !sy.Valid {
		return 0, 0, fmt.Errorf("sample resolution of %s: no tiles", src)
	}
	return sx.Float64, sy.Float64, nil
}

func (b *PostgresBackend) OutDbFingerprints(ctx context.Context, src Source, band int) ([]FileFingerprint, error) {
	caps, err := b.SourceCapabilities(ctx, src)
	if err != nil {
		return nil, err
	}
	col := pq.QuoteIdentifier(src.Column)

	pathCols := fmt.Sprintf("st_bandpath(%s, band)", col)
	if caps.HasFileInfo {
		pathCols += fmt.Sprintf(", st_bandfilesize(%s, band), st_bandfiletimestamp(%s, band)", col, col)
	}

	var from string
	if band > 0 {
		from = fmt.Sprintf("(select %s, %d band from %s%s) foo",
			col, band, b.relation(src), whereClause(src.Where))
	} else {
		from = fmt.Sprintf("(select %s, generate_series(1, st_numbands(%s)) band from %s%s) foo",
			col, col, b.relation(src), whereClause(src.Where))
	}
	q := fmt.Sprintf("select distinct %s from %s", pathCols, from)
	b.logger.Debug("out-of-db fingerprints", zap.String("sql", q))

	rows, err := b.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("out-of-db fingerprints of %s: %w", src, err)
	}
	defer rows.Close()

	var out []FileFingerprint
	for rows.Next() {
		var path sql.NullString
		var size, mtime sql.NullInt64
		if caps.HasFileInfo {
			err = rows.Scan(&path, &size, &mtime)
		} else {
			err = rows.Scan(&path)
		}
		if err != nil {
			return nil, fmt.Errorf("out-of-db fingerprints of %s: %w", src, err)
		}
		if !path.Valid || path.String == "" {
			continue
		}
		fp := FileFingerprint{Path: path.String}
		if caps.HasFileInfo && size.Valid && mtime.Valid {
			fp.Size = size.Int64
			fp.ModTime = mtime.Int64
			fp.HasInfo = true
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) ListRasterSources(ctx context.Context) ([]Source, error) {
	const q = `select r_table_schema, r_table_name, r_raster_column
	from raster_columns
	order by r_table_schema, r_table_name, r_raster_column`

	rows, err := b.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list raster sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var s Source
		if err := rows.Scan(&s.Schema, &s.Table, &s.Column); err != nil {
			return nil, fmt.Errorf("list raster sources: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
