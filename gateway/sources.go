package gateway

import (
	"fmt"

	"github.com/lib/pq"
	"golang.org/x/net/context"
)

// TileSubsetSource narrows src to the single tile row carrying id in
// keyColumn. The generated predicate uses the store's SQL dialect.
func TileSubsetSource(src Source, keyColumn, id string) Source {
	pred := fmt.Sprintf("%s::text = %s", pq.QuoteIdentifier(keyColumn), pq.QuoteLiteral(id))
	if src.Where != "" {
		pred = "(" + src.Where + ") and " + pred
	}
	return Source{
		Schema: src.Schema,
		Table:  src.Table,
		Column: src.Column,
		Where:  pred,
	}
}

// ListTileSubsets enumerates one source per tile row, each restricted
// to that row by the source's key column, so callers can open every
// tile as its own mosaic. Fails when the source has no key column.
func ListTileSubsets(ctx context.Context, b Backend, src Source) ([]Source, error) {
	caps, err := b.SourceCapabilities(ctx, src)
	if err != nil {
		return nil, err
	}
	if caps.PrimaryKey == "" {
		return nil, fmt.Errorf("tile subsets of %s: source has no key column", src)
	}

	rows, err := b.FetchTiles(ctx, src, FetchRequest{})
	if err != nil {
		return nil, err
	}

	out := make([]Source, 0, len(rows))
	for _, row := range rows {
		out = append(out, TileSubsetSource(src, caps.PrimaryKey, row.ID))
	}
	return out, nil
}
