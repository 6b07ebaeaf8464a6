package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
	geo "github.com/nci/geometry"
)

// ClipPredicate converts a GeoJSON document (a Feature or a
// FeatureCollection; the first feature wins) into a row predicate
// keeping only tiles that intersect the geometry, expressed in the
// source's reference system. An existing predicate is ANDed in.
func ClipPredicate(geoJSON []byte, column string, srid int, where string) (string, error) {
	var feat geo.Feature
	err := json.Unmarshal(geoJSON, &feat)
	if err != nil || feat.Geometry == nil {
		var featCol geo.FeatureCollection
		err = json.Unmarshal(geoJSON, &featCol)
		if err != nil || len(featCol.Features) == 0 || featCol.Features[0].Geometry == nil {
			return "", fmt.Errorf("problem unmarshalling GeoJSON object: %v", err)
		}
		feat = featCol.Features[0]
	}
	featWKT := feat.Geometry.MarshalWKT()

	pred := fmt.Sprintf("st_intersects(%s::geometry, st_geomfromtext(%s, %d))",
		pq.QuoteIdentifier(column), pq.QuoteLiteral(featWKT), srid)
	if strings.TrimSpace(where) != "" {
		pred = "(" + where + ") and " + pred
	}
	return pred, nil
}
