package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

// TupleError reports a malformed tile metadata tuple.
type TupleError struct {
	Field string
	Token string
	Err   error
}

func (e *TupleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("metadata tuple: field %s: %q: %v", e.Field, e.Token, e.Err)
	}
	return fmt.Sprintf("metadata tuple: field %s: %q", e.Field, e.Token)
}

func (e *TupleError) Unwrap() error { return e.Err }

// TileMetadata is the parsed form of the parenthesized metadata tuple
// the backing store reports for each tile.
type TileMetadata struct {
	UpperLeftX float64
	UpperLeftY float64
	ScaleX     float64
	ScaleY     float64
	SkewX      float64
	SkewY      float64
	Width      int
	Height     int
	SRID       int
	NumBands   int
}

var tupleFields = [...]string{
	"upperleftx", "upperlefty", "scalex", "scaley", "skewx", "skewy",
	"width", "height", "srid", "numbands",
}

// parseFloatToken parses one numeric token of a composite tuple. The
// store's text output may quote a field or spell special values as
// Infinity/-Infinity/NaN; strconv accepts those spellings directly once
// the quotes are stripped.
func parseFloatToken(s string) (float64, error) {
	t := strings.TrimSpace(s)
	if len(t) >= 2 && t[0] == '"' && t[len(t)-1] == '"' {
		t = t[1 : len(t)-1]
	}
	return strconv.ParseFloat(t, 64)
}

// ParseTileMetadata parses the text form
// "(upperleftx,upperlefty,scalex,scaley,skewx,skewy,width,height,srid,numbands)".
func ParseTileMetadata(s string) (*TileMetadata, error) {
	t := strings.TrimSpace(s)
	if len(t) < 2 || t[0] != '(' || t[len(t)-1] != ')' {
		return nil, &TupleError{Field: "tuple", Token: s}
	}
	tokens := strings.Split(t[1:len(t)-1], ",")
	if len(tokens) != len(tupleFields) {
		return nil, &TupleError{
			Field: "tuple",
			Token: s,
			Err:   fmt.Errorf("want %d fields, have %d", len(tupleFields), len(tokens)),
		}
	}

	var vals [6]float64
	for i := 0; i < 6; i++ {
		v, err := parseFloatToken(tokens[i])
		if err != nil {
			return nil, &TupleError{Field: tupleFields[i], Token: tokens[i], Err: err}
		}
		vals[i] = v
	}
	var ints [4]int
	for i := 0; i < 4; i++ {
		v, err := strconv.Atoi(strings.TrimSpace(tokens[6+i]))
		if err != nil {
			return nil, &TupleError{Field: tupleFields[6+i], Token: tokens[6+i], Err: err}
		}
		ints[i] = v
	}

	return &TileMetadata{
		UpperLeftX: vals[0],
		UpperLeftY: vals[1],
		ScaleX:     vals[2],
		ScaleY:     vals[3],
		SkewX:      vals[4],
		SkewY:      vals[5],
		Width:      ints[0],
		Height:     ints[1],
		SRID:       ints[2],
		NumBands:   ints[3],
	}, nil
}

// Tuple renders the metadata back to its wire text form.
func (m *TileMetadata) Tuple() string {
	return fmt.Sprintf("(%v,%v,%v,%v,%v,%v,%d,%d,%d,%d)",
		m.UpperLeftX, m.UpperLeftY, m.ScaleX, m.ScaleY, m.SkewX, m.SkewY,
		m.Width, m.Height, m.SRID, m.NumBands)
}

// Bounds returns the tile's georeferenced bounding box. ScaleY is
// conventionally negative for top-down grids; both orientations are
// handled.
func (m *TileMetadata) Bounds() Window {
	w := Window{
		MinX: m.UpperLeftX,
		MaxX: m.UpperLeftX + float64(m.Width)*m.ScaleX,
	}
	if m.ScaleY >= 0 {
		w.MinY = m.UpperLeftY
		w.MaxY = m.UpperLeftY + float64(m.Height)*m.ScaleY
	} else {
		w.MaxY = m.UpperLeftY
		w.MinY = m.UpperLeftY + float64(m.Height)*m.ScaleY
	}
	if w.MaxX < w.MinX {
		w.MinX, w.MaxX = w.MaxX, w.MinX
	}
	return w
}
