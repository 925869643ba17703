package geo

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_WKT(t *testing.T) {
	v, err := Parse("POINT(1 2)")
	require.NoError(t, err)
	assert.Equal(t, orb.Point{1, 2}, v.Geometry)
	assert.Equal(t, 4326, v.SRID)
}

func TestParse_EWKT(t *testing.T) {
	v, err := Parse("SRID=25831;POINT(430000 4580000)")
	require.NoError(t, err)
	assert.Equal(t, 25831, v.SRID)
	assert.Equal(t, orb.Point{430000, 4580000}, v.Geometry)
}

func TestParse_GeoJSONObject(t *testing.T) {
	v, err := Parse(map[string]any{
		"type":        "LineString",
		"coordinates": []any{[]any{0.0, 0.0}, []any{1.0, 1.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, orb.LineString{{0, 0}, {1, 1}}, v.Geometry)
	assert.Equal(t, 4326, v.SRID)
}

func TestParse_GeoJSONWithCRS(t *testing.T) {
	v, err := Parse(`{"type":"Point","coordinates":[1,2],"crs":{"type":"name","properties":{"name":"EPSG:25831"}}}`)
	require.NoError(t, err)
	assert.Equal(t, 25831, v.SRID)
}

func TestParse_EmptyAndInvalid(t *testing.T) {
	v, err := Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = Parse("  ")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = Parse("POINT(a b)")
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = Parse(42)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestParseBBox(t *testing.T) {
	b, err := ParseBBox("1.5, 41, 2.5,42")
	require.NoError(t, err)
	assert.Equal(t, orb.Point{1.5, 41}, b.Min)
	assert.Equal(t, orb.Point{2.5, 42}, b.Max)

	_, err = ParseBBox("1,2,3")
	assert.ErrorIs(t, err, ErrInvalidGeometry)
	_, err = ParseBBox("3,3,1,1")
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestParsePolygon(t *testing.T) {
	g, err := ParsePolygon("0,0,1,0,1,1")
	require.NoError(t, err)
	poly, ok := g.(orb.Polygon)
	require.True(t, ok)
	assert.Len(t, poly[0], 4)
	assert.True(t, poly[0].Closed())

	g, err = ParsePolygon("POLYGON((0 0, 1 0, 1 1, 0 0))")
	require.NoError(t, err)
	assert.Equal(t, "Polygon", g.GeoJSONType())

	_, err = ParsePolygon("0,0,1")
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestFromText(t *testing.T) {
	g, err := FromText([]byte("POINT(3 4)"))
	require.NoError(t, err)
	assert.Equal(t, orb.Point{3, 4}, g)

	g, err = FromText(nil)
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible("", orb.Point{}))
	assert.True(t, Compatible("GEOMETRY", orb.LineString{}))
	assert.True(t, Compatible("POINT", orb.Point{}))
	assert.True(t, Compatible("MULTIPOINT", orb.Point{}))
	assert.False(t, Compatible("POLYGON", orb.Point{}))
}
