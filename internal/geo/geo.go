// Package geo parses client geometry input and renders stored geometries.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// DefaultSRID is assumed for input that carries no SRID.
const DefaultSRID = 4326

var ErrInvalidGeometry = errors.New("invalid geometry")

// Value is a parsed geometry together with the SRID it was submitted in.
type Value struct {
	Geometry orb.Geometry
	SRID     int
}

// Parse accepts WKT, EWKT ("SRID=25831;POINT(1 2)"), a GeoJSON geometry
// string, or a decoded GeoJSON geometry object. A nil input or an empty
// string yields (nil, nil).
func Parse(v any) (*Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return parseString(val)
	case map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
		}
		return parseGeoJSON(b)
	case orb.Geometry:
		return &Value{Geometry: val, SRID: DefaultSRID}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value of type %T", ErrInvalidGeometry, v)
	}
}

func parseString(s string) (*Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "{") {
		return parseGeoJSON([]byte(s))
	}

	srid := DefaultSRID
	if strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		idx := strings.Index(s, ";")
		if idx < 0 {
			return nil, fmt.Errorf("%w: malformed EWKT", ErrInvalidGeometry)
		}
		n, err := strconv.Atoi(strings.TrimSpace(s[5:idx]))
		if err != nil {
			return nil, fmt.Errorf("%w: bad SRID %q", ErrInvalidGeometry, s[5:idx])
		}
		srid = n
		s = strings.TrimSpace(s[idx+1:])
	}

	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	return &Value{Geometry: g, SRID: srid}, nil
}

type crsMember struct {
	CRS *struct {
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	} `json:"crs"`
}

func parseGeoJSON(b []byte) (*Value, error) {
	g, err := geojson.UnmarshalGeometry(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	if g.Geometry() == nil {
		return nil, fmt.Errorf("%w: empty GeoJSON geometry", ErrInvalidGeometry)
	}

	srid := DefaultSRID
	var c crsMember
	if json.Unmarshal(b, &c) == nil && c.CRS != nil {
		if n, ok := sridFromName(c.CRS.Properties.Name); ok {
			srid = n
		}
	}
	return &Value{Geometry: g.Geometry(), SRID: srid}, nil
}

// sridFromName reads "EPSG:25831" and "urn:ogc:def:crs:EPSG::25831".
func sridFromName(name string) (int, bool) {
	idx := strings.LastIndex(name, ":")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// FromText decodes a stored geometry read back as WKT or EWKT.
func FromText(v any) (orb.Geometry, error) {
	var s string
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = val
	case []byte:
		s = string(val)
	default:
		return nil, fmt.Errorf("%w: unexpected stored value %T", ErrInvalidGeometry, v)
	}
	parsed, err := parseString(s)
	if err != nil || parsed == nil {
		return nil, err
	}
	return parsed.Geometry, nil
}

// ParseBBox parses "minx,miny,maxx,maxy".
func ParseBBox(s string) (orb.Bound, error) {
	nums, err := parseFloats(s)
	if err != nil {
		return orb.Bound{}, err
	}
	if len(nums) != 4 {
		return orb.Bound{}, fmt.Errorf("%w: bbox needs 4 numbers, got %d", ErrInvalidGeometry, len(nums))
	}
	b := orb.Bound{Min: orb.Point{nums[0], nums[1]}, Max: orb.Point{nums[2], nums[3]}}
	if b.Min.X() > b.Max.X() || b.Min.Y() > b.Max.Y() {
		return orb.Bound{}, fmt.Errorf("%w: bbox min exceeds max", ErrInvalidGeometry)
	}
	return b, nil
}

// ParsePolygon parses an intersects filter: a flat "x1,y1,x2,y2,..." list
// or a WKT polygon. The ring is closed when the last vertex differs from
// the first.
func ParsePolygon(s string) (orb.Geometry, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToUpper(s), "POLYGON") {
		g, err := wkt.Unmarshal(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
		}
		return g, nil
	}

	nums, err := parseFloats(s)
	if err != nil {
		return nil, err
	}
	if len(nums)%2 != 0 || len(nums) < 6 {
		return nil, fmt.Errorf("%w: polygon needs at least 3 coordinate pairs", ErrInvalidGeometry)
	}
	ring := make(orb.Ring, 0, len(nums)/2+1)
	for i := 0; i < len(nums); i += 2 {
		ring = append(ring, orb.Point{nums[i], nums[i+1]})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return orb.Polygon{ring}, nil
}

func parseFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidGeometry, p)
		}
		out = append(out, f)
	}
	return out, nil
}

// TypeName returns the upper-case OGC type name of g.
func TypeName(g orb.Geometry) string {
	if g == nil {
		return ""
	}
	return strings.ToUpper(g.GeoJSONType())
}

// Compatible reports whether a geometry fits a column declared as
// declared. Empty and generic declarations accept anything; single
// geometries fit their MULTI counterpart.
func Compatible(declared string, g orb.Geometry) bool {
	d := strings.ToUpper(declared)
	if d == "" || d == "GEOMETRY" {
		return true
	}
	t := TypeName(g)
	return t == d || "MULTI"+t == d
}
