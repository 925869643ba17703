package mapper

import (
	"log"

	"github.com/paulmach/orb/geojson"

	"layer-engine/internal/geo"
)

// Serialize renders a row for clients: every selected field goes through
// its widget, and the geometry becomes a GeoJSON geometry object.
func (m *Mapper) Serialize(row map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(row))
	for _, name := range m.selectFields(fields) {
		v, ok := row[name]
		if !ok {
			v = nil
		}
		if m.IsGeometry(name) {
			out[name] = m.geometry(v)
			continue
		}
		if w := m.widgets[name]; w != nil {
			v = w.SerializeValue(v)
		}
		out[name] = v
	}
	return out
}

// Feature renders a row as a GeoJSON Feature keyed by primary key.
func (m *Mapper) Feature(row map[string]any, fields []string) map[string]any {
	props := m.Serialize(row, fields)
	geometry := props[m.Layer.GeomField]
	delete(props, m.Layer.GeomField)
	return map[string]any{
		"type":       "Feature",
		"id":         row[m.Layer.PKField],
		"geometry":   geometry,
		"properties": props,
	}
}

func (m *Mapper) geometry(v any) any {
	if v == nil {
		return nil
	}
	g, err := geo.FromText(v)
	if err != nil {
		log.Printf("WARN: layer %s: unreadable geometry: %v", m.Layer.Name, err)
		return nil
	}
	if g == nil {
		return nil
	}
	return geojson.NewGeometry(g)
}

// FlattenFeature turns a GeoJSON Feature into a flat field map: properties,
// the geometry under geomField, and the feature id as the primary key. A
// non-null feature id wins over a primary key property. Other values are
// returned unchanged.
func FlattenFeature(item map[string]any, pkField, geomField string) map[string]any {
	if t, _ := item["type"].(string); t != "Feature" {
		return item
	}
	out := map[string]any{}
	if props, ok := item["properties"].(map[string]any); ok {
		for k, v := range props {
			out[k] = v
		}
	}
	if geomField != "" {
		if g, ok := item["geometry"]; ok {
			out[geomField] = g
		}
	}
	if id, ok := item["id"]; ok && id != nil {
		out[pkField] = id
	}
	return out
}
