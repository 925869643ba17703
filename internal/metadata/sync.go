package metadata

import (
	"sort"

	"layer-engine/internal/store"
)

// SyncFields reconciles a layer's field configs with its inspected columns.
// Columns without a config get a default one; configs whose column vanished
// are dropped. Virtual fields have no column and are kept. Running it twice
// against the same schema changes nothing.
func SyncFields(existing []FieldConfig, schema *store.TableSchema) (fields []FieldConfig, added, removed []string) {
	byName := make(map[string]FieldConfig, len(existing))
	for _, f := range existing {
		byName[f.Name] = f
	}

	present := make(map[string]bool, len(schema.Columns))
	for _, col := range schema.Columns {
		present[col.Name] = true
		f, ok := byName[col.Name]
		if !ok {
			f = FieldConfig{
				Name:    col.Name,
				Label:   col.Name,
				Enabled: true,
				Blank:   col.Nullable,
				Widget:  WidgetAuto,
			}
			added = append(added, col.Name)
		}
		f.DataType = WireType(col)
		f.Size = col.MaxLength
		fields = append(fields, f)
	}

	for _, f := range existing {
		switch {
		case f.Virtual:
			fields = append(fields, f)
		case !present[f.Name]:
			removed = append(removed, f.Name)
		}
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields, added, removed
}

// DefaultFieldList is the list/form field set used when none is configured:
// every enabled, non-virtual field except the geometry, alphabetically.
func DefaultFieldList(fields []FieldConfig, geomField string) []string {
	var names []string
	for _, f := range fields {
		if !f.Enabled || f.Virtual || f.Name == geomField {
			continue
		}
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}
