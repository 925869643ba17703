package metadata

import (
	"layer-engine/internal/store"
)

// Right names one of the four layer permissions.
type Right string

const (
	RightView   Right = "view"
	RightAdd    Right = "add"
	RightUpdate Right = "update"
	RightDelete Right = "delete"
)

// Rights is a view/add/update/delete permission set.
type Rights struct {
	View   bool `json:"view"`
	Add    bool `json:"add"`
	Update bool `json:"update"`
	Delete bool `json:"delete"`
}

// Or returns the union of two permission sets.
func (r Rights) Or(o Rights) Rights {
	return Rights{
		View:   r.View || o.View,
		Add:    r.Add || o.Add,
		Update: r.Update || o.Update,
		Delete: r.Delete || o.Delete,
	}
}

// Has reports whether the set grants right.
func (r Rights) Has(right Right) bool {
	switch right {
	case RightView:
		return r.View
	case RightAdd:
		return r.Add
	case RightUpdate:
		return r.Update
	case RightDelete:
		return r.Delete
	}
	return false
}

// AllRights grants everything.
var AllRights = Rights{View: true, Add: true, Update: true, Delete: true}

// Layer is a configured exposure of one backing table.
type Layer struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Title          string         `json:"title"`
	Connection     string         `json:"connection"`
	Table          string         `json:"table"`
	PKField        string         `json:"pk_field"`
	GeomField      string         `json:"geom_field"`
	GeomType       string         `json:"geom_type"`
	SRID           int            `json:"srid"`
	PageSize       int            `json:"page_size"`
	MaxPageSize    int            `json:"max_page_size"`
	AllowPageSize0 bool           `json:"allow_page_size_0"`
	ListFields     []string       `json:"list_fields"`
	FormFields     []string       `json:"form_fields"`
	DataFilter     map[string]any `json:"data_filter"`
	Rules          []Rule         `json:"rules"`
	Style          map[string]any `json:"style"`
	Anonymous      Rights         `json:"anonymous"`
	Authenticated  Rights         `json:"authenticated"`
	Version        int64          `json:"version"`

	Fields      []FieldConfig     `json:"fields"`
	UserGrants  map[string]Rights `json:"-"`
	GroupGrants map[string]Rights `json:"-"`
}

// TableRef returns the normalized backing table identifier.
func (l *Layer) TableRef() (store.TableRef, error) {
	return store.ParseTableRef(l.Table)
}

// HasGeometry reports whether the layer exposes a geometry column.
func (l *Layer) HasGeometry() bool {
	return l.GeomField != ""
}

// GetField returns a pointer to the field config with the given name, or nil.
func (l *Layer) GetField(name string) *FieldConfig {
	for i := range l.Fields {
		if l.Fields[i].Name == name {
			return &l.Fields[i]
		}
	}
	return nil
}

// EnabledFields returns the enabled field configs in name order.
func (l *Layer) EnabledFields() []FieldConfig {
	var fields []FieldConfig
	for _, f := range l.Fields {
		if f.Enabled {
			fields = append(fields, f)
		}
	}
	return fields
}
