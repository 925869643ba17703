package metadata

import (
	"strings"

	"layer-engine/internal/store"
)

// Widget kinds.
const (
	WidgetAuto                 = "auto"
	WidgetChoices              = "choices"
	WidgetDate                 = "date"
	WidgetDatetime             = "datetime"
	WidgetCreationDate         = "creationdate"
	WidgetCreationDatetime     = "creationdatetime"
	WidgetCreationUser         = "creationuser"
	WidgetModificationDate     = "modificationdate"
	WidgetModificationDatetime = "modificationdatetime"
	WidgetModificationUser     = "modificationuser"
	WidgetDistinctValues       = "distinctvalues"
	WidgetForeignKey           = "foreignkey"
	WidgetRelation1N           = "relation1n"
	WidgetImage                = "image"
	WidgetLinkedField          = "linkedfield"
	WidgetSQLChoices           = "sqlchoices"
)

// FieldConfig is the operator-editable overlay for one column of a layer.
type FieldConfig struct {
	ID            string `json:"id"`
	LayerID       string `json:"layer_id"`
	Name          string `json:"name"`
	Label         string `json:"label"`
	DataType      string `json:"data_type"`
	Size          int    `json:"size,omitempty"`
	Virtual       bool   `json:"virtual"`
	Enabled       bool   `json:"enabled"`
	Readonly      bool   `json:"readonly"`
	Search        bool   `json:"search"`
	FullSearch    bool   `json:"fullsearch"`
	Blank         bool   `json:"blank"`
	Widget        string `json:"widget"`
	WidgetOptions string `json:"widget_options"`
}

// DisplayLabel returns the label, falling back to the column name.
func (f FieldConfig) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

// WireType maps a catalog type onto the small set of types clients see.
func WireType(col store.Column) string {
	t := strings.ToLower(col.DataType)
	switch {
	case store.IsGeometryType(t):
		return "geometry"
	case store.IsBoolType(t):
		return "boolean"
	case store.IsIntegerType(t), store.IsNumericType(t):
		return "number"
	case strings.HasPrefix(t, "timestamp"), t == "datetime":
		return "datetime"
	case t == "date":
		return "date"
	case strings.HasPrefix(t, "time"):
		return "time"
	default:
		return "string"
	}
}
