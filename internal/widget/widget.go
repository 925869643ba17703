// Package widget implements per-field behavior: option validation, values
// computed on write, wire representation on read, and read query extensions.
package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"layer-engine/internal/metadata"
	"layer-engine/internal/saga"
	"layer-engine/internal/storage"
	"layer-engine/internal/store"
)

const (
	errReadonlyRequired = "'readonly' attribute must be checked"
	errInvalidJSON      = "Invalid JSON format"
)

// ConfigError reports widget options that cannot be accepted.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func configErr(field metadata.FieldConfig, format string, args ...any) error {
	return &ConfigError{Field: field.Name, Message: fmt.Sprintf(format, args...)}
}

// LayerSource resolves other layers by name.
type LayerSource interface {
	GetLayer(name string) *metadata.Layer
}

// URLSigner produces URLs for stored images when a widget has no public base URL.
type URLSigner interface {
	MediaURL(layer, field, kind, name string) string
}

// AssetStore gives access to temporary user uploads referenced as media://.
type AssetStore interface {
	// Stat fails unless path is an upload owned by owner.
	Stat(ctx context.Context, owner, path string) error
	// Open returns the content and original filename of an upload owned by owner.
	Open(ctx context.Context, owner, path string) (io.ReadCloser, string, error)
	// Release marks an upload as consumed; it is removed once the write commits.
	Release(path string)
}

// Deps are the collaborators widgets may need.
type Deps struct {
	Layers      LayerSource
	Store       *store.Store
	StorageRoot string
	Thumbnailer storage.Thumbnailer
	Signer      URLSigner
}

// WriteContext carries the per-write state widgets act on.
type WriteContext struct {
	Ctx    context.Context
	User   *metadata.UserContext
	Saga   *saga.Saga
	Assets AssetStore
	Now    time.Time
	// Old is the stored row for updates and deletes.
	Old map[string]any
}

// ReadQuery collects extra select expressions for the row query.
type ReadQuery struct {
	Alias   string
	Selects []string
}

type Widget interface {
	Kind() string
	Field() metadata.FieldConfig
	// Validate checks options against live state: referenced layers,
	// directories, queries. Called when a field config is saved.
	Validate(ctx context.Context) error
	// Computed widgets overwrite the field on write.
	Computed() bool
	// Virtual widgets have no backing column.
	Virtual() bool
	OnCreate(wc *WriteContext, row map[string]any) error
	OnUpdate(wc *WriteContext, row map[string]any) error
	OnDelete(wc *WriteContext, row map[string]any) error
	ExtendReadQuery(rq *ReadQuery)
	SerializeValue(v any) any
	SerializeConfig(ctx context.Context) map[string]any
}

// ValueChecker is implemented by widgets that validate submitted values
// before any write happens.
type ValueChecker interface {
	CheckValue(wc *WriteContext, v any) error
}

// base provides the no-op behavior shared by most kinds.
type base struct {
	kind  string
	layer *metadata.Layer
	field metadata.FieldConfig
	deps  *Deps
}

func (b *base) Kind() string                                 { return b.kind }
func (b *base) Field() metadata.FieldConfig                  { return b.field }
func (b *base) Validate(context.Context) error               { return nil }
func (b *base) Computed() bool                               { return false }
func (b *base) Virtual() bool                                { return false }
func (b *base) OnCreate(*WriteContext, map[string]any) error { return nil }
func (b *base) OnUpdate(*WriteContext, map[string]any) error { return nil }
func (b *base) OnDelete(*WriteContext, map[string]any) error { return nil }
func (b *base) ExtendReadQuery(*ReadQuery)                   {}
func (b *base) SerializeValue(v any) any                     { return v }
func (b *base) SerializeConfig(context.Context) map[string]any {
	return map[string]any{}
}

// Build returns the widget for a field config. Malformed options yield a
// *ConfigError; checks needing live state are left to Validate.
func Build(layer *metadata.Layer, field metadata.FieldConfig, deps *Deps) (Widget, error) {
	if deps == nil {
		deps = &Deps{}
	}
	kind := field.Widget
	if kind == "" {
		kind = metadata.WidgetAuto
	}
	b := base{kind: kind, layer: layer, field: field, deps: deps}

	if IsComputedKind(kind) {
		return newComputed(b)
	}
	switch kind {
	case metadata.WidgetAuto:
		return &Auto{base: b}, nil
	case metadata.WidgetChoices:
		return newChoices(b)
	case metadata.WidgetDate, metadata.WidgetDatetime:
		return newDate(b)
	case metadata.WidgetDistinctValues:
		return newDistinctValues(b)
	case metadata.WidgetForeignKey:
		return newForeignKey(b)
	case metadata.WidgetRelation1N:
		return newRelation1N(b)
	case metadata.WidgetImage:
		return newImage(b)
	case metadata.WidgetLinkedField:
		return newLinkedField(b)
	case metadata.WidgetSQLChoices:
		return newSQLChoices(b)
	default:
		return nil, configErr(field, "unknown widget %q", kind)
	}
}

// Auto leaves values untouched.
type Auto struct {
	base
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeOptions unmarshals JSON options into dst and validates its tags.
// Empty options decode as "{}".
func decodeOptions(field metadata.FieldConfig, dst any) error {
	raw := strings.TrimSpace(field.WidgetOptions)
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return configErr(field, "'%s' has an invalid type", typeErr.Field)
		}
		return configErr(field, errInvalidJSON)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			switch fe.Tag() {
			case "required":
				return configErr(field, "'%s' attribute is required", fe.Field())
			case "url":
				return configErr(field, "'%s' must be a valid URL", fe.Field())
			default:
				return configErr(field, "'%s' failed %s validation", fe.Field(), fe.Tag())
			}
		}
		return configErr(field, "%v", err)
	}
	return nil
}

// rawOptions decodes options into a generic map for serialization.
func rawOptions(field metadata.FieldConfig) map[string]any {
	out := map[string]any{}
	raw := strings.TrimSpace(field.WidgetOptions)
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func optionsConfig(opts any) map[string]any {
	return map[string]any{"widget_options": opts}
}

func errorConfig(msg string) map[string]any {
	return map[string]any{"error": msg}
}
