package mapper

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"layer-engine/internal/store"
)

// Coerce converts a raw query-string value to the column's Go type.
func (m *Mapper) Coerce(field, raw string) (any, error) {
	col, ok := m.columns[field]
	if !ok {
		return raw, nil
	}
	switch {
	case store.IsIntegerType(col.DataType):
		return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	case store.IsNumericType(col.DataType):
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case store.IsBoolType(col.DataType):
		return strconv.ParseBool(strings.TrimSpace(raw))
	default:
		return raw, nil
	}
}

// coerceInput converts a decoded JSON value for a column. On failure it
// returns the message to report for the field.
func coerceInput(col store.Column, v any) (any, string) {
	if v == nil {
		return nil, ""
	}
	switch v.(type) {
	case map[string]any, []any:
		return nil, msgInvalid
	}
	if s, ok := v.(string); ok && s == "" && !isTextual(col) {
		return nil, ""
	}

	switch {
	case store.IsIntegerType(col.DataType):
		switch val := v.(type) {
		case float64:
			if val != math.Trunc(val) {
				return nil, msgInvalidInt
			}
			return int64(val), ""
		case int:
			return int64(val), ""
		case int64:
			return val, ""
		case json.Number:
			n, err := val.Int64()
			if err != nil {
				return nil, msgInvalidInt
			}
			return n, ""
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return nil, msgInvalidInt
			}
			return n, ""
		}
		return nil, msgInvalidInt
	case store.IsNumericType(col.DataType):
		switch val := v.(type) {
		case float64:
			return val, ""
		case int:
			return float64(val), ""
		case int64:
			return float64(val), ""
		case json.Number:
			f, err := val.Float64()
			if err != nil {
				return nil, msgInvalidNumber
			}
			return f, ""
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				return nil, msgInvalidNumber
			}
			return f, ""
		}
		return nil, msgInvalidNumber
	case store.IsBoolType(col.DataType):
		switch val := v.(type) {
		case bool:
			return val, ""
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				return nil, msgInvalidBool
			}
			return b, ""
		case float64:
			if val == 0 || val == 1 {
				return val == 1, ""
			}
		case json.Number:
			switch val.String() {
			case "0", "1":
				return val.String() == "1", ""
			}
		}
		return nil, msgInvalidBool
	}

	var s string
	switch val := v.(type) {
	case string:
		s = val
	case bool, float64, int, int64, json.Number:
		s = fmt.Sprint(val)
	default:
		return nil, msgInvalid
	}
	if isTextual(col) && col.MaxLength > 0 && len([]rune(s)) > col.MaxLength {
		return nil, fmt.Sprintf("Ensure this field has no more than %d characters.", col.MaxLength)
	}
	return s, ""
}

func isTextual(col store.Column) bool {
	t := strings.ToLower(col.DataType)
	return strings.Contains(t, "char") || strings.Contains(t, "text") || t == "uuid" || t == "clob"
}
