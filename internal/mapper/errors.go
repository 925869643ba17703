package mapper

import (
	"fmt"
	"sort"
	"strings"
)

// NonFieldErrors collects messages that do not belong to one field.
const NonFieldErrors = "__all__"

const (
	msgRequired      = "This field is required."
	msgBlank         = "This field may not be blank."
	msgInvalid       = "Invalid value."
	msgInvalidNumber = "A valid number is required."
	msgInvalidInt    = "A valid integer is required."
	msgInvalidBool   = "Must be a valid boolean."
	msgInvalidGeom   = "Invalid geometry value."
)

// FieldErrors maps a field name to its validation messages.
type FieldErrors map[string][]string

// Add appends a message for field.
func (e FieldErrors) Add(field, msg string) {
	e[field] = append(e[field], msg)
}

func (e FieldErrors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e[k], " ")))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// OrNil returns nil when no messages were collected.
func (e FieldErrors) OrNil() FieldErrors {
	if len(e) == 0 {
		return nil
	}
	return e
}
