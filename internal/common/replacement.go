// Package common provides shared configuration, logging and helper functions.
//
// Automation flows are stored as data with {placeholder} references such as
// {message_id} or {account_index}. ExpandPlaceholders fills them in at run
// time. Unknown placeholders are left untouched and logged, because a flow
// file may legitimately contain braces inside an XPath or a JS snippet.
package common

import (
	"fmt"
	"reflect"
	"regexp"

	"github.com/ternarybob/arbor"
)

// placeholderPattern matches {name} references
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_-]+)\}`)

// ExpandPlaceholders replaces every {name} in input with vars[name].
func ExpandPlaceholders(input string, vars map[string]string, logger arbor.ILogger) string {
	if input == "" {
		return input
	}

	return placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := vars[name]; ok {
			return value
		}
		if logger != nil {
			logger.Debug().
				Str("placeholder", match).
				Msg("Unresolved placeholder left unchanged")
		}
		return match
	})
}

// ExpandInStruct walks a struct pointer and expands placeholders in every
// exported string field, including strings inside nested structs, pointers
// and slices of either.
func ExpandInStruct(v interface{}, vars map[string]string, logger arbor.ILogger) error {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("ExpandInStruct requires a non-nil pointer, got %T", v)
	}

	val = val.Elem()
	if val.Kind() != reflect.Struct {
		return fmt.Errorf("ExpandInStruct requires a struct pointer, got pointer to %v", val.Kind())
	}

	expandValue(val, vars, logger)
	return nil
}

func expandValue(val reflect.Value, vars map[string]string, logger arbor.ILogger) {
	switch val.Kind() {
	case reflect.String:
		if val.CanSet() {
			val.SetString(ExpandPlaceholders(val.String(), vars, logger))
		}

	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			field := val.Field(i)
			if !field.CanSet() {
				continue
			}
			expandValue(field, vars, logger)
		}

	case reflect.Ptr:
		if !val.IsNil() {
			expandValue(val.Elem(), vars, logger)
		}

	case reflect.Slice:
		for i := 0; i < val.Len(); i++ {
			expandValue(val.Index(i), vars, logger)
		}

	case reflect.Map:
		if val.Type().Key().Kind() != reflect.String || val.Type().Elem().Kind() != reflect.String {
			return
		}
		for _, key := range val.MapKeys() {
			expanded := ExpandPlaceholders(val.MapIndex(key).String(), vars, logger)
			val.SetMapIndex(key, reflect.ValueOf(expanded))
		}
	}
}
