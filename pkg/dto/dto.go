// Package dto converts documents between the storage shape (camelCase keys)
// and the external wire shape (snake_case keys). System keys starting with
// "@" and the values themselves pass through untouched.
package dto

import (
	"strings"

	"github.com/iancoleman/strcase"
)

// fixedMappings pin identifiers whose algorithmic conversion would be wrong
// or ambiguous.
var fixedMappings = map[string]string{
	"dataTypeId":       "data_type_id",
	"sharedPropertyId": "shared_property_id",
	"memoryMb":         "memory_mb",
}

var reverseFixed = func() map[string]string {
	out := make(map[string]string, len(fixedMappings))
	for k, v := range fixedMappings {
		out[v] = k
	}
	return out
}()

// ToWire converts a storage document to wire shape.
func ToWire(doc map[string]interface{}) map[string]interface{} {
	return convert(doc, toSnake)
}

// FromWire converts a wire document to storage shape.
func FromWire(doc map[string]interface{}) map[string]interface{} {
	return convert(doc, toCamel)
}

func toSnake(key string) string {
	if mapped, ok := fixedMappings[key]; ok {
		return mapped
	}
	return strcase.ToSnake(key)
}

func toCamel(key string) string {
	if mapped, ok := reverseFixed[key]; ok {
		return mapped
	}
	return strcase.ToLowerCamel(key)
}

// convert rewrites keys recursively through maps and slices.
func convert(doc map[string]interface{}, rename func(string) string) map[string]interface{} {
	if doc == nil {
		return nil
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		name := k
		if !strings.HasPrefix(k, "@") {
			name = rename(k)
		}
		out[name] = convertValue(v, rename)
	}
	return out
}

func convertValue(v interface{}, rename func(string) string) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		return convert(tv, rename)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = convertValue(item, rename)
		}
		return out
	}
	return v
}
