package schema

import (
	"reflect"
	"strings"
)

// fieldSpec is the parsed form of a `schema:"..."` struct tag.
// Parts are comma separated: required, enum:a|b, min:N, max:N,
// pattern:RE, format:F, default:V.
type fieldSpec struct {
	required bool
	enum     []string
	min      string
	max      string
	pattern  string
	format   string
	def      string
}

func parseTag(tag string) fieldSpec {
	var spec fieldSpec
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		key, value, _ := strings.Cut(part, ":")
		switch key {
		case "required":
			spec.required = true
		case "enum":
			spec.enum = strings.Split(value, "|")
		case "min":
			spec.min = value
		case "max":
			spec.max = value
		case "pattern":
			spec.pattern = value
		case "format":
			spec.format = value
		case "default":
			spec.def = value
		}
	}
	return spec
}

// fieldName returns the JSON name of a field, or "" when it is skipped.
func fieldName(field reflect.StructField) string {
	jsonTag := field.Tag.Get("json")
	if jsonTag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(jsonTag, ",")
	name = strings.TrimSpace(name)
	if name == "" {
		return field.Name
	}
	return name
}

func isOptional(field reflect.StructField) bool {
	return strings.Contains(field.Tag.Get("json"), "omitempty")
}
