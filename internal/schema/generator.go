package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Generator converts Go parameter structs to JSON schemas
type Generator struct{}

// NewGenerator creates a new schema generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a JSON schema from a Go struct (or pointer to one).
func (g *Generator) Generate(v interface{}) (map[string]interface{}, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, fmt.Errorf("expected struct, got nil")
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct, got %s", t.Kind())
	}
	return g.object(t), nil
}

// FunctionSchema wraps parameters into an OpenAI-compatible tool entry.
// params may be a parameter struct or an already built schema map.
func (g *Generator) FunctionSchema(name, description string, params interface{}) (map[string]interface{}, error) {
	parameters, ok := params.(map[string]interface{})
	if !ok {
		var err error
		parameters, err = g.Generate(params)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", name, err)
		}
	}

	return map[string]interface{}{
		"type": "function",
		"function": map[string]interface{}{
			"name":        name,
			"description": description,
			"parameters":  parameters,
		},
	}, nil
}

func (g *Generator) object(t reflect.Type) map[string]interface{} {
	properties := map[string]interface{}{}
	required := []string{}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := fieldName(field)
		if name == "" {
			continue
		}

		spec := parseTag(field.Tag.Get("schema"))
		if spec.required || !isOptional(field) {
			required = append(required, name)
		}

		prop := g.typeSchema(field.Type)
		if desc := field.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		applySpec(spec, prop)
		properties[name] = prop
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (g *Generator) typeSchema(t reflect.Type) map[string]interface{} {
	switch t.Kind() {
	case reflect.String:
		return map[string]interface{}{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return map[string]interface{}{"type": "integer"}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]interface{}{"type": "integer", "minimum": 0}
	case reflect.Float32, reflect.Float64:
		return map[string]interface{}{"type": "number"}
	case reflect.Bool:
		return map[string]interface{}{"type": "boolean"}
	case reflect.Slice, reflect.Array:
		return map[string]interface{}{"type": "array", "items": g.typeSchema(t.Elem())}
	case reflect.Map:
		schema := map[string]interface{}{"type": "object"}
		if t.Elem().Kind() != reflect.Interface {
			schema["additionalProperties"] = g.typeSchema(t.Elem())
		}
		return schema
	case reflect.Struct:
		if t.String() == "time.Time" {
			return map[string]interface{}{"type": "string", "format": "date-time"}
		}
		return g.object(t)
	case reflect.Ptr:
		return g.typeSchema(t.Elem())
	default:
		return map[string]interface{}{"type": "string"}
	}
}

func applySpec(spec fieldSpec, prop map[string]interface{}) {
	if len(spec.enum) > 0 {
		prop["enum"] = spec.enum
	}
	if spec.min != "" {
		if n, ok := number(spec.min); ok {
			prop["minimum"] = n
		}
	}
	if spec.max != "" {
		if n, ok := number(spec.max); ok {
			prop["maximum"] = n
		}
	}
	if spec.pattern != "" {
		prop["pattern"] = spec.pattern
	}
	if spec.format != "" {
		prop["format"] = spec.format
	}
	if spec.def != "" {
		var def interface{}
		if err := json.Unmarshal([]byte(spec.def), &def); err == nil {
			prop["default"] = def
		} else {
			prop["default"] = spec.def
		}
	}
}

func number(s string) (interface{}, bool) {
	var n json.Number
	if err := json.Unmarshal([]byte(s), &n); err != nil {
		return nil, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := n.Float64()
	return f, err == nil
}
