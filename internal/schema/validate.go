package schema

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"sync"
)

var (
	patternMu    sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

func compile(pattern string) (*regexp.Regexp, error) {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache[pattern] = re
	return re, nil
}

// Validate checks a decoded parameter struct against its schema tags,
// descending into nested structs and slices of structs.
func Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return fmt.Errorf("expected struct, got nil")
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return fmt.Errorf("expected struct, got %s", val.Kind())
	}
	return validateStruct(val, "")
}

func validateStruct(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		name := fieldName(field)
		if name == "" {
			continue
		}
		path := prefix + name

		value := val.Field(i)
		spec := parseTag(field.Tag.Get("schema"))
		if value.IsZero() || isEmpty(value) {
			if spec.required {
				return fmt.Errorf("field '%s' is required", path)
			}
			continue
		}
		if err := checkValue(value, spec, path); err != nil {
			return err
		}

		switch value.Kind() {
		case reflect.Struct:
			if err := validateStruct(value, path+"."); err != nil {
				return err
			}
		case reflect.Slice:
			for j := 0; j < value.Len(); j++ {
				elem := value.Index(j)
				if elem.Kind() == reflect.Ptr && !elem.IsNil() {
					elem = elem.Elem()
				}
				if elem.Kind() == reflect.Struct {
					if err := validateStruct(elem, fmt.Sprintf("%s[%d].", path, j)); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Slice, reflect.Map, reflect.String:
		return v.Len() == 0
	}
	return false
}

func checkValue(value reflect.Value, spec fieldSpec, path string) error {
	if len(spec.enum) > 0 {
		current := fmt.Sprintf("%v", value.Interface())
		found := false
		for _, allowed := range spec.enum {
			if current == allowed {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("field '%s' must be one of: %v", path, spec.enum)
		}
	}
	if spec.min != "" {
		if err := bound(value, spec.min, path, true); err != nil {
			return err
		}
	}
	if spec.max != "" {
		if err := bound(value, spec.max, path, false); err != nil {
			return err
		}
	}
	if spec.pattern != "" && value.Kind() == reflect.String {
		re, err := compile(spec.pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern for field '%s': %s", path, spec.pattern)
		}
		if !re.MatchString(value.String()) {
			return fmt.Errorf("field '%s' does not match pattern: %s", path, spec.pattern)
		}
	}
	return nil
}

func bound(value reflect.Value, limit, path string, lower bool) error {
	word := "most"
	if lower {
		word = "least"
	}
	violates := func(cmp int) bool {
		if lower {
			return cmp < 0
		}
		return cmp > 0
	}

	switch value.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(limit, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid bound for field '%s': %s", path, limit)
		}
		if violates(compareInt(value.Int(), n)) {
			return fmt.Errorf("field '%s' must be at %s %d", path, word, n)
		}
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(limit, 64)
		if err != nil {
			return fmt.Errorf("invalid bound for field '%s': %s", path, limit)
		}
		if violates(compareFloat(value.Float(), f)) {
			return fmt.Errorf("field '%s' must be at %s %g", path, word, f)
		}
	case reflect.String, reflect.Slice:
		n, err := strconv.Atoi(limit)
		if err != nil {
			return fmt.Errorf("invalid bound for field '%s': %s", path, limit)
		}
		if violates(compareInt(int64(value.Len()), int64(n))) {
			return fmt.Errorf("field '%s' must have at %s %d items", path, word, n)
		}
	}
	return nil
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
