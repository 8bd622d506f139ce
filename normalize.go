package forward

import (
	"encoding"
	"reflect"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// maxNormalizeDepth bounds container nesting; deeper values, including
// self-referencing maps and slices, are unserializable.
const maxNormalizeDepth = 100

// Normalize returns a deep copy of fields in which every value is a
// msgpack-representable primitive: nil, bool, integers, floats, strings,
// byte slices, map[string]any and []any. The input is never modified and
// the result shares no containers with it, so an event handed to several
// outputs can be encoded concurrently.
func Normalize(fields map[string]any) (map[string]any, error) {
	return normalizeFields("", 0, fields)
}

func normalizeFields(path string, depth int, fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		nv, err := normalizeValue(keyPath(path, k), depth, v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(path string, depth int, v any) (any, error) {
	if depth >= maxNormalizeDepth {
		return nil, errors.Wrapf(ErrUnserializable, "%s: nested deeper than %d", path, maxNormalizeDepth)
	}

	// A typed nil pointer must not reach MarshalText through a value receiver.
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, nil
	}

	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x, nil
	case []byte:
		return append([]byte(nil), x...), nil
	case time.Time:
		return FormatISO8601(x), nil
	case time.Duration:
		return int64(x), nil
	case *Event:
		return normalizeFields(path, depth+1, x.Fields)
	case map[string]any:
		return normalizeFields(path, depth+1, x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			nv, err := normalizeValue(indexPath(path, i), depth+1, item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case encoding.TextMarshaler:
		text, err := x.MarshalText()
		if err != nil {
			return nil, errors.Wrapf(ErrUnserializable, "%s: %v", path, err)
		}
		return string(text), nil
	}
	return normalizeReflect(path, depth, reflect.ValueOf(v))
}

func normalizeReflect(path string, depth int, rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalizeValue(path, depth+1, rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), rv.Bytes()...), nil
		}
		return normalizeList(path, depth, rv)
	case reflect.Array:
		return normalizeList(path, depth, rv)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, errors.Wrapf(ErrUnserializable, "%s: map key type %s", path, rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			nv, err := normalizeValue(keyPath(path, k), depth+1, iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	}
	return nil, errors.Wrapf(ErrUnserializable, "%s: type %s", path, rv.Type())
}

func normalizeList(path string, depth int, rv reflect.Value) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		nv, err := normalizeValue(indexPath(path, i), depth+1, rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out[i] = nv
	}
	return out, nil
}

func keyPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func indexPath(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}
