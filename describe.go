package conduit

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

var describeCache sync.Map // reflect.Type -> *Type

// Describe builds a Type from the Go type T once and caches it. Struct fields are
// named by their json tag; fields tagged omitempty/omitzero or of pointer type are
// optional. The description and enum struct tags are carried into the Type.
// Recursive types are rejected.
func Describe[T any]() (*Type, error) {
	rt := reflect.TypeFor[T]()
	if v, ok := describeCache.Load(rt); ok {
		return v.(*Type), nil
	}
	t, err := describeType(rt, map[reflect.Type]bool{}, "$")
	if err != nil {
		return nil, err
	}
	v, _ := describeCache.LoadOrStore(rt, t)
	return v.(*Type), nil
}

// MustDescribe is like Describe but panics on error. Intended for package-level variables.
func MustDescribe[T any]() *Type {
	t, err := Describe[T]()
	if err != nil {
		panic(err)
	}
	return t
}

var timeType = reflect.TypeFor[time.Time]()

func describeType(rt reflect.Type, visiting map[reflect.Type]bool, path string) (*Type, error) {
	if rt == timeType {
		return String().WithDescription("RFC 3339 timestamp"), nil
	}
	switch rt.Kind() {
	case reflect.String:
		return String(), nil
	case reflect.Bool:
		return Boolean(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Integer(), nil
	case reflect.Float32, reflect.Float64:
		return Number(), nil
	case reflect.Interface:
		return Any(), nil
	case reflect.Pointer:
		inner, err := describeType(rt.Elem(), visiting, path)
		if err != nil {
			return nil, err
		}
		return Optional(inner), nil
	case reflect.Slice, reflect.Array:
		if rt.Elem().Kind() == reflect.Uint8 {
			return String().WithDescription("base64-encoded bytes"), nil
		}
		elem, err := describeType(rt.Elem(), visiting, path+"[]")
		if err != nil {
			return nil, err
		}
		return List(elem), nil
	case reflect.Map:
		if rt.Key().Kind() != reflect.String {
			return nil, &SchemaError{Path: path, Reason: "map keys must be strings"}
		}
		value, err := describeType(rt.Elem(), visiting, path+"{}")
		if err != nil {
			return nil, err
		}
		return Map(String(), value), nil
	case reflect.Struct:
		if visiting[rt] {
			return nil, &SchemaError{Path: path, Reason: fmt.Sprintf("recursive type %s", rt)}
		}
		visiting[rt] = true
		defer delete(visiting, rt)
		return describeStruct(rt, visiting, path)
	default:
		return nil, &SchemaError{Path: path, Reason: fmt.Sprintf("unsupported kind %s", rt.Kind())}
	}
}

func describeStruct(rt reflect.Type, visiting map[reflect.Type]bool, path string) (*Type, error) {
	fields := make([]Field, 0, rt.NumField())
	for sf := range rt.Fields() {
		if !sf.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		var ft *Type
		if enum := splitEnumTag(sf.Tag.Get("enum")); len(enum) > 0 && sf.Type.Kind() == reflect.String {
			ft = Enum(enum...)
		} else {
			var err error
			ft, err = describeType(sf.Type, visiting, path+"."+name)
			if err != nil {
				return nil, err
			}
		}
		f := Field{
			Name:        name,
			Type:        ft,
			Required:    !strings.Contains(opts, "omitempty") && !strings.Contains(opts, "omitzero") && sf.Type.Kind() != reflect.Pointer,
			Description: sf.Tag.Get("description"),
		}
		fields = append(fields, f)
	}
	return Record(rt.Name(), fields...), nil
}
