package conduit

// Kind enumerates the shapes a Type can describe.
type Kind int

const (
	KindString Kind = iota + 1
	KindInteger
	KindNumber
	KindBoolean
	KindRecord
	KindList
	KindMap
	KindOptional
	KindUnion
	KindEnum
	KindAny
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindRecord:
		return "record"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindOptional:
		return "optional"
	case KindUnion:
		return "union"
	case KindEnum:
		return "enum"
	case KindAny:
		return "any"
	default:
		return "unknown"
	}
}

// Type is a language-neutral description of an expected value shape. Types are
// immutable once constructed; derived schemas are cached per *Type.
type Type struct {
	kind        Kind
	name        string
	description string
	fields      []Field
	elem        *Type // List element, Map value, Optional inner
	key         *Type // Map key
	variants    []*Type
	values      []string
}

// Field is one named member of a Record.
type Field struct {
	Name        string
	Type        *Type
	Required    bool
	Default     any
	HasDefault  bool
	Description string
}

// Required declares a field the model must always provide.
func Required(name string, t *Type) Field {
	return Field{Name: name, Type: t, Required: true}
}

// OptionalField declares a field that may be absent. Absent optional fields decode to nil.
func OptionalField(name string, t *Type) Field {
	return Field{Name: name, Type: t}
}

// Defaulted declares a field that is filled with def when absent.
func Defaulted(name string, t *Type, def any) Field {
	return Field{Name: name, Type: t, Default: def, HasDefault: true}
}

// Describe returns a copy of f with a description shown to the model.
func (f Field) Describe(desc string) Field {
	f.Description = desc
	return f
}

// String describes a JSON string.
func String() *Type { return &Type{kind: KindString} }

// Integer describes a whole JSON number.
func Integer() *Type { return &Type{kind: KindInteger} }

// Number describes a JSON number.
func Number() *Type { return &Type{kind: KindNumber} }

// Boolean describes a JSON boolean.
func Boolean() *Type { return &Type{kind: KindBoolean} }

// Any describes an unconstrained value. It is accepted by Coerce but rejected by Derive.
func Any() *Type { return &Type{kind: KindAny} }

// Record describes a JSON object with the given ordered fields.
func Record(name string, fields ...Field) *Type {
	return &Type{kind: KindRecord, name: name, fields: append([]Field(nil), fields...)}
}

// List describes a JSON array of elem.
func List(elem *Type) *Type { return &Type{kind: KindList, elem: elem} }

// Map describes a JSON object with arbitrary keys. value must be a concrete Type;
// a nil or Any value is an open-ended dictionary and cannot be derived.
func Map(key, value *Type) *Type { return &Type{kind: KindMap, key: key, elem: value} }

// Optional describes inner or null.
func Optional(inner *Type) *Type { return &Type{kind: KindOptional, elem: inner} }

// Union describes a value matching one of variants, tried in declared order.
func Union(variants ...*Type) *Type {
	return &Type{kind: KindUnion, variants: append([]*Type(nil), variants...)}
}

// Enum describes a string restricted to values.
func Enum(values ...string) *Type {
	return &Type{kind: KindEnum, values: append([]string(nil), values...)}
}

// WithDescription returns a copy of t carrying a description shown to the model.
func (t *Type) WithDescription(desc string) *Type {
	c := *t
	c.description = desc
	return &c
}

func (t *Type) Kind() Kind { return t.kind }

// Name returns the record name, or the kind name for other types.
func (t *Type) Name() string {
	if t.name != "" {
		return t.name
	}
	return t.kind.String()
}

// Fields returns a copy of the record fields.
func (t *Type) Fields() []Field { return append([]Field(nil), t.fields...) }

// Elem returns the element of a List, the value of a Map or the inner type of an Optional.
func (t *Type) Elem() *Type { return t.elem }

func (t *Type) Variants() []*Type { return append([]*Type(nil), t.variants...) }

func (t *Type) Values() []string { return append([]string(nil), t.values...) }

// isObject reports whether t is serialized as a JSON object at the root.
func (t *Type) isObject() bool {
	return t.kind == KindRecord || t.kind == KindMap
}
