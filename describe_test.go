package conduit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type weatherReport struct {
	City     string            `json:"city" description:"City name"`
	Unit     string            `json:"unit" enum:"celsius, fahrenheit"`
	Temp     float64           `json:"temp"`
	Humidity *int              `json:"humidity"`
	Alerts   []string          `json:"alerts,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	internal int
	Skipped  string `json:"-"`
}

type treeNode struct {
	Name     string     `json:"name"`
	Children []treeNode `json:"children"`
}

func TestDescribe_Struct(t *testing.T) {
	t.Parallel()
	typ, err := Describe[weatherReport]()
	require.NoError(t, err)
	require.Equal(t, KindRecord, typ.Kind())
	assert.Equal(t, "weatherReport", typ.Name())

	fields := typ.Fields()
	require.Len(t, fields, 6)
	byName := map[string]Field{}
	for _, f := range fields {
		byName[f.Name] = f
	}
	assert.True(t, byName["city"].Required)
	assert.Equal(t, "City name", byName["city"].Description)
	assert.Equal(t, KindEnum, byName["unit"].Type.Kind())
	assert.Equal(t, []string{"celsius", "fahrenheit"}, byName["unit"].Type.Values())
	assert.Equal(t, KindNumber, byName["temp"].Type.Kind())
	assert.False(t, byName["humidity"].Required)
	assert.Equal(t, KindOptional, byName["humidity"].Type.Kind())
	assert.False(t, byName["alerts"].Required)
	assert.Equal(t, KindList, byName["alerts"].Type.Kind())
	assert.Equal(t, KindMap, byName["extra"].Type.Kind())
	assert.NotContains(t, byName, "internal")
	assert.NotContains(t, byName, "Skipped")
}

func TestDescribe_Cached(t *testing.T) {
	t.Parallel()
	a, err := Describe[weatherReport]()
	require.NoError(t, err)
	b, err := Describe[weatherReport]()
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestDescribe_Recursive(t *testing.T) {
	t.Parallel()
	_, err := Describe[treeNode]()
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "recursive")
}

func TestDescribe_DeriveStrictRejectsMaps(t *testing.T) {
	t.Parallel()
	typ, err := Describe[weatherReport]()
	require.NoError(t, err)
	_, err = Derive(typ, true)
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "$.extra", se.Path)
	_, err = Derive(typ, false)
	require.NoError(t, err)
}

func TestMustDescribe_Panics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { MustDescribe[chan int]() })
	assert.NotPanics(t, func() { MustDescribe[[]int]() })
}
