package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams(t *testing.T) {
	a, err := New("search_path", "public", "application_name", "bench")
	require.NoError(t, err)
	b := FromMap(map[string]string{
		"application_name": "bench",
		"search_path":      "public",
	})

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, "application_name=bench search_path=public", a.String())
	assert.Equal(t, 2, a.Len())

	v, ok := a.Get("search_path")
	assert.True(t, ok)
	assert.Equal(t, "public", v)
	_, ok = a.Get("timezone")
	assert.False(t, ok)

	c, err := New("search_path", "other", "application_name", "bench")
	require.NoError(t, err)
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))

	assert.Equal(t, []Param{
		{Key: "application_name", Value: "bench"},
		{Key: "search_path", Value: "public"},
	}, a.Params())
}

func TestParamsOverride(t *testing.T) {
	p, err := New("a", "1", "a", "2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "2"}, p.Map())

	_, err = New("a")
	require.Error(t, err)
}

func TestParamsBoundary(t *testing.T) {
	a := FromMap(map[string]string{"ab": "c"})
	b := FromMap(map[string]string{"a": "bc"})
	assert.False(t, a.Equal(b))
}

func TestNilParams(t *testing.T) {
	var nilParams *Params
	p, err := New("application_name", "bench")
	require.NoError(t, err)

	assert.Equal(t, uint32(1), nilParams.Hash())
	assert.True(t, nilParams.Equal(nilParams))
	assert.True(t, nilParams.Equal(nil))
	assert.False(t, nilParams.Equal(p))
	assert.False(t, p.Equal(nilParams))
	assert.Equal(t, "<nil>", nilParams.String())
}
