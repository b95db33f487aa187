package metadata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_PreservesInsertionOrder(t *testing.T) {
	m := New()
	m.Set("zebra", "1")
	m.Set("apple", "2")
	m.Set("mango", "3")

	assert.Equal(t, []string{"zebra", "apple", "mango"}, m.Keys())

	out, err := m.Serialize()
	require.NoError(t, err)
	assert.Equal(t, `{"zebra":"1","apple":"2","mango":"3"}`, out)
}

func TestMap_SetExistingKeyKeepsPosition(t *testing.T) {
	m := FromPairs("a", "1", "b", "2", "c", "3")
	m.Set("a", "updated")

	assert.Equal(t, []string{"a", "b", "c"}, m.Keys())
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, "updated", v)
}

func TestMap_RoundTrip(t *testing.T) {
	original := FromPairs("purchaseId", "p-1", "receiptUrl", "http://x/y.jpg", "fiatAmount", "1000")

	serialized, err := original.Serialize()
	require.NoError(t, err)

	parsed, err := Parse(serialized)
	require.NoError(t, err)
	assert.Equal(t, original.Keys(), parsed.Keys())

	reserialized, err := parsed.Serialize()
	require.NoError(t, err)
	assert.Equal(t, serialized, reserialized, "serialization must be canonical")
}

func TestParse_EmptyInputs(t *testing.T) {
	for _, raw := range []string{"", "{}"} {
		m, err := Parse(raw)
		require.NoError(t, err, "input %q", raw)
		assert.Equal(t, 0, m.Len())
	}

	_, err := Parse(`["not","an","object"]`)
	assert.Error(t, err)
}

func TestMap_Clone_Independent(t *testing.T) {
	m := FromPairs("k1", "v1", "k2", "v2")
	c := m.Clone()
	c.Set("k3", "v3")
	c.Set("k1", "changed")

	assert.Equal(t, 2, m.Len())
	v, _ := m.Get("k1")
	assert.Equal(t, "v1", v)
	assert.Equal(t, 3, c.Len())
}

func TestMap_JSONInterop(t *testing.T) {
	// Embedded in a larger document it behaves like a plain object.
	type envelope struct {
		Meta *Map `json:"meta"`
	}

	var e envelope
	require.NoError(t, json.Unmarshal([]byte(`{"meta":{"b":"2","a":"1"}}`), &e))
	assert.Equal(t, []string{"b", "a"}, e.Meta.Keys())

	out, err := json.Marshal(&e)
	require.NoError(t, err)
	assert.Equal(t, `{"meta":{"b":"2","a":"1"}}`, string(out))
}
