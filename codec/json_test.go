package codec_test

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/meshline/codec"
)

func TestDeserializeDecodesPerSourceJSON(t *testing.T) {
	c := codec.JSON{}

	value, err := c.Deserialize(map[string][]byte{
		"a": []byte(`{"x":1}`),
		"b": []byte(`[1,2,3]`),
	})
	require.NoError(t, err)

	m, ok := value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"x": 1.0}, m["a"])
	assert.Equal(t, []any{1.0, 2.0, 3.0}, m["b"])
}

func TestDeserializeEmptyPayloadIsNil(t *testing.T) {
	c := codec.JSON{}

	value, err := c.Deserialize(map[string][]byte{"a": nil})
	require.NoError(t, err)

	m := value.(map[string]any)
	assert.Nil(t, m["a"])
}

func TestDeserializeInvalidJSONIsError(t *testing.T) {
	c := codec.JSON{}
	_, err := c.Deserialize(map[string][]byte{"a": []byte(`not json`)})
	require.Error(t, err)
}

func TestSerializePlainGoValue(t *testing.T) {
	c := codec.JSON{}
	payload, err := c.Serialize(map[string]any{"ok": true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(payload))
}

func TestSerializeExportsGojaValue(t *testing.T) {
	c := codec.JSON{}
	vm := goja.New()
	val, err := vm.RunString(`({count: 3, name: "x"})`)
	require.NoError(t, err)

	payload, err := c.Serialize(val)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3,"name":"x"}`, string(payload))
}

// Round-trip: decoding a payload, exporting it to a goja value, and
// serializing back must reproduce the original JSON (spec.md §8).
func TestRoundTrip(t *testing.T) {
	c := codec.JSON{}
	original := []byte(`{"a":1,"b":[true,false],"c":"text"}`)

	value, err := c.Deserialize(map[string][]byte{"only": original})
	require.NoError(t, err)

	vm := goja.New()
	gv := vm.ToValue(value.(map[string]any)["only"])

	payload, err := c.Serialize(gv)
	require.NoError(t, err)
	assert.JSONEq(t, string(original), string(payload))
}
