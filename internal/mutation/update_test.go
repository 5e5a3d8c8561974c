package mutation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txlog/internal/doc"
)

func TestUpdateJSON_FlatEncoding(t *testing.T) {
	u := NewUpdate(Pull, "foo", map[string]any{"bar": 1}, "n", 2)

	data, err := json.Marshal(u)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"command": "$pull",
		"data": [
			{"key": "foo", "value": "{\"bar\":1}", "json": true},
			{"key": "n", "value": 2}
		]
	}`, string(data))
}

func TestUpdateJSON_Lossless(t *testing.T) {
	u := NewUpdate(Set,
		"s", "text",
		"f", 2.0,
		"list", []any{1, "two", map[string]any{"three": 3.5}},
		"null", nil,
	)

	data, err := json.Marshal(u)
	require.NoError(t, err)

	var decoded Update
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, u.Command, decoded.Command)
	require.Len(t, decoded.Fields, len(u.Fields))
	for i := range u.Fields {
		assert.Equal(t, u.Fields[i].Key, decoded.Fields[i].Key)
		assert.True(t, doc.Equal(u.Fields[i].Value, decoded.Fields[i].Value), "field %s", u.Fields[i].Key)
	}
}

func TestUpdateJSON_RejectsCorruptEmbeddedValue(t *testing.T) {
	var u Update
	err := json.Unmarshal([]byte(`{"command":"$set","data":[{"key":"a","value":5,"json":true}]}`), &u)
	assert.Error(t, err)
}

func TestFromObject_SortsKeys(t *testing.T) {
	u := FromObject(Set, doc.NewObject("b", 1, "a", 2))
	assert.Equal(t, []string{"a", "b"}, u.Keys())
}

func TestMutationKeys_Deduplicates(t *testing.T) {
	m := Of(NewUpdate(Set, "a", 1, "b", 2), NewUpdate(Unset, "a", ""), Update{Command: Inc})
	assert.Equal(t, []string{"a", "b"}, m.Keys())
	assert.Len(t, m, 2)
}
