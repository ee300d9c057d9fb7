package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValue_UnmarshalJSON(t *testing.T) {
	var answers Answers
	require.NoError(t, json.Unmarshal([]byte(`{
		"topic":  {"value": "volcanoes"},
		"grade":  {"value": 7},
		"agree":  {"value": true},
		"tags":   {"value": ["a", "other"], "otherValue": "b"},
		"blank":  {"value": null},
		"silent": {}
	}`), &answers))

	require.Equal(t, "volcanoes", answers["topic"].Value.Scalar())
	require.Equal(t, "7", answers["grade"].Value.Scalar())
	require.Equal(t, "true", answers["agree"].Value.Scalar())
	require.True(t, answers["tags"].Value.IsList())
	require.Equal(t, []string{"a", "other"}, answers["tags"].Value.Items())
	require.Equal(t, "b", answers["tags"].OtherValue)
	require.False(t, answers["blank"].Value.Present())
	require.False(t, answers["silent"].Value.Present())
}

func TestValue_UnmarshalJSON_RejectsObjects(t *testing.T) {
	var a Answer
	err := json.Unmarshal([]byte(`{"value": {"nested": 1}}`), &a)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported answer value")
}

func TestValue_EmptyAndString(t *testing.T) {
	require.True(t, Value{}.Empty())
	require.True(t, Text("").Empty())
	require.True(t, List().Empty())
	require.False(t, Text("x").Empty())
	require.False(t, List("").Empty(), "a list with one blank item still has content")

	require.Equal(t, "a,b", List("a", "b").String())
	require.Equal(t, "2.5", Number(2.5).String())
	require.Equal(t, "false", Bool(false).String())
}

func TestValue_ItemsIsACopy(t *testing.T) {
	v := List("a", "b")
	items := v.Items()
	items[0] = "z"
	require.Equal(t, []string{"a", "b"}, v.Items())
	require.Nil(t, Text("a").Items())
}

func TestValue_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(Answers{
		"topic": {Value: Text("volcanoes")},
		"tags":  {Value: List("a", "other"), OtherValue: "b"},
		"blank": {},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"topic": {"value": "volcanoes"},
		"tags":  {"value": ["a", "other"], "otherValue": "b"},
		"blank": {"value": null}
	}`, string(b))
}
