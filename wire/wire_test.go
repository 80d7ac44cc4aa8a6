package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseRejectsInvalidJSON(t *testing.T) {
	require := require.New(t)
	_, err := Parse([]byte("{not json"))
	require.Error(err)
}

func TestTypedAccessors(t *testing.T) {
	require := require.New(t)
	node, err := Parse([]byte(`{
		"Name": "general",
		"Count": 42,
		"Rooms": [{"RoomId": "r1"}, {"RoomId": "r2"}],
		"Nested": {"Deep": {"Value": "x"}}
	}`))
	require.Nil(err)

	name, ok := node.String("Name")
	require.True(ok)
	require.Equal("general", name)

	_, ok = node.String("Count")
	require.False(ok)
	_, ok = node.String("Missing")
	require.False(ok)

	count, ok := node.Int("Count")
	require.True(ok)
	require.Equal(int64(42), count)
	_, ok = node.Int("Name")
	require.False(ok)

	rooms, ok := node.Array("Rooms")
	require.True(ok)
	require.Len(rooms, 2)
	id, ok := rooms[1].String("RoomId")
	require.True(ok)
	require.Equal("r2", id)
	_, ok = node.Array("Name")
	require.False(ok)

	deep := node.Get("Nested").Get("Deep")
	require.True(deep.Exists())
	v, ok := deep.String("Value")
	require.True(ok)
	require.Equal("x", v)
	require.False(node.Get("Nowhere").Exists())
}

func TestTimeParsing(t *testing.T) {
	require := require.New(t)
	node, err := Parse([]byte(`{
		"CreatedOn": "2017-10-02T14:30:45.123456Z",
		"Bad": "yesterday",
		"NotAString": 7
	}`))
	require.Nil(err)

	ts, raw, ok := node.Time("CreatedOn")
	require.True(ok)
	require.Equal("2017-10-02T14:30:45.123456Z", raw)
	require.Equal(time.Date(2017, 10, 2, 14, 30, 45, 123456000, time.UTC), ts.UTC())

	_, _, ok = node.Time("Bad")
	require.False(ok)
	_, _, ok = node.Time("NotAString")
	require.False(ok)
	_, _, ok = node.Time("Missing")
	require.False(ok)
}
