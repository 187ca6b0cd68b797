package persistcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMsgpackCodecRoundTrip(t *testing.T) {
	type payload struct {
		Name  string
		Count int
		Tags  []string
	}

	codec := &MsgpackCodec[payload]{}
	in := payload{Name: "foo", Count: 3, Tags: []string{"a", "b"}}

	data, tag, err := codec.Encode(in)
	require.NoError(t, err)
	assert.Equal(t, "msgpack", tag)

	out, err := codec.Decode(data, tag)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMsgpackCodecEmptyContainers(t *testing.T) {
	codec := &MsgpackCodec[map[string][]int]{}
	in := map[string][]int{}

	data, tag, err := codec.Encode(in)
	require.NoError(t, err)
	out, err := codec.Decode(data, tag)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMsgpackCodecRejectsUnknownTag(t *testing.T) {
	codec := &MsgpackCodec[string]{}
	data, _, err := codec.Encode("foo")
	require.NoError(t, err)

	_, err = codec.Decode(data, "json")
	assert.Error(t, err)
}

func TestKeyCodecs(t *testing.T) {
	stringKey := StringKey{}
	assert.Equal(t, "foo", stringKey.Marshal("foo"))
	key, err := stringKey.Unmarshal("foo")
	assert.Nil(t, err)
	assert.Equal(t, "foo", key)

	intKey := IntKey{}
	assert.Equal(t, "42", intKey.Marshal(42))
	keyInt, err := intKey.Unmarshal("42")
	assert.Nil(t, err)
	assert.Equal(t, 42, keyInt)

	_, err = intKey.Unmarshal("not-a-number")
	assert.Error(t, err)
}
