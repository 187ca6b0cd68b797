package persistcache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes cache values into the opaque payload persisted by a
// PersistentStore, tagged with a type discriminator, and decodes them back.
// A codec must round-trip every value type the engine is asked to store,
// including empty containers.
type Codec[V any] interface {
	Encode(value V) (payload []byte, typeTag string, err error)
	Decode(payload []byte, typeTag string) (V, error)
}

const msgpackTypeTag = "msgpack"

// MsgpackCodec is the default Codec. It serializes values with msgpack and
// tags every payload with the same discriminator.
type MsgpackCodec[V any] struct {
}

func (c *MsgpackCodec[V]) Encode(value V) ([]byte, string, error) {
	payload, err := msgpack.Marshal(value)
	if err != nil {
		return nil, "", err
	}
	return payload, msgpackTypeTag, nil
}

func (c *MsgpackCodec[V]) Decode(payload []byte, typeTag string) (V, error) {
	var value V
	if typeTag != msgpackTypeTag {
		return value, fmt.Errorf("unsupported type tag %q", typeTag)
	}
	if err := msgpack.Unmarshal(payload, &value); err != nil {
		return value, err
	}
	return value, nil
}
