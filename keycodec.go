package persistcache

import "strconv"

// KeyCodec maps cache keys to the string form used by the persistent store
// and back. The mapping must be injective: two distinct keys must never
// marshal to the same string.
type KeyCodec[K comparable] interface {
	Marshal(K) string
	Unmarshal(string) (K, error)
}

// StringKey is the identity KeyCodec for string-keyed caches.
type StringKey struct{}

func (StringKey) Marshal(key string) string { return key }

func (StringKey) Unmarshal(data string) (string, error) { return data, nil }

// IntKey encodes int keys in base 10.
type IntKey struct{}

func (IntKey) Marshal(key int) string { return strconv.Itoa(key) }

func (IntKey) Unmarshal(data string) (int, error) { return strconv.Atoi(data) }
