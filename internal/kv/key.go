// Package kv implements the ordered key-value layer one durable queue is
// built on: fixed-width keys, the item/chunk header encoding, and a boltdb
// handle per queue directory.
package kv

import "encoding/binary"

// KeyType distinguishes a queue-item key from a chunk key. Ordering by type
// first lets a single Seek locate the start of either range.
type KeyType byte

const (
	KeyQueue KeyType = 1
	KeyChunk KeyType = 2
)

// KeySize is the encoded width of a Key: 1 type byte + 8 id bytes.
const KeySize = 9

// Key identifies a single record: either a queue item (KeyQueue) or a
// chunk fragment (KeyChunk), both addressed by a monotonic id.
//
// The id is encoded big-endian so that boltdb's native byte-lexicographic
// bucket ordering sorts keys as (type, id) with unsigned numeric id order —
// boltdb has no pluggable comparator, so this replaces the little-endian +
// custom-comparator scheme a leveldb/pebble-backed store would use.
type Key struct {
	Type KeyType
	ID   uint64
}

// Encode writes the 9-byte wire form of k.
func (k Key) Encode() []byte {
	buf := make([]byte, KeySize)
	buf[0] = byte(k.Type)
	binary.BigEndian.PutUint64(buf[1:], k.ID)
	return buf
}

// DecodeKey parses a 9-byte key. ok is false if buf is the wrong length.
func DecodeKey(buf []byte) (Key, bool) {
	if len(buf) != KeySize {
		return Key{}, false
	}
	return Key{Type: KeyType(buf[0]), ID: binary.BigEndian.Uint64(buf[1:])}, true
}

// QueueKey builds a KeyQueue key for id.
func QueueKey(id uint64) Key { return Key{Type: KeyQueue, ID: id} }

// ChunkKey builds a KeyChunk key for id.
func ChunkKey(id uint64) Key { return Key{Type: KeyChunk, ID: id} }

// RangeStart returns the smallest possible key of the given type, suitable
// as a Seek target for the start of that type's range.
func RangeStart(t KeyType) []byte { return Key{Type: t, ID: 0}.Encode() }

// RangeEnd returns a key strictly greater than every key of type t, suitable
// as an exclusive upper bound for range scans/deletes.
func RangeEnd(t KeyType) []byte { return Key{Type: t + 1, ID: 0}.Encode() }
