package kv

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyOrdering(t *testing.T) {
	keys := []Key{
		QueueKey(0), QueueKey(1), QueueKey(2), QueueKey(1 << 40),
		ChunkKey(0), ChunkKey(5),
	}
	for i := 1; i < len(keys); i++ {
		a, b := keys[i-1].Encode(), keys[i].Encode()
		if bytes.Compare(a, b) >= 0 {
			t.Fatalf("expected %v < %v in byte order, got %v >= %v", keys[i-1], keys[i], a, b)
		}
	}
}

func TestKeyRoundTrip(t *testing.T) {
	k := Key{Type: KeyChunk, ID: 123456789}
	dk, ok := DecodeKey(k.Encode())
	if !ok || dk != k {
		t.Fatalf("round trip mismatch: got %+v ok=%v want %+v", dk, ok, k)
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("hello"),
		[]byte("A\x00"),
		[]byte("A\x00\x00"),
		{0x00},
		{0x00, 0x00, 0x00},
	}
	for _, payload := range cases {
		enc := EncodeItem(payload)
		dec, err := DecodeValue(enc)
		if err != nil {
			t.Fatalf("payload %x: decode error: %v", payload, err)
		}
		if dec.Header != nil {
			t.Fatalf("payload %x: unexpectedly decoded as header", payload)
		}
		if !bytes.Equal(dec.Payload, payload) && !(len(dec.Payload) == 0 && len(payload) == 0) {
			t.Fatalf("payload %x round-tripped to %x", payload, dec.Payload)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Beg: 10, End: 13, Size: 9000}
	dec, err := DecodeValue(h.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Header == nil || *dec.Header != h {
		t.Fatalf("got %+v, want %+v", dec.Header, h)
	}
	if dec.Header.NumChunks() != 3 {
		t.Fatalf("NumChunks = %d, want 3", dec.Header.NumChunks())
	}
}

func TestDecodeValueCorrupt(t *testing.T) {
	bad := []byte{0x41, 0x02, 0x00} // trailing "X 0x00" with X not 0/1
	if _, err := DecodeValue(bad); err != ErrCorrupt {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestStorePutGetDelete(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q1")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	k := QueueKey(1)
	if err := s.Put(k, []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := s.Get(k)
	if err != nil || !ok || string(v) != "payload" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	if err := s.Delete(k); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, err := s.Get(k); err != nil || ok {
		t.Fatalf("expected absent after delete, got ok=%v err=%v", ok, err)
	}
}

func TestStoreFirstLastOfType(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q1")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for _, id := range []uint64{0, 1, 2} {
		if err := s.Put(QueueKey(id), []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []uint64{5, 6} {
		if err := s.Put(ChunkKey(id), []byte("y")); err != nil {
			t.Fatal(err)
		}
	}

	first, ok, err := s.FirstOfType(KeyQueue)
	if err != nil || !ok || first.ID != 0 {
		t.Fatalf("FirstOfType(queue) = %+v, %v, %v", first, ok, err)
	}
	last, ok, err := s.LastOfType(KeyQueue)
	if err != nil || !ok || last.ID != 2 {
		t.Fatalf("LastOfType(queue) = %+v, %v, %v", last, ok, err)
	}
	lastChunk, ok, err := s.LastOfType(KeyChunk)
	if err != nil || !ok || lastChunk.ID != 6 {
		t.Fatalf("LastOfType(chunk) = %+v, %v, %v", lastChunk, ok, err)
	}

	overall, ok, err := s.Last()
	if err != nil || !ok || overall.Type != KeyChunk || overall.ID != 6 {
		t.Fatalf("Last() = %+v, %v, %v", overall, ok, err)
	}
}

func TestStoreCompactReclaims(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q1")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := uint64(0); i < 50; i++ {
		if err := s.Put(QueueKey(i), bytes.Repeat([]byte{'a'}, 4096)); err != nil {
			t.Fatal(err)
		}
	}
	for i := uint64(0); i < 49; i++ {
		if err := s.Delete(QueueKey(i)); err != nil {
			t.Fatal(err)
		}
	}
	dbPath := filepath.Join(dir, dbFileName)
	before, err := os.Stat(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	after, err := os.Stat(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if after.Size() >= before.Size() {
		t.Fatalf("compact did not shrink the file: %d -> %d bytes", before.Size(), after.Size())
	}
	v, ok, err := s.Get(QueueKey(49))
	if err != nil || !ok || len(v) != 4096 {
		t.Fatalf("surviving key lost after compact: %v %v %v", ok, len(v), err)
	}
}
