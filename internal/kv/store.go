package kv

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var bucketItems = []byte("items")

const dbFileName = "queue.db"

// Store is the ordered key-value handle for one queue's directory: a single
// boltdb file holding both the queue-item range and the chunk range in one
// bucket, kept apart by the Key type tag. BoltDB's native byte-lexicographic
// ordering within a bucket gives the "(type, id)" ordering spec §4.1 asks of
// the store's comparator, given the big-endian key encoding in key.go.
type Store struct {
	dir string
	db  *bolt.DB
}

// Open creates dir if missing and opens (or creates) its boltdb file.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kv: mkdir %s: %w", dir, err)
	}
	db, err := bolt.Open(filepath.Join(dir, dbFileName), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", dir, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketItems)
		return e
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: init bucket: %w", err)
	}
	return &Store{dir: dir, db: db}, nil
}

// Dir returns the directory this store is rooted at.
func (s *Store) Dir() string { return s.dir }

// Close closes the underlying boltdb file.
func (s *Store) Close() error { return s.db.Close() }

// Put writes key -> value in its own transaction.
func (s *Store) Put(key Key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).Put(key.Encode(), value)
	})
}

// Get reads the value for key, returning (nil, false) if absent. The
// returned slice is a copy safe to use outside the read transaction.
func (s *Store) Get(key Key) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketItems).Get(key.Encode())
		if v != nil {
			out = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return out, found, err
}

// Delete removes key, a no-op if absent.
func (s *Store) Delete(key Key) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).Delete(key.Encode())
	})
}

// Batch is a set of deletes (and, in principle, puts) applied atomically.
// It mirrors the spec's "atomic batch" requirement for pop_end(erase) and
// erase_chunks.
type Batch struct {
	deletes [][]byte
	puts    map[string][]byte
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{puts: make(map[string][]byte)} }

// Delete queues key for deletion.
func (b *Batch) Delete(key Key) { b.deletes = append(b.deletes, key.Encode()) }

// DeleteRange queues deletion of every chunk id in [beg, end).
func (b *Batch) DeleteRange(t KeyType, beg, end uint64) {
	for id := beg; id < end; id++ {
		b.Delete(Key{Type: t, ID: id})
	}
}

// Put queues key -> value for write.
func (b *Batch) Put(key Key, value []byte) { b.puts[string(key.Encode())] = value }

// Apply commits every queued operation in one boltdb transaction.
func (s *Store) Apply(b *Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketItems)
		for _, k := range b.deletes {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		for k, v := range b.puts {
			if err := bk.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// FirstOfType seeks the smallest key of the given type. ok is false if the
// type's range is empty.
func (s *Store) FirstOfType(t KeyType) (Key, bool, error) {
	var out Key
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketItems).Cursor()
		k, _ := c.Seek(RangeStart(t))
		if k == nil {
			return nil
		}
		dk, decOk := DecodeKey(k)
		if !decOk || dk.Type != t {
			return nil
		}
		out, ok = dk, true
		return nil
	})
	return out, ok, err
}

// LastOfType finds the largest key of the given type. ok is false if empty.
func (s *Store) LastOfType(t KeyType) (Key, bool, error) {
	var out Key
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketItems).Cursor()
		k, _ := c.Seek(RangeEnd(t))
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		if k == nil {
			return nil
		}
		dk, decOk := DecodeKey(k)
		if !decOk || dk.Type != t {
			return nil
		}
		out, ok = dk, true
		return nil
	})
	return out, ok, err
}

// Last returns the overall largest key in the store, across both types.
func (s *Store) Last() (Key, bool, error) {
	var out Key
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketItems).Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		dk, decOk := DecodeKey(k)
		if !decOk {
			return nil
		}
		out, ok = dk, true
		return nil
	})
	return out, ok, err
}

// Compact reclaims space from deleted keys by copying the live dataset into
// a fresh file and swapping it in, boltdb's standard full-file reclamation
// idiom (boltdb exposes no partial-range compaction API).
func (s *Store) Compact() error {
	tmpPath := filepath.Join(s.dir, dbFileName+".compact")
	_ = os.Remove(tmpPath)
	tmp, err := bolt.Open(tmpPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("kv: open compact target: %w", err)
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		return tmp.Update(func(ttx *bolt.Tx) error {
			dst, err := ttx.CreateBucketIfNotExists(bucketItems)
			if err != nil {
				return err
			}
			c := tx.Bucket(bucketItems).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if err := dst.Put(bytes.Clone(k), bytes.Clone(v)); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("kv: compact copy: %w", err)
	}
	live := s.db.Path()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("kv: close before compact swap: %w", err)
	}
	if err := os.Rename(tmpPath, live); err != nil {
		return fmt.Errorf("kv: compact swap: %w", err)
	}
	db, err := bolt.Open(live, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("kv: reopen after compact: %w", err)
	}
	s.db = db
	return nil
}

// Destroy closes the store and renames its directory to a sibling "<dir>.N"
// path (the smallest free N), freeing the original name for immediate
// reuse. The store is not reopened at the new path: every later operation
// on s fails. The caller is expected to remove the renamed directory
// (RemoveRenamed).
func (s *Store) Destroy() (renamedTo string, err error) {
	parent := filepath.Dir(s.dir)
	base := filepath.Base(s.dir)
	if err := s.db.Close(); err != nil {
		return "", fmt.Errorf("kv: close before destroy: %w", err)
	}
	var dst string
	for n := 0; ; n++ {
		candidate := filepath.Join(parent, fmt.Sprintf("%s.%d", base, n))
		if _, statErr := os.Stat(candidate); os.IsNotExist(statErr) {
			dst = candidate
			break
		}
	}
	if err := os.Rename(s.dir, dst); err != nil {
		return "", fmt.Errorf("kv: rename for destroy: %w", err)
	}
	return dst, nil
}

// RemoveRenamed deletes a directory previously returned by Destroy.
func RemoveRenamed(path string) error {
	return os.RemoveAll(path)
}

// Flush discards all contents: close, remove the directory, reopen empty.
func (s *Store) Flush() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("kv: close before flush: %w", err)
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("kv: remove for flush: %w", err)
	}
	fresh, err := Open(s.dir)
	if err != nil {
		return err
	}
	s.db = fresh.db
	return nil
}
