// Package queue implements the per-queue durable FIFO engine (spec §4.2):
// push, two-phase pop (begin/read/end), chunk allocation for multi-chunk
// items, blocking-pop waiter coordination, and compaction — all on top of
// one internal/kv.Store per queue directory.
package queue

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qbroker/qbroker/internal/kv"
)

// DefaultCompactThreshold is the bytes_evicted trigger from spec §4.2. Every
// queue opened by Open uses it; Config.CompactThresholdBytes is not passed
// to the queue engine.
const DefaultCompactThreshold = 32 * 1024 * 1024

// Stats is a point-in-time snapshot of a queue's bookkeeping counters, used
// to answer STATS and to drive metrics export.
type Stats struct {
	Name           string
	Count          int
	ItemsOpen      int
	BytesEvicted   uint64
	HeadID         uint64
	TailID         uint64
	ChunksHeadID   uint64
	Waiters        int
	ItemsEnqueued  uint64
	ItemsDequeued  uint64
	TotalFlushes   uint64
	Compactions    uint64
}

// Queue is one named durable FIFO. All exported methods are safe for
// concurrent use: the engine is not internally parallel (spec §5 — "the
// queue engine itself is not thread-safe"), so every operation takes a
// single mutex, giving the "serially executed under that lock" model the
// spec allows as an alternative to a single-threaded event loop.
type Queue struct {
	mu sync.Mutex

	name   string
	store  *kv.Store
	parent string // directory the store lives under, for Destroy renaming

	headID       uint64
	tailID       uint64
	chunksHeadID uint64
	returned     []uint64 // kept sorted ascending
	itemsOpen    int
	bytesEvicted uint64

	compactThreshold uint64

	waiters      *list.List // of *waiterEntry
	wakeupCursor *list.Element

	itemsEnqueued uint64
	itemsDequeued uint64
	totalFlushes  uint64
	compactions   uint64

	destroyOnDrop bool
}

type waiterEntry struct {
	ch chan struct{} // buffered(1); exactly one send ever happens
}

// Open recovers or creates the queue rooted at dir, following the scan
// procedure of spec §4.2 "Open".
func Open(name, dir string) (*Queue, error) {
	store, err := kv.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", name, err)
	}
	q := &Queue{
		name:             name,
		store:            store,
		parent:           dir,
		compactThreshold: DefaultCompactThreshold,
		waiters:          list.New(),
	}
	if err := q.recover(); err != nil {
		store.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) recover() error {
	qFirst, ok, err := q.store.FirstOfType(kv.KeyQueue)
	if err != nil {
		return err
	}
	if !ok {
		q.tailID, q.headID, q.chunksHeadID = 0, 0, 0
		return nil
	}
	q.tailID = qFirst.ID

	qLast, _, err := q.store.LastOfType(kv.KeyQueue)
	if err != nil {
		return err
	}
	q.headID = qLast.ID + 1

	cLast, hasChunks, err := q.store.LastOfType(kv.KeyChunk)
	if err != nil {
		return err
	}
	if hasChunks {
		q.chunksHeadID = cLast.ID + 1
	} else {
		q.chunksHeadID = 0
	}
	return nil
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Push writes a single-chunk item, applying the escape rule, and wakes the
// next waiter (spec §4.2 push).
func (q *Queue) Push(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.headID
	if err := q.store.Put(kv.QueueKey(id), kv.EncodeItem(payload)); err != nil {
		return &OpError{"push", err}
	}
	q.headID++
	q.itemsEnqueued++
	q.wakeLocked()
	return nil
}

// PushHeader writes a multi-chunk item's header record and wakes the next
// waiter (spec §4.2 push_header).
func (q *Queue) PushHeader(h kv.Header) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.headID
	if err := q.store.Put(kv.QueueKey(id), h.Encode()); err != nil {
		return &OpError{"push_header", err}
	}
	q.headID++
	q.itemsEnqueued++
	q.wakeLocked()
	return nil
}

// PopBegin reserves the next available id — the smallest returned id if
// any, else the current tail — and returns (id, true), or (0, false) if the
// queue has nothing available.
func (q *Queue) PopBegin() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popBeginLocked()
}

func (q *Queue) popBeginLocked() (uint64, bool) {
	var id uint64
	if len(q.returned) > 0 {
		id = q.returned[0]
		q.returned = q.returned[1:]
	} else if q.tailID < q.headID {
		id = q.tailID
		q.tailID++
	} else {
		return 0, false
	}
	q.itemsOpen++
	return id, true
}

// PopRead reads and decodes the value stored under a reserved id.
func (q *Queue) PopRead(id uint64) (kv.Decoded, error) {
	raw, ok, err := q.store.Get(kv.QueueKey(id))
	if err != nil {
		return kv.Decoded{}, &OpError{"pop_read", err}
	}
	if !ok {
		return kv.Decoded{}, &OpError{"pop_read", ErrNotFound}
	}
	dec, err := kv.DecodeValue(raw)
	if err != nil {
		return kv.Decoded{}, &OpError{"pop_read", err}
	}
	return dec, nil
}

// PopEnd closes a two-phase pop: erase permanently deletes the item (and
// any chunk range referenced by header), decrementing itemsOpen exactly
// once per the spec's resolution of the items_open ambiguity (§9) —
// decrement happens here, never in PopBegin. size is the evicted payload's
// total byte count, used for the bytes_evicted compaction trigger.
func (q *Queue) PopEnd(id uint64, header *kv.Header, size uint64, erase bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if erase {
		b := kv.NewBatch()
		b.Delete(kv.QueueKey(id))
		if header != nil && header.NumChunks() > 1 {
			b.DeleteRange(kv.KeyChunk, header.Beg, header.End)
		}
		if err := q.store.Apply(b); err != nil {
			return &OpError{"pop_end", err}
		}
		q.bytesEvicted += size
		q.itemsDequeued++
		if q.bytesEvicted > q.compactThreshold {
			if err := q.compactLocked(); err != nil {
				q.itemsOpen--
				return &OpError{"pop_end.compact", err}
			}
			q.bytesEvicted = 0
		}
	} else {
		q.insertReturnedLocked(id)
		q.wakeLocked()
	}
	q.itemsOpen--
	return nil
}

func (q *Queue) insertReturnedLocked(id uint64) {
	i := sort.Search(len(q.returned), func(i int) bool { return q.returned[i] >= id })
	q.returned = append(q.returned, 0)
	copy(q.returned[i+1:], q.returned[i:])
	q.returned[i] = id
}

// ReserveChunks allocates count contiguous chunk ids for an oqstream and
// returns the zero-size header describing the range (spec §4.2
// reserve_chunks).
func (q *Queue) ReserveChunks(count uint64) kv.Header {
	q.mu.Lock()
	defer q.mu.Unlock()
	beg := q.chunksHeadID
	q.chunksHeadID += count
	return kv.Header{Beg: beg, End: beg + count}
}

// WriteChunk stores one chunk payload.
func (q *Queue) WriteChunk(id uint64, payload []byte) error {
	if err := q.store.Put(kv.ChunkKey(id), payload); err != nil {
		return &OpError{"write_chunk", err}
	}
	return nil
}

// ReadChunk reads one chunk payload.
func (q *Queue) ReadChunk(id uint64) ([]byte, error) {
	v, ok, err := q.store.Get(kv.ChunkKey(id))
	if err != nil {
		return nil, &OpError{"read_chunk", err}
	}
	if !ok {
		return nil, &OpError{"read_chunk", ErrNotFound}
	}
	return v, nil
}

// EraseChunks deletes a whole chunk range in one atomic batch (spec §4.2).
func (q *Queue) EraseChunks(h kv.Header) error {
	if h.NumChunks() <= 1 {
		return nil
	}
	b := kv.NewBatch()
	b.DeleteRange(kv.KeyChunk, h.Beg, h.End)
	if err := q.store.Apply(b); err != nil {
		return &OpError{"erase_chunks", err}
	}
	return nil
}

// Count returns (queue_head_id - queue_tail_id) + |returned| (spec §4.2).
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.headID-q.tailID) + len(q.returned)
}

// Wait blocks the calling goroutine until either the queue has work
// available or timeout elapses, returning true on the former; if the queue
// already has work when Wait is called it returns true at once. A
// non-positive timeout is treated as one millisecond — spec §8 "pop on
// empty queue with wait=0 → NotFound immediately" is implemented one level
// up, by the connection not calling Wait at all when timeout is zero.
func (q *Queue) Wait(timeout time.Duration) bool {
	q.mu.Lock()
	if len(q.returned) > 0 || q.tailID < q.headID {
		q.mu.Unlock()
		return true
	}
	entry := &waiterEntry{ch: make(chan struct{}, 1)}
	elem := q.waiters.PushBack(entry)
	if q.wakeupCursor == nil {
		q.wakeupCursor = elem
	}
	q.mu.Unlock()

	if timeout <= 0 {
		timeout = time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-entry.ch:
		return true
	case <-timer.C:
		return q.waiterTimeout(elem, entry)
	}
}

// waiterTimeout runs on timer expiry. It re-checks state under the lock so
// a push that lands in the race window between timer fire and this
// function acquiring the lock is never lost (spec §5 ordering guarantee).
func (q *Queue) waiterTimeout(elem *list.Element, entry *waiterEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-entry.ch:
		return true
	default:
	}
	q.removeWaiterLocked(elem)
	return false
}

// wakeLocked notifies the next waiter in FIFO arrival order, if any. Called
// with q.mu held, from Push/PushHeader/PopEnd(return).
func (q *Queue) wakeLocked() {
	if q.wakeupCursor == nil {
		return
	}
	elem := q.wakeupCursor
	entry := elem.Value.(*waiterEntry)
	q.removeWaiterLocked(elem)
	select {
	case entry.ch <- struct{}{}:
	default:
	}
}

func (q *Queue) removeWaiterLocked(elem *list.Element) {
	if q.wakeupCursor == elem {
		q.wakeupCursor = elem.Next()
	}
	q.waiters.Remove(elem)
}

// Compact asks the store to reclaim space below the current low water mark
// (spec §4.2 compact()).
func (q *Queue) Compact() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.compactLocked()
}

func (q *Queue) compactLocked() error {
	if err := q.store.Compact(); err != nil {
		return err
	}
	q.compactions++
	return nil
}

// Destroy closes the queue's store and renames its directory to free its
// name immediately; the store is not reopened, so the queue cannot be used
// afterwards. Returns the renamed path so the caller (the registry) can
// delete it asynchronously.
func (q *Queue) Destroy() (renamedTo string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dst, err := q.store.Destroy()
	if err != nil {
		return "", &OpError{"destroy", err}
	}
	q.destroyOnDrop = true
	return dst, nil
}

// Flush discards all contents of the queue in place (spec §4.2 flush()).
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Flush(); err != nil {
		return &OpError{"flush", err}
	}
	q.headID, q.tailID, q.chunksHeadID = 0, 0, 0
	q.returned = nil
	q.itemsOpen = 0
	q.bytesEvicted = 0
	q.totalFlushes++
	return nil
}

// Close closes the underlying store handle.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Close()
}

// Stats returns a point-in-time snapshot for STATS/metrics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Name:          q.name,
		Count:         int(q.headID-q.tailID) + len(q.returned),
		ItemsOpen:     q.itemsOpen,
		BytesEvicted:  q.bytesEvicted,
		HeadID:        q.headID,
		TailID:        q.tailID,
		ChunksHeadID:  q.chunksHeadID,
		Waiters:       q.waiters.Len(),
		ItemsEnqueued: q.itemsEnqueued,
		ItemsDequeued: q.itemsDequeued,
		TotalFlushes:  q.totalFlushes,
		Compactions:   q.compactions,
	}
}
