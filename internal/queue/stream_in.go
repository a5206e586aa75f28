package queue

import "github.com/qbroker/qbroker/internal/kv"

// InputStream ("iqstream", spec §4.3) owns at most one in-flight pop. It
// streams a multi-chunk item's payload one chunk at a time, or hands back a
// single stashed payload for an inline item, and commits (erase) or returns
// (no erase) the underlying item on Close.
type InputStream struct {
	q    *Queue
	open bool

	id     uint64
	header kv.Header // default {0,1,0}: single-chunk, no header stored

	isSingle   bool // true if the open item is single-chunk (including empty)
	single     []byte
	singleRead bool

	chunkPos uint64
	tell     uint64
}

// NewInputStream returns an unopened stream bound to q.
func NewInputStream(q *Queue) *InputStream {
	return &InputStream{q: q, header: kv.Header{Beg: 0, End: 1, Size: 0}}
}

// Open reserves the next item via PopBegin and reads its value, storing a
// header for multi-chunk items or stashing the payload for single-chunk
// ones. Returns false if the queue had nothing to pop.
func (s *InputStream) Open() (bool, error) {
	id, ok := s.q.PopBegin()
	if !ok {
		return false, nil
	}
	dec, err := s.q.PopRead(id)
	if err != nil {
		// Reserved but unreadable: return it rather than leak the reservation.
		_ = s.q.PopEnd(id, nil, 0, false)
		return false, err
	}

	s.id = id
	s.open = true
	s.singleRead = false
	s.tell = 0
	if dec.Header != nil {
		s.isSingle = false
		s.header = *dec.Header
		s.chunkPos = s.header.Beg
	} else {
		s.isSingle = true
		s.header = kv.Header{Beg: 0, End: 1, Size: uint64(len(dec.Payload))}
		s.single = dec.Payload
		s.chunkPos = 0
	}
	return true, nil
}

// Size returns the total payload size of the open item.
func (s *InputStream) Size() uint64 { return s.header.Size }

// Tell returns the number of payload bytes read so far.
func (s *InputStream) Tell() uint64 { return s.tell }

// IsOpen reports whether an item is currently reserved.
func (s *InputStream) IsOpen() bool { return s.open }

// Read returns the next chunk of payload. It fails with ErrEOF if the
// stream is not open or has no more chunks to read (spec §4.3).
func (s *InputStream) Read() ([]byte, error) {
	if !s.open || s.chunkPos >= s.header.End {
		return nil, &OpError{"iqstream.read", ErrEOF}
	}
	if s.isSingle {
		if s.singleRead {
			return nil, &OpError{"iqstream.read", ErrEOF}
		}
		s.singleRead = true
		s.chunkPos++
		s.tell += uint64(len(s.single))
		return s.single, nil
	}
	chunk, err := s.q.ReadChunk(s.chunkPos)
	if err != nil {
		return nil, err
	}
	s.chunkPos++
	s.tell += uint64(len(chunk))
	return chunk, nil
}

// Close ends the two-phase pop: erase permanently removes the item (and
// its chunk range), otherwise the item is returned to the queue for the
// next pop. Close is idempotent.
func (s *InputStream) Close(erase bool) error {
	if !s.open {
		return nil
	}
	s.open = false
	var headerArg *kv.Header
	if s.header.NumChunks() > 1 {
		h := s.header
		headerArg = &h
	}
	return s.q.PopEnd(s.id, headerArg, s.header.Size, erase)
}

// Abandon returns the item to the queue if it is still open — the
// safe-default drop behavior spec §4.3 requires ("on drop: if still open,
// close(false)"). It returns Close's error; logging it is the caller's
// responsibility.
func (s *InputStream) Abandon() error {
	if !s.open {
		return nil
	}
	return s.Close(false)
}
