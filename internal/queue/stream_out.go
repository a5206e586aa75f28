package queue

import "github.com/qbroker/qbroker/internal/kv"

// OutputStream ("oqstream", spec §4.4) owns at most one in-flight push. A
// single-chunk stream commits on the first Write; a multi-chunk stream
// reserves a contiguous chunk range up front and commits its header once
// the last chunk has been written.
type OutputStream struct {
	q *Queue

	open      bool
	committed bool

	header      kv.Header
	chunkPos    uint64
	chunksTotal uint64
	sync        bool
}

// NewOutputStream returns an unopened stream bound to q.
func NewOutputStream(q *Queue) *OutputStream {
	return &OutputStream{q: q}
}

// Open reserves chunksCount chunk ids (if more than one) and prepares the
// stream for Write calls. It fails with ErrAlreadyOpen if already open
// (spec §4.4).
func (s *OutputStream) Open(chunksCount uint64, sync bool) error {
	if s.open {
		return &OpError{"oqstream.open", ErrAlreadyOpen}
	}
	if chunksCount == 0 {
		chunksCount = 1
	}
	s.chunksTotal = chunksCount
	s.sync = sync
	s.committed = false
	if chunksCount > 1 {
		s.header = s.q.ReserveChunks(chunksCount)
	} else {
		s.header = kv.Header{Beg: 0, End: 1, Size: 0}
	}
	s.chunkPos = s.header.Beg
	s.open = true
	return nil
}

// IsOpen reports whether a push is currently in flight.
func (s *OutputStream) IsOpen() bool { return s.open }

// Tell returns the payload bytes written so far.
func (s *OutputStream) Tell() uint64 { return s.header.Size }

// Write appends one chunk. A single-chunk stream commits immediately
// (Push); a multi-chunk stream commits its header (PushHeader) once the
// last reserved chunk id has been written. Fails with ErrEOF past the
// reserved range or once closed (spec §4.4).
func (s *OutputStream) Write(chunk []byte) error {
	if !s.open || s.chunkPos == s.header.End {
		return &OpError{"oqstream.write", ErrEOF}
	}

	if s.header.NumChunks() <= 1 {
		if err := s.q.Push(chunk); err != nil {
			return err
		}
		s.header.Size += uint64(len(chunk))
		s.chunkPos++
		s.committed = true
		s.open = false
		return nil
	}

	if err := s.q.WriteChunk(s.chunkPos, chunk); err != nil {
		return err
	}
	s.header.Size += uint64(len(chunk))
	s.chunkPos++
	if s.chunkPos == s.header.End {
		if err := s.q.PushHeader(s.header); err != nil {
			return err
		}
		s.committed = true
		s.open = false
	}
	return nil
}

// Cancel discards a partially-written multi-chunk push, deleting any
// chunks already written. Valid only while open.
func (s *OutputStream) Cancel() error {
	if !s.open {
		return nil
	}
	s.open = false
	if s.header.NumChunks() > 1 {
		return s.q.EraseChunks(s.header)
	}
	return nil
}

// Abandon cancels an in-flight push if still open — the safe-default drop
// behavior spec §4.4 requires. It returns Cancel's error; logging it is the
// caller's responsibility.
func (s *OutputStream) Abandon() error {
	if !s.open {
		return nil
	}
	return s.Cancel()
}
