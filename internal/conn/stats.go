package conn

import (
	"sync/atomic"
	"time"
)

// ProcessStats holds the process-wide mutable counters spec §5 calls out as
// the only state shared across connections — protected here with atomics
// rather than a mutex, since every field is an independent counter.
type ProcessStats struct {
	StartedAt time.Time

	CmdGets          atomic.Uint64
	CmdSets          atomic.Uint64
	GetHits          atomic.Uint64
	GetMisses        atomic.Uint64
	BytesRead        atomic.Uint64
	BytesWritten     atomic.Uint64
	TotalConnections atomic.Uint64
	CurrConnections  atomic.Int64
}

// NewProcessStats returns a ProcessStats timestamped at construction.
func NewProcessStats() *ProcessStats {
	return &ProcessStats{StartedAt: time.Now()}
}

// Uptime returns elapsed time since the process started serving.
func (s *ProcessStats) Uptime() time.Duration {
	return time.Since(s.StartedAt)
}
