package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks queue throughput. Counters are safe for concurrent use.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	drops     atomic.Int64
	maxSize   atomic.Int64
	startTime time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) write(size int) {
	s.writes.Add(1)
	for {
		cur := s.maxSize.Load()
		if int64(size) <= cur || s.maxSize.CompareAndSwap(cur, int64(size)) {
			return
		}
	}
}

func (s *Statistics) read(n int) {
	s.reads.Add(int64(n))
}

func (s *Statistics) drop() {
	s.drops.Add(1)
}

// Writes returns the number of accepted items
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items read
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the number of items discarded by the overflow policy
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// MaxSize returns the highest queue length observed
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// DropRate returns drops as a fraction of all write attempts
func (s *Statistics) DropRate() float64 {
	w, d := s.Writes(), s.Drops()
	// DropOldest counts the new item as a write and the evicted one as a drop
	total := w + d
	if total == 0 {
		return 0
	}
	return float64(d) / float64(total)
}

// Throughput returns items read per second since creation
func (s *Statistics) Throughput() float64 {
	elapsed := time.Since(s.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Reads()) / elapsed
}
