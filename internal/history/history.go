// Package history keeps a bounded per-table ring of broadcast frames
// so reconnecting clients can replay what they missed.
package history

import (
	"sync"
	"sync/atomic"
	"time"

	"cardroom/railbird/pkg/api/railbird"
)

const (
	// DefaultCapacity bounds how many frames one table retains.
	DefaultCapacity = 100
	// DefaultMaxAge bounds how old a retained frame may be.
	DefaultMaxAge = time.Hour
)

type entry struct {
	frame      railbird.Frame
	recordedAt time.Time
}

// ring is a fixed-capacity circular buffer in record order.
type ring struct {
	buf   []entry
	start int
	count int
}

func (r *ring) push(e entry) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) at(i int) entry {
	return r.buf[(r.start+i)%len(r.buf)]
}

// dropOlderThan advances past entries recorded before the cutoff and
// returns how many were dropped.
func (r *ring) dropOlderThan(cutoff time.Time) int {
	dropped := 0
	for r.count > 0 && r.at(0).recordedAt.Before(cutoff) {
		r.start = (r.start + 1) % len(r.buf)
		r.count--
		dropped++
	}
	return dropped
}

// Log assigns instance-wide sequence ids and retains recent broadcast
// frames per table. Replay never includes ping or pong frames.
type Log struct {
	mu       sync.Mutex
	rings    map[string]*ring
	capacity int
	maxAge   time.Duration

	seq atomic.Uint64
	now func() time.Time
}

// NewLog builds a Log. Non-positive arguments fall back to the defaults.
func NewLog(capacity int, maxAge time.Duration) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Log{
		rings:    make(map[string]*ring),
		capacity: capacity,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// NextSequence returns the next strictly increasing sequence id.
func (l *Log) NextSequence() uint64 {
	return l.seq.Add(1)
}

// Record stamps the frame with a fresh sequence id, stores it in the
// table's ring, and returns the stamped copy.
func (l *Log) Record(tableID string, frame railbird.Frame) railbird.Frame {
	frame.SequenceID = l.NextSequence()

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rings[tableID]
	if !ok {
		r = &ring{buf: make([]entry, l.capacity)}
		l.rings[tableID] = r
	}
	r.push(entry{frame: frame, recordedAt: l.now()})
	return frame
}

// Since returns the table's retained frames with sequence ids greater
// than after, oldest first. Expired frames and ping/pong are skipped.
func (l *Log) Since(tableID string, after uint64) []railbird.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rings[tableID]
	if !ok {
		return nil
	}
	cutoff := l.now().Add(-l.maxAge)

	var out []railbird.Frame
	for i := 0; i < r.count; i++ {
		e := r.at(i)
		if e.recordedAt.Before(cutoff) {
			continue
		}
		if e.frame.SequenceID <= after {
			continue
		}
		if e.frame.Type == railbird.TypePing || e.frame.Type == railbird.TypePong {
			continue
		}
		out = append(out, e.frame)
	}
	return out
}

// Trim drops expired frames from every ring, removes empty rings, and
// returns how many frames were dropped.
func (l *Log) Trim() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.maxAge)
	dropped := 0
	for tableID, r := range l.rings {
		dropped += r.dropOlderThan(cutoff)
		if r.count == 0 {
			delete(l.rings, tableID)
		}
	}
	return dropped
}

// Len reports how many frames a table currently retains.
func (l *Log) Len(tableID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.rings[tableID]; ok {
		return r.count
	}
	return 0
}

// Tables reports how many tables currently retain history.
func (l *Log) Tables() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rings)
}
