// Package reorder holds accepted records until they are old enough to be
// written in timestamp order.
package reorder

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"firestige.xyz/pcap4mcast/internal/core"
	"firestige.xyz/pcap4mcast/internal/metrics"
)

// DefaultHorizon is how far behind wallclock a record must be before a
// periodic drain releases it.
const DefaultHorizon = 500 * time.Millisecond

// Sink receives drained records in ascending key order. Returning an error
// stops the drain.
type Sink func(rec *core.Record) error

type entry struct {
	rec *core.Record
	seq uint64
}

// recordHeap orders by key, then by insertion order for equal keys.
type recordHeap []entry

func (h recordHeap) Len() int { return len(h) }

func (h recordHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.rec.Key != b.rec.Key {
		return a.rec.Key.Less(b.rec.Key)
	}
	return a.seq < b.seq
}

func (h recordHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *recordHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }

func (h *recordHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

// Buffer is a timestamp-ordered multiset of records. It is safe for
// concurrent use; the lock is never held while a Sink runs.
type Buffer struct {
	mu      sync.Mutex
	heap    recordHeap
	nextSeq uint64
	horizon time.Duration
}

func New(horizon time.Duration) *Buffer {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Buffer{horizon: horizon}
}

// Horizon returns the flush horizon used by DrainAged.
func (b *Buffer) Horizon() time.Duration {
	return b.horizon
}

// Insert adds rec. Records with equal keys keep their insertion order.
func (b *Buffer) Insert(rec *core.Record) {
	b.mu.Lock()
	heap.Push(&b.heap, entry{rec: rec, seq: b.nextSeq})
	b.nextSeq++
	n := len(b.heap)
	b.mu.Unlock()
	metrics.ReorderQueueDepth.Set(float64(n))
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.heap)
}

// Cutoff returns the key below which records are released at now.
func (b *Buffer) Cutoff(now time.Time) core.Key {
	return core.KeyFromTime(now.Add(-b.horizon))
}

// DrainBefore removes every record whose key is strictly less than cutoff
// and passes them to sink in ascending order, one record per lock hold.
// A sink error stops the drain; the failed record is dropped and the rest
// stay buffered. It returns the number of records sunk.
func (b *Buffer) DrainBefore(cutoff core.Key, sink Sink) (int, error) {
	n := 0
	for {
		b.mu.Lock()
		if len(b.heap) == 0 || !b.heap[0].rec.Key.Less(cutoff) {
			depth := len(b.heap)
			b.mu.Unlock()
			metrics.ReorderQueueDepth.Set(float64(depth))
			return n, nil
		}
		rec := heap.Pop(&b.heap).(entry).rec
		b.mu.Unlock()

		if err := sink(rec); err != nil {
			metrics.ReorderQueueDepth.Set(float64(b.Len()))
			return n, err
		}
		n++
	}
}

// DrainAged drains every record older than the flush horizon at now.
func (b *Buffer) DrainAged(now time.Time, sink Sink) (int, error) {
	return b.DrainBefore(b.Cutoff(now), sink)
}

// DrainAll empties the buffer regardless of age. The whole heap is swapped
// out at once, so records not yet sunk when the sink fails are dropped.
func (b *Buffer) DrainAll(sink Sink) (int, error) {
	b.mu.Lock()
	all := b.heap
	b.heap = nil
	b.mu.Unlock()
	metrics.ReorderQueueDepth.Set(0)

	sort.Sort(all)
	ready := make([]*core.Record, len(all))
	for i, e := range all {
		ready[i] = e.rec
	}
	return sinkAll(ready, sink)
}

func sinkAll(recs []*core.Record, sink Sink) (int, error) {
	for i, rec := range recs {
		if err := sink(rec); err != nil {
			return i, err
		}
	}
	return len(recs), nil
}
