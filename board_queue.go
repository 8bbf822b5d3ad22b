package redax

import (
	"sync"
	"sync/atomic"
)

// DefaultBoardQueueCapacity bounds the number of DataPackets a BoardQueue
// will hold before Push starts refusing new packets. This is the Go
// rewrite's answer to spec.md's Open Question about whether queue growth
// should escalate: rather than growing without bound until the Supervisor
// notices and force-quits, the queue itself refuses once badly backed up,
// and the readout loop logs and drops. See DESIGN.md.
const DefaultBoardQueueCapacity = 20000

// BoardQueue is a bounded, mutex-guarded FIFO of DataPackets for one
// board. One readout thread (which may own several boards) produces into
// it; exactly one FormatterWorker consumes from it. Size/length counters
// and the data-rate accumulator are atomics so monitoring code can poll
// them without taking the mutex.
type BoardQueue struct {
	mu       sync.Mutex
	items    []*DataPacket
	capacity int

	length    int32 // atomic: number of packets currently queued
	sizeBytes int64 // atomic: sum of ByteSize for packets currently queued
	dataRate  int64 // atomic: bytes pushed since the last TakeDataRate
}

// NewBoardQueue creates an empty BoardQueue with the given bound. A
// capacity <= 0 uses DefaultBoardQueueCapacity.
func NewBoardQueue(capacity int) *BoardQueue {
	if capacity <= 0 {
		capacity = DefaultBoardQueueCapacity
	}
	return &BoardQueue{capacity: capacity}
}

// Push appends dp to the queue. It returns false without modifying the
// queue if the queue is already at capacity.
func (q *BoardQueue) Push(dp *DataPacket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, dp)
	atomic.AddInt32(&q.length, 1)
	atomic.AddInt64(&q.sizeBytes, int64(dp.ByteSize))
	atomic.AddInt64(&q.dataRate, int64(dp.ByteSize))
	return true
}

// Len returns the number of packets currently queued, race-free.
func (q *BoardQueue) Len() int {
	return int(atomic.LoadInt32(&q.length))
}

// SizeBytes returns the sum of ByteSize over packets currently queued.
func (q *BoardQueue) SizeBytes() int64 {
	return atomic.LoadInt64(&q.sizeBytes)
}

// TakeDataRate returns the number of bytes pushed since the previous call
// (or since construction) and resets the accumulator to zero. Intended
// for periodic rate reporting by the Supervisor.
func (q *BoardQueue) TakeDataRate() int64 {
	return atomic.SwapInt64(&q.dataRate, 0)
}

// DrainAll removes and returns every packet currently queued, in one
// locked swap. This is the "dual" buffering discipline of spec.md §4.2:
// the batch a FormatterWorker processes is exactly what had accumulated
// since the previous drain.
func (q *BoardQueue) DrainAll() []*DataPacket {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	batch := q.items
	q.items = nil
	atomic.StoreInt32(&q.length, 0)
	n := int64(0)
	for _, dp := range batch {
		n += int64(dp.ByteSize)
	}
	atomic.AddInt64(&q.sizeBytes, -n)
	return batch
}

// DrainOne removes and returns the oldest queued packet, if any. This is
// the "single" buffering discipline of spec.md §4.2.
func (q *BoardQueue) DrainOne() (*DataPacket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	dp := q.items[0]
	q.items = q.items[1:]
	atomic.AddInt32(&q.length, -1)
	atomic.AddInt64(&q.sizeBytes, -int64(dp.ByteSize))
	return dp, true
}

// Clear discards all queued packets, returning how many were dropped.
// Used by the Supervisor's force-quit path (spec.md §7, category 5), after
// the workers have stopped.
func (q *BoardQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	atomic.StoreInt32(&q.length, 0)
	atomic.StoreInt64(&q.sizeBytes, 0)
	return n
}
