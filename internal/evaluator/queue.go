package evaluator

import (
	"container/heap"
	"sync"
	"time"

	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// pendingKey identifies one candidate order: a MID can be pending for
// delivery and ack at the same time (once delivered, before it's claimed).
type pendingKey struct {
	mid  relaytypes.MID
	kind relaytypes.OrderKind
}

// readyEntry is what the heap orders: FIFO by the triggering event's
// position, exactly like the requirement of emitting orders in the order
// their events occurred. readyTime is carried alongside for the grace
// period gate, not for ordering.
type readyEntry struct {
	position  relaytypes.LogPosition
	key       pendingKey
	readyTime time.Time
}

type positionHeap []readyEntry

func (h positionHeap) Len() int      { return len(h) }
func (h positionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h positionHeap) Less(i, j int) bool {
	return h[j].position.After(h[i].position)
}
func (h *positionHeap) Push(x any) { *h = append(*h, x.(readyEntry)) }
func (h *positionHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h positionHeap) peek() (readyEntry, bool) {
	if len(h) == 0 {
		return readyEntry{}, false
	}
	return h[0], true
}

// orderQueue is a FIFO-by-triggering-position queue gated by a per-entry
// grace period: PopReady only ever returns entries in the order their
// triggering events occurred, and only once each one's grace period has
// elapsed. An entry sitting behind one that isn't ready yet is held back
// even if its own grace period has already elapsed, preserving the FIFO
// contract.
type orderQueue struct {
	mu      sync.Mutex
	heap    positionHeap
	entries map[pendingKey]relaytypes.LogPosition
}

func newOrderQueue() *orderQueue {
	q := &orderQueue{entries: make(map[pendingKey]relaytypes.LogPosition)}
	heap.Init(&q.heap)
	return q
}

// Enqueue schedules key to become ready at readyTime, unless it's already
// queued for the same triggering position.
func (q *orderQueue) Enqueue(key pendingKey, position relaytypes.LogPosition, readyTime time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.entries[key]; ok && existing == position {
		return
	}
	q.entries[key] = position
	heap.Push(&q.heap, readyEntry{position: position, key: key, readyTime: readyTime})
}

// Retract removes key from the queue, if present. Called when a MID's
// state moves past needing this order kind.
func (q *orderQueue) Retract(key pendingKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, key)
}

// PopReady removes and returns every entry ready by now, in FIFO position
// order, stopping at the first entry whose grace period hasn't elapsed
// rather than skipping past it. Entries that were retracted or superseded
// by a newer position are discarded as they reach the front.
func (q *orderQueue) PopReady(now time.Time) []pendingKey {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []pendingKey
	for {
		entry, ok := q.heap.peek()
		if !ok {
			break
		}

		position, stillPending := q.entries[entry.key]
		if !stillPending || position != entry.position {
			heap.Pop(&q.heap)
			continue
		}
		if entry.readyTime.After(now) {
			break
		}

		heap.Pop(&q.heap)
		delete(q.entries, entry.key)
		ready = append(ready, entry.key)
	}
	return ready
}
