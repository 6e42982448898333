package dcp

import (
	"container/list"
	"sync"

	"github.com/owendCB/ep-engine/base"
)

// readyQueue is a FIFO of outgoing Response objects with a tracked byte
// footprint. It has no capacity limit: push always appends, whatever the
// current length or byte footprint. It is always mutated under the owning stream's mutex; the
// byte counter is additionally atomic so stat readers never need to take
// that mutex (see base.AtomicUint64).
//
// This is deliberately its own type rather than a bare slice/channel: the
// byte-footprint invariant (I5) and the itemsReady debounce flag are easier
// to keep correct when they live next to the queue they describe.
type readyQueue struct {
	mu        sync.Mutex
	items     *list.List
	bytes     *base.AtomicUint64
	itemsRead *base.AtomicBoolean
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		items:     list.New(),
		bytes:     base.NewAtomicUint64(0),
		itemsRead: base.NewAtomicBoolean(false),
	}
}

// push appends resp to the tail. Caller must hold the owning stream mutex.
func (q *readyQueue) push(resp Response) {
	q.mu.Lock()
	q.items.PushBack(resp)
	q.mu.Unlock()
	q.bytes.Add(resp.Size())
	q.itemsRead.Set(true)
}

// pop removes and returns the head, or (nil, false) if empty. Caller must
// hold the owning stream mutex.
func (q *readyQueue) pop() (Response, bool) {
	q.mu.Lock()
	front := q.items.Front()
	if front == nil {
		q.mu.Unlock()
		return nil, false
	}
	q.items.Remove(front)
	empty := q.items.Len() == 0
	q.mu.Unlock()

	resp := front.Value.(Response)
	q.bytes.DecrTo0(resp.Size())
	if empty {
		q.itemsRead.Set(false)
	}
	return resp, true
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// drain empties the queue, returning the count removed. Used by SetDead to
// report prev_items_count without leaking a non-empty readyQ across DEAD.
func (q *readyQueue) drain() int {
	q.mu.Lock()
	n := q.items.Len()
	q.items.Init()
	q.mu.Unlock()
	q.bytes.Set(0)
	q.itemsRead.Set(false)
	return n
}

// Bytes returns the current byte footprint without taking the stream mutex.
func (q *readyQueue) Bytes() uint64 { return q.bytes.Get() }

// ItemsReady reports whether the queue is non-empty, lock-free.
func (q *readyQueue) ItemsReady() bool { return q.itemsRead.Get() }
