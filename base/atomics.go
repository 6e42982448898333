package base

import "sync/atomic"

// AtomicBoolean is a uint32-backed boolean that can be read and written
// without a lock. Used for flags such as itemsReady / chkptExtractionInProgress
// that need to be read from stat-collection paths without touching the
// owning stream's mutex.
type AtomicBoolean struct {
	val uint32
}

const (
	atomicTrue  uint32 = 1
	atomicFalse uint32 = 0
)

func NewAtomicBoolean(v bool) *AtomicBoolean {
	a := &AtomicBoolean{}
	a.Set(v)
	return a
}

func (a *AtomicBoolean) Set(v bool) {
	if v {
		atomic.StoreUint32(&a.val, atomicTrue)
	} else {
		atomic.StoreUint32(&a.val, atomicFalse)
	}
}

func (a *AtomicBoolean) Get() bool {
	return atomic.LoadUint32(&a.val) == atomicTrue
}

// CompareAndSwap reports whether it made the swap from `old` to `new`.
func (a *AtomicBoolean) CompareAndSwap(old, new bool) bool {
	var oldU, newU uint32
	if old {
		oldU = atomicTrue
	}
	if new {
		newU = atomicTrue
	}
	return atomic.CompareAndSwapUint32(&a.val, oldU, newU)
}

// AtomicUint64 is a thin wrapper around atomic load/store/add for the
// monotonic watermarks that need lock-free reads (lastReadSeqno,
// lastSentSeqno, curChkSeqno, backfillRemaining).
type AtomicUint64 struct {
	val uint64
}

func NewAtomicUint64(v uint64) *AtomicUint64 {
	return &AtomicUint64{val: v}
}

func (a *AtomicUint64) Get() uint64         { return atomic.LoadUint64(&a.val) }
func (a *AtomicUint64) Set(v uint64)        { atomic.StoreUint64(&a.val, v) }
func (a *AtomicUint64) Add(delta uint64) uint64 {
	return atomic.AddUint64(&a.val, delta)
}

// SetIfGreater stores v only if v is larger than the current value.
// Used to enforce monotonic watermarks under concurrent writers without
// taking the owning mutex.
func (a *AtomicUint64) SetIfGreater(v uint64) {
	for {
		cur := atomic.LoadUint64(&a.val)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&a.val, cur, v) {
			return
		}
	}
}

// DecrTo0 subtracts `by` from the counter but never underflows past zero.
// Mirrors the original's relaxed-memory-order decrement of backfillRemaining.
func (a *AtomicUint64) DecrTo0(by uint64) {
	for {
		cur := atomic.LoadUint64(&a.val)
		var next uint64
		if by > cur {
			next = 0
		} else {
			next = cur - by
		}
		if atomic.CompareAndSwapUint64(&a.val, cur, next) {
			return
		}
	}
}
