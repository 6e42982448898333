package dcp

import (
	"sync"

	"github.com/owendCB/ep-engine/log"
)

// checkpointDrainer is the subset of ActiveStream the processor needs; kept
// as an interface so the processor's tests can drive it with a fake instead
// of a fully wired ActiveStream.
type checkpointDrainer interface {
	VBucket() uint16
	nextCheckpointItemTask()
}

// CheckpointProcessor is the single background task shared by every
// ActiveStream on a producer connection. Rather than let each stream poll
// its own checkpoint cursor, streams schedule themselves here once they
// have nothing buffered in ready_q, and the task drains them on its own
// goroutine - this is what keeps two overlapping drains of the same stream
// from interleaving their SnapshotMarker/Mutation output (P7).
type CheckpointProcessor struct {
	mu       sync.Mutex
	queued   []checkpointDrainer
	enqueued map[uint16]bool

	notified chan struct{}
	stopped  chan struct{}
	once     sync.Once

	iterationsBeforeYield int
	logger                *log.CommonLogger
}

// NewCheckpointProcessor creates a processor. yieldLimit bounds how many
// streams are drained per pass before the goroutine gives other waiters a
// chance to enqueue (mirrors dcp_producer_snapshot_marker_yield_limit,
// reused here directly as a streams-per-pass budget).
func NewCheckpointProcessor(yieldLimit int, logger *log.CommonLogger) *CheckpointProcessor {
	if yieldLimit <= 0 {
		yieldLimit = 10
	}
	return &CheckpointProcessor{
		enqueued:              make(map[uint16]bool),
		notified:              make(chan struct{}, 1),
		stopped:               make(chan struct{}),
		iterationsBeforeYield: yieldLimit,
		logger:                logger,
	}
}

// Schedule enqueues s for a drain pass if it isn't already queued. Safe to
// call from any goroutine; a stream already pending is a silent no-op
// (dedup requirement: P7).
func (p *CheckpointProcessor) Schedule(s checkpointDrainer) {
	p.mu.Lock()
	if p.enqueued[s.VBucket()] {
		p.mu.Unlock()
		return
	}
	p.enqueued[s.VBucket()] = true
	p.queued = append(p.queued, s)
	p.mu.Unlock()

	select {
	case p.notified <- struct{}{}:
	default:
	}
}

// Run drives the processor's drain loop until Stop is called. Intended to
// run on its own goroutine, one per producer connection.
func (p *CheckpointProcessor) Run() {
	for {
		select {
		case <-p.stopped:
			return
		case <-p.notified:
			p.drainPass()
		}
	}
}

// drainPass pops up to iterationsBeforeYield streams and runs their drain
// task. If it used its whole budget it re-notifies itself, so any streams
// still queued get another pass (an empty queue makes that pass a no-op).
func (p *CheckpointProcessor) drainPass() {
	for i := 0; i < p.iterationsBeforeYield; i++ {
		s, ok := p.popOne()
		if !ok {
			return
		}
		s.nextCheckpointItemTask()
	}
	select {
	case p.notified <- struct{}{}:
	default:
	}
}

func (p *CheckpointProcessor) popOne() (checkpointDrainer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queued) == 0 {
		return nil, false
	}
	s := p.queued[0]
	p.queued = p.queued[1:]
	delete(p.enqueued, s.VBucket())
	return s, true
}

// Stop halts Run's loop. Idempotent.
func (p *CheckpointProcessor) Stop() {
	p.once.Do(func() { close(p.stopped) })
}

// Len reports how many streams are currently queued for a drain pass.
func (p *CheckpointProcessor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}
