package dcp

import (
	"sync"
	"sync/atomic"

	"github.com/owendCB/ep-engine/base"
	"github.com/owendCB/ep-engine/log"
)

// Stream is the shared contract implemented by ActiveStream, NotifierStream
// and PassiveStream. Modeling the three variants as a sum type (a shared
// interface plus embedded streamBase state) rather than deep inheritance
// keeps the ordering invariants (I1-I6) local to each variant instead of
// smeared across a class hierarchy.
type Stream interface {
	// Next pops the next outbound response, or nil if none is ready. A dead
	// stream still hands out what was queued before it died (its trailing
	// StreamEnd). Never blocks on I/O.
	Next() Response

	// SetDead force-terminates the stream. Idempotent; returns the number
	// of responses that were still sitting in ready_q.
	SetDead(reason EndStreamStatus) int

	// NotifySeqnoAvailable is a best-effort, non-blocking signal that new
	// data up to seqno exists for this stream's vbucket.
	NotifySeqnoAvailable(seqno uint64)

	// AddStats publishes this stream's observable counters.
	AddStats(sink base.StatSink)

	Name() string
	VBucket() uint16
	Opaque() uint32
	Type() StreamType
	State() StreamState
	IsActive() bool
}

// streamBase holds the identity fields that are immutable after
// construction (§3) plus the ready queue and state that every variant
// shares. Concrete stream types embed it and add their own fields.
type streamBase struct {
	name      string
	flags     StreamFlags
	opaque    uint32
	vb        uint16
	startSeqno uint64
	endSeqno   uint64
	vbUUID     uint64
	snapStartSeqno uint64
	snapEndSeqno   uint64

	streamType StreamType

	mu     sync.Mutex
	state  uint32 // StreamState, transitions guarded by mu, reads are atomic for cheap stats
	readyQ *readyQueue

	logger *log.CommonLogger
}

func newStreamBase(name string, flags StreamFlags, opaque uint32, vb uint16,
	startSeqno, endSeqno, vbUUID, snapStart, snapEnd uint64, typ StreamType, logger *log.CommonLogger) streamBase {
	return streamBase{
		name:           name,
		flags:          flags,
		opaque:         opaque,
		vb:             vb,
		startSeqno:     startSeqno,
		endSeqno:       endSeqno,
		vbUUID:         vbUUID,
		snapStartSeqno: snapStart,
		snapEndSeqno:   snapEnd,
		streamType:     typ,
		state:          uint32(StreamStatePending),
		readyQ:         newReadyQueue(),
		logger:         logger,
	}
}

func (s *streamBase) Name() string       { return s.name }
func (s *streamBase) VBucket() uint16    { return s.vb }
func (s *streamBase) Opaque() uint32     { return s.opaque }
func (s *streamBase) Type() StreamType   { return s.streamType }
func (s *streamBase) State() StreamState { return StreamState(atomic.LoadUint32(&s.state)) }
func (s *streamBase) IsActive() bool     { return s.State() != StreamStateDead }

// setState stores newState. Caller must hold s.mu so multi-field
// transitions stay consistent with the state change (I4's "DEAD is
// terminal" in particular relies on this).
func (s *streamBase) setState(newState StreamState) {
	atomic.StoreUint32(&s.state, uint32(newState))
}

// pushToReadyQ enqueues resp. Caller must already hold s.mu.
func (s *streamBase) pushToReadyQ(resp Response) {
	s.readyQ.push(resp)
}

// popFromReadyQ dequeues the head, or (nil, false). Caller must hold s.mu.
func (s *streamBase) popFromReadyQ() (Response, bool) {
	return s.readyQ.pop()
}

func (s *streamBase) readyQueueMemory() uint64 { return s.readyQ.Bytes() }

func (s *streamBase) itemsReady() bool { return s.readyQ.ItemsReady() }

func (s *streamBase) addBaseStats(sink base.StatSink, prefix string) {
	sink.SetGauge(prefix+":ready_queue_bytes", int64(s.readyQueueMemory()))
	sink.SetGauge(prefix+":ready_queue_items", int64(s.readyQ.len()))
	sink.SetGauge(prefix+":state", int64(s.State()))
}

// endStreamResponse builds the terminal StreamEnd response carrying reason.
func (s *streamBase) endStreamResponse(reason EndStreamStatus) *StreamEnd {
	return &StreamEnd{Vb: s.vb, OpaqueV: s.opaque, Reason: reason}
}
