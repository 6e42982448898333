package dcp

import (
	"sync"

	"github.com/owendCB/ep-engine/base"
	"github.com/owendCB/ep-engine/log"
)

// VBucketSink is the storage engine collaborator a PassiveStream writes
// accepted mutations into. Implemented out of package in production, and by
// a scripted fake in tests.
type VBucketSink interface {
	// SetVBucketState applies a vbucket state transition requested by the
	// active side (e.g. dead at the end of takeover).
	SetVBucketState(vb uint16, state VBucketState) error
	// ProcessMutation persists item as a live document.
	ProcessMutation(vb uint16, item *Item) error
	// ProcessDeletion persists item as a tombstone.
	ProcessDeletion(vb uint16, item *Item) error
}

// bufferedMessage is one wire message parked on a PassiveStream's buffer
// while waiting for ProcessBufferedMessages to drain it into the sink.
type bufferedMessage struct {
	marker     *SnapshotMarker
	item       *Item
	setVBState *VBucketState
}

func (m bufferedMessage) size() uint64 {
	switch {
	case m.marker != nil:
		return m.marker.Size()
	case m.item != nil:
		return m.item.size()
	default:
		return responseHeaderSize
	}
}

// PassiveStream is the consumer-side stream variant: it receives mutations,
// deletions, snapshot markers and vbucket-state changes from a producer and
// applies them to the local vbucket via a VBucketSink. Unlike ActiveStream
// it buffers inbound messages under its own mutex, separate from
// streamBase.mu, because message receipt happens on the connection's I/O
// goroutine while draining happens on a worker goroutine; bufMu must always
// be acquired before streamBase.mu when both are needed; if only one is
// needed, take only that one.
type PassiveStream struct {
	streamBase

	sink VBucketSink

	bufMu       sync.Mutex
	buffer      []bufferedMessage
	bufferBytes *base.AtomicUint64

	maxBufferBytes uint64

	curSnapStart        uint64
	curSnapEnd          uint64
	curSnapType         SnapshotType
	curSnapAckRequested bool
	inSnapshot          bool
	receivedAny         bool

	lastReceivedSeqno *base.AtomicUint64
}

// NewPassiveStream constructs a PassiveStream in PENDING state. The caller
// (ConnectionMap.AddPassiveStream) is responsible for enforcing I6 - at most
// one live passive stream per vbucket across the whole map - when installing it.
// cfg supplies MaxPassiveStreamBufferBytes; a nil cfg falls back to
// DefaultMaxPassiveStreamBufferBytes.
func NewPassiveStream(name string, opaque uint32, vb uint16, startSeqno, endSeqno, vbUUID, snapStart, snapEnd uint64, sink VBucketSink, cfg *base.Config, logger *log.CommonLogger) *PassiveStream {
	maxBuf := uint64(base.DefaultMaxPassiveStreamBufferBytes)
	if cfg != nil && cfg.MaxPassiveStreamBufferBytes > 0 {
		maxBuf = cfg.MaxPassiveStreamBufferBytes
	}
	return &PassiveStream{
		streamBase:        newStreamBase(name, 0, opaque, vb, startSeqno, endSeqno, vbUUID, snapStart, snapEnd, StreamTypePassive, logger),
		sink:              sink,
		bufferBytes:       base.NewAtomicUint64(0),
		maxBufferBytes:    maxBuf,
		lastReceivedSeqno: base.NewAtomicUint64(startSeqno),
	}
}

// AcceptStream moves PENDING -> READING once the producer has accepted the
// stream request (i.e. no Rollback was returned).
func (s *PassiveStream) AcceptStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StreamStatePending {
		return
	}
	s.setState(StreamStateReading)
}

// Next drains this stream's own ready queue: SnapshotMarkerAck and
// SetVBucketStateAck, generated asynchronously out of applyOne once the data
// they acknowledge has actually been applied, sit here until a poller picks
// them up.
func (s *PassiveStream) Next() Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, _ := s.popFromReadyQ()
	return resp
}

// MessageReceived buffers an inbound wire message, bounded by
// maxBufferBytes so a slow or stalled storage engine applies backpressure
// to the peer instead of growing without limit. Buffering (rather than
// applying inline) lets ProcessBufferedMessages do the actual work off the
// connection's read loop.
func (s *PassiveStream) MessageReceived(msg bufferedMessage) MessageStatus {
	if !s.IsActive() {
		return MessageDisconnect
	}

	s.bufMu.Lock()
	if s.bufferBytes.Get()+msg.size() > s.maxBufferBytes {
		s.bufMu.Unlock()
		return MessageTmpfail
	}
	s.buffer = append(s.buffer, msg)
	s.bufferBytes.Add(msg.size())
	s.bufMu.Unlock()
	return MessageSuccess
}

// ProcessMarker buffers a SnapshotMarker.
func (s *PassiveStream) ProcessMarker(m *SnapshotMarker) MessageStatus {
	return s.MessageReceived(bufferedMessage{marker: m})
}

// ProcessMutation buffers a live item.
func (s *PassiveStream) ProcessMutation(item *Item) MessageStatus {
	item.Deleted = false
	return s.MessageReceived(bufferedMessage{item: item})
}

// ProcessDeletion buffers a tombstone item.
func (s *PassiveStream) ProcessDeletion(item *Item) MessageStatus {
	item.Deleted = true
	return s.MessageReceived(bufferedMessage{item: item})
}

// ProcessSetVBucketState buffers a vbucket state change, to be applied in
// order with whatever mutations precede and follow it.
func (s *PassiveStream) ProcessSetVBucketState(state VBucketState) MessageStatus {
	st := state
	return s.MessageReceived(bufferedMessage{setVBState: &st})
}

// ProcessBufferedMessages drains the buffer into the sink, applying a
// snapshot-start marker before the first item of a new snapshot and a
// HandleSnapshotEnd bookkeeping update after the last item of the range.
// Returns AllProcessed, or CannotProcess if the sink rejected a message
// (stream is left DEAD in that case), or MoreToProcess if maxItems was hit
// first.
func (s *PassiveStream) ProcessBufferedMessages(maxItems int) ProcessItemsResult {
	s.bufMu.Lock()
	n := len(s.buffer)
	if maxItems > 0 && n > maxItems {
		n = maxItems
	}
	batch := s.buffer[:n]
	s.buffer = s.buffer[n:]
	s.bufMu.Unlock()

	for _, m := range batch {
		if !s.applyOne(m) {
			s.SetDead(EndStreamState)
			return CannotProcess
		}
	}

	s.bufMu.Lock()
	remaining := len(s.buffer)
	s.bufMu.Unlock()
	if remaining > 0 {
		return MoreToProcess
	}
	return AllProcessed
}

// applyOne applies one buffered message, enforcing the snapshot window a
// mutation/deletion must fall within (§4.5). A seqno at or below last_seqno
// is dropped as an idempotent replay unless it also falls outside the
// current snapshot window, in which case it is a protocol violation and
// fatal - matching the "sequence-regression" failure semantics.
func (s *PassiveStream) applyOne(m bufferedMessage) bool {
	switch {
	case m.marker != nil:
		s.curSnapStart = m.marker.Start
		s.curSnapEnd = m.marker.End
		s.inSnapshot = true
		s.curSnapAckRequested = m.marker.Flags.Has(SnapshotFlagAck)
		switch {
		case m.marker.Flags.Has(SnapshotFlagDisk):
			s.curSnapType = SnapshotDisk
		case m.marker.Flags.Has(SnapshotFlagMemory):
			s.curSnapType = SnapshotMemory
		default:
			s.curSnapType = SnapshotNone
		}
		s.bufferBytes.DecrTo0(m.size())
		return true
	case m.setVBState != nil:
		err := s.sink.SetVBucketState(s.vb, *m.setVBState)
		s.bufferBytes.DecrTo0(m.size())
		if err != nil {
			return false
		}
		s.mu.Lock()
		s.pushToReadyQ(&SetVBucketStateAck{Vb: s.vb, OpaqueV: s.opaque})
		s.mu.Unlock()
		return true
	case m.item != nil:
		s.bufferBytes.DecrTo0(m.size())
		seqno := m.item.BySeqno
		if s.inSnapshot && (seqno < s.curSnapStart || seqno > s.curSnapEnd) {
			s.logger.Warnf("(vb %d) seqno %d outside snapshot [%d,%d], protocol violation", s.vb, seqno, s.curSnapStart, s.curSnapEnd)
			return false
		}
		if s.receivedAny && seqno <= s.lastReceivedSeqno.Get() {
			s.logger.Warnf("(vb %d) dropping replayed seqno %d, last_seqno=%d", s.vb, seqno, s.lastReceivedSeqno.Get())
			return true
		}
		var err error
		if m.item.Deleted {
			err = s.sink.ProcessDeletion(s.vb, m.item)
		} else {
			err = s.sink.ProcessMutation(s.vb, m.item)
		}
		if err != nil {
			return false
		}
		s.receivedAny = true
		s.lastReceivedSeqno.SetIfGreater(seqno)
		if s.inSnapshot && seqno >= s.curSnapEnd {
			s.handleSnapshotEnd(seqno)
		}
		return true
	}
	return true
}

// handleSnapshotEnd fires once bySeqno reaches the current snapshot's end.
// A disk-sourced snapshot gets a high-completed marker logged (the storage
// engine's own persistence layer lives outside this package); an ack is queued onto this stream's ready_q only if the
// marker that opened the snapshot requested one.
func (s *PassiveStream) handleSnapshotEnd(bySeqno uint64) {
	if s.curSnapType == SnapshotDisk {
		s.logger.Debugf("(vb %d) disk snapshot complete through seqno %d", s.vb, bySeqno)
	}
	if s.curSnapAckRequested {
		s.mu.Lock()
		s.pushToReadyQ(&SnapshotMarkerAck{Vb: s.vb, OpaqueV: s.opaque})
		s.mu.Unlock()
	}
	s.inSnapshot = false
}

// ReconnectStream re-arms a DEAD passive stream for a fresh stream request
// after the consumer's connection reconnects, resuming from startSeqno.
func (s *PassiveStream) ReconnectStream(startSeqno uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startSeqno = startSeqno
	s.lastReceivedSeqno.Set(startSeqno)
	s.setState(StreamStatePending)
}

// SetDead force-terminates the stream; idempotent (I4).
func (s *PassiveStream) SetDead(reason EndStreamStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StreamStateDead {
		return s.readyQ.len()
	}
	n := s.readyQ.drain()
	s.setState(StreamStateDead)
	s.logger.Infof("(vb %d) passive stream %s set to dead, reason=%v", s.vb, s.name, reason)
	return n
}

// NotifySeqnoAvailable has nothing to do for a passive stream: it never
// polls for data on its own, it only reacts to inbound wire messages.
func (s *PassiveStream) NotifySeqnoAvailable(uint64) {}

func (s *PassiveStream) BufferedBytes() uint64 { return s.bufferBytes.Get() }

func (s *PassiveStream) LastReceivedSeqno() uint64 { return s.lastReceivedSeqno.Get() }

func (s *PassiveStream) AddStats(sink base.StatSink) {
	s.addBaseStats(sink, "passive_stream:"+s.name)
	prefix := "passive_stream:" + s.name
	sink.SetGauge(prefix+":buffered_bytes", int64(s.bufferBytes.Get()))
	sink.SetGauge(prefix+":last_received_seqno", int64(s.lastReceivedSeqno.Get()))
}
