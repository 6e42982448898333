package dcp

import (
	"github.com/owendCB/ep-engine/base"
	"github.com/owendCB/ep-engine/log"
)

// NotifierStream is the simplest Stream variant: it carries no payload at
// all, it only tells the consumer "vbucket has new data past start_seqno,
// reopen a real stream if you want it." Producers hand these out to satisfy
// a notifier-flagged DCP_OPEN_PRODUCER without paying for a backfill.
type NotifierStream struct {
	streamBase
	notifySent bool
}

// NewNotifierStream builds a stream sitting in PENDING until the first
// NotifySeqnoAvailable call at or past startSeqno fires its one-shot
// StreamEnd(ok) and moves it to DEAD.
func NewNotifierStream(name string, opaque uint32, vb uint16, startSeqno, vbUUID uint64, logger *log.CommonLogger) *NotifierStream {
	return &NotifierStream{
		streamBase: newStreamBase(name, 0, opaque, vb, startSeqno, OpenEndedSeqno, vbUUID, startSeqno, startSeqno, StreamTypeNotifier, logger),
	}
}

// Next returns the queued terminal StreamEnd once notified, nil otherwise.
func (s *NotifierStream) Next() Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, _ := s.popFromReadyQ()
	return resp
}

// NotifySeqnoAvailable fires the one-shot end-of-stream the first time
// seqno reaches startSeqno; subsequent calls are no-ops since the stream is
// already DEAD (I4).
func (s *NotifierStream) NotifySeqnoAvailable(seqno uint64) {
	if seqno < s.startSeqno {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StreamStatePending {
		return
	}
	s.notifySent = true
	s.pushToReadyQ(s.endStreamResponse(EndStreamOK))
	s.setState(StreamStateDead)
}

// SetDead force-terminates the stream; idempotent (I4).
func (s *NotifierStream) SetDead(reason EndStreamStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StreamStateDead {
		return s.readyQ.len()
	}
	n := s.readyQ.drain()
	s.setState(StreamStateDead)
	s.pushToReadyQ(s.endStreamResponse(reason))
	return n
}

func (s *NotifierStream) AddStats(sink base.StatSink) {
	s.addBaseStats(sink, "notifier_stream:"+s.name)
}
