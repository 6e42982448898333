package dcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owendCB/ep-engine/base"
)

type fakeSink struct {
	mutations []*Item
	deletions []*Item
	states    []VBucketState
	failOn    string
}

func (f *fakeSink) SetVBucketState(vb uint16, state VBucketState) error {
	f.states = append(f.states, state)
	return nil
}

func (f *fakeSink) ProcessMutation(vb uint16, item *Item) error {
	if f.failOn != "" && string(item.Key) == f.failOn {
		return base.ErrScanFailed
	}
	f.mutations = append(f.mutations, item)
	return nil
}

func (f *fakeSink) ProcessDeletion(vb uint16, item *Item) error {
	f.deletions = append(f.deletions, item)
	return nil
}

func TestPassiveStream_BufferThenApply(t *testing.T) {
	sink := &fakeSink{}
	s := NewPassiveStream("p1", 1, 0, 0, OpenEndedSeqno, 42, 0, 2, sink, nil, testLogger())
	s.AcceptStream()

	status := s.ProcessMarker(&SnapshotMarker{Vb: 0, Start: 0, End: 2, Flags: SnapshotFlagMemory | SnapshotFlagAck})
	assert.Equal(t, MessageSuccess, status)
	s.ProcessMutation(&Item{Key: []byte("k1"), BySeqno: 1})
	s.ProcessMutation(&Item{Key: []byte("k2"), BySeqno: 2})

	// The ack must not appear before the snapshot's data has actually been
	// applied (§4.5's ordering rule).
	assert.Nil(t, s.Next())

	result := s.ProcessBufferedMessages(0)
	assert.Equal(t, AllProcessed, result)
	assert.Len(t, sink.mutations, 2)
	assert.EqualValues(t, 2, s.LastReceivedSeqno())

	ack, ok := s.Next().(*SnapshotMarkerAck)
	require.True(t, ok, "an ack must be queued once the acked snapshot is fully applied")
	assert.EqualValues(t, 0, ack.VBucket())
}

func TestPassiveStream_MarkerWithoutAckFlagQueuesNoAck(t *testing.T) {
	sink := &fakeSink{}
	s := NewPassiveStream("p1", 1, 0, 0, OpenEndedSeqno, 42, 0, 2, sink, nil, testLogger())
	s.AcceptStream()

	s.ProcessMarker(&SnapshotMarker{Vb: 0, Start: 0, End: 2, Flags: SnapshotFlagMemory})
	s.ProcessMutation(&Item{Key: []byte("k1"), BySeqno: 1})
	s.ProcessMutation(&Item{Key: []byte("k2"), BySeqno: 2})

	result := s.ProcessBufferedMessages(0)
	assert.Equal(t, AllProcessed, result)
	assert.Nil(t, s.Next(), "no ack was requested, so none should be queued")
}

func TestPassiveStream_MessageReceivedReturnsTmpfailWhenBufferFull(t *testing.T) {
	sink := &fakeSink{}
	cfg := base.NewDefaultConfig()
	cfg.MaxPassiveStreamBufferBytes = responseHeaderSize + 2 // exactly one "k1"-sized item
	s := NewPassiveStream("p1", 1, 0, 0, OpenEndedSeqno, 42, 0, 10, sink, cfg, testLogger())
	s.AcceptStream()

	status := s.ProcessMutation(&Item{Key: []byte("k1"), BySeqno: 1})
	assert.Equal(t, MessageSuccess, status)

	status = s.ProcessMutation(&Item{Key: []byte("k2"), BySeqno: 2})
	assert.Equal(t, MessageTmpfail, status, "a full buffer must push back with tmpfail rather than grow unbounded")
}

func TestPassiveStream_MessageReceivedReturnsDisconnectOnDeadStream(t *testing.T) {
	sink := &fakeSink{}
	s := NewPassiveStream("p1", 1, 0, 0, OpenEndedSeqno, 42, 0, 10, sink, nil, testLogger())
	s.SetDead(EndStreamClosed)

	status := s.ProcessMutation(&Item{Key: []byte("k1"), BySeqno: 1})
	assert.Equal(t, MessageDisconnect, status)
}

func TestPassiveStream_SinkErrorEndsStreamDead(t *testing.T) {
	sink := &fakeSink{failOn: "bad"}
	s := NewPassiveStream("p1", 1, 0, 0, OpenEndedSeqno, 42, 0, 1, sink, nil, testLogger())
	s.AcceptStream()
	s.ProcessMutation(&Item{Key: []byte("bad"), BySeqno: 1})

	result := s.ProcessBufferedMessages(0)
	assert.Equal(t, CannotProcess, result)
	assert.Equal(t, StreamStateDead, s.State())
}

func TestPassiveStream_SnapshotViolationKillsStream(t *testing.T) {
	sink := &fakeSink{}
	s := NewPassiveStream("p1", 1, 0, 0, OpenEndedSeqno, 42, 0, 0, sink, nil, testLogger())
	s.AcceptStream()
	s.ProcessMarker(&SnapshotMarker{Vb: 0, Start: 100, End: 200})
	s.ProcessMutation(&Item{Key: []byte("k1"), BySeqno: 250})

	result := s.ProcessBufferedMessages(0)
	assert.Equal(t, CannotProcess, result)
	assert.Equal(t, StreamStateDead, s.State())
	assert.Empty(t, sink.mutations, "the out-of-window mutation must never reach the sink")
}

func TestPassiveStream_MaxItemsYieldsMoreToProcess(t *testing.T) {
	sink := &fakeSink{}
	s := NewPassiveStream("p1", 1, 0, 0, OpenEndedSeqno, 42, 0, 3, sink, nil, testLogger())
	s.AcceptStream()
	s.ProcessMutation(&Item{Key: []byte("k1"), BySeqno: 1})
	s.ProcessMutation(&Item{Key: []byte("k2"), BySeqno: 2})

	result := s.ProcessBufferedMessages(1)
	assert.Equal(t, MoreToProcess, result)
	assert.Len(t, sink.mutations, 1)
}
