package dcp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owendCB/ep-engine/base"
	"github.com/owendCB/ep-engine/log"
)

type fakeBackfill struct {
	mu       sync.Mutex
	beginErr error
	begun    []uint16
}

func (f *fakeBackfill) BeginBackfill(vb uint16, start, end uint64, stream *ActiveStream) (BackfillHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.begun = append(f.begun, vb)
	return noopBackfillHandle{}, nil
}

func (f *fakeBackfill) began() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint16(nil), f.begun...)
}

type fakeCheckpoints struct {
	batches [][]CheckpointItem
	idx     int
}

func (f *fakeCheckpoints) GetOutstandingItems(vb uint16, cursor CheckpointCursor) (CheckpointBatch, error) {
	if f.idx >= len(f.batches) {
		return CheckpointBatch{}, nil
	}
	b := f.batches[f.idx]
	f.idx++
	return CheckpointBatch{Items: b}, nil
}

type fakeCursor struct{ name string }

func (c fakeCursor) Name() string { return c.name }

func testLogger() *log.CommonLogger {
	return log.NewLogger("dcp_test", log.DefaultLoggerContext)
}

func newTestActiveStream(t *testing.T, p ActiveStreamParams) *ActiveStream {
	s, err := NewActiveStream("test-stream", 0, 1, 0, 0, OpenEndedSeqno, 42, 0, 0, p, testLogger())
	require.NoError(t, err)
	return s
}

func TestActiveStream_I1Validation(t *testing.T) {
	_, err := NewActiveStream("s", 0, 1, 0, 100, 200, 42, 50, 40, ActiveStreamParams{}, testLogger())
	assert.Error(t, err)
}

func TestActiveStream_BackfillThenInMemory(t *testing.T) {
	bf := &fakeBackfill{}
	s := newTestActiveStream(t, ActiveStreamParams{Backfill: bf})
	s.SetActive()
	assert.Equal(t, StreamStateBackfilling, s.State())
	assert.Equal(t, []uint16{0}, bf.begun)

	s.MarkDiskSnapshot(0, 10)
	ok := s.BackfillReceived(&Item{Key: []byte("k1"), BySeqno: 1}, BackfillFromDisk)
	assert.True(t, ok)

	resp := s.Next()
	marker, isMarker := resp.(*SnapshotMarker)
	require.True(t, isMarker, "first response must be a snapshot marker (P2)")
	assert.Equal(t, SnapshotFlagDisk, marker.Flags)

	resp = s.Next()
	mut, isMut := resp.(*Mutation)
	require.True(t, isMut)
	assert.EqualValues(t, 1, mut.BySeqno())

	s.CompleteBackfill()
	assert.Equal(t, StreamStateInMemory, s.State())
}

func TestActiveStream_ProcessItemsGroupsContiguousRuns(t *testing.T) {
	s := newTestActiveStream(t, ActiveStreamParams{})
	s.mu.Lock()
	s.setState(StreamStateInMemory)
	s.mu.Unlock()

	batch := CheckpointBatch{Items: []CheckpointItem{
		{Item: &Item{Key: []byte("a"), BySeqno: 1}},
		{Item: &Item{Key: []byte("b"), BySeqno: 2}},
		{VBucketStateSet: true, NewVBucketState: VBucketStateActive},
		{Item: &Item{Key: []byte("c"), BySeqno: 3}},
	}}
	s.mu.Lock()
	s.processItemsLocked(batch)
	s.mu.Unlock()

	var kinds []string
	for {
		resp := s.Next()
		if resp == nil {
			break
		}
		switch resp.(type) {
		case *SnapshotMarker:
			kinds = append(kinds, "marker")
		case *Mutation:
			kinds = append(kinds, "mutation")
		case *SetVBucketState:
			kinds = append(kinds, "state")
		}
	}
	assert.Equal(t, []string{"marker", "mutation", "mutation", "state", "marker", "mutation"}, kinds)
}

func TestActiveStream_TakeoverSequence(t *testing.T) {
	s := newTestActiveStream(t, ActiveStreamParams{})
	s.flags = StreamFlagTakeover
	s.mu.Lock()
	s.setState(StreamStateInMemory)
	s.checkpointDrained = true
	s.mu.Unlock()

	s.mu.Lock()
	s.maybeStartTakeoverLocked()
	s.mu.Unlock()
	assert.Equal(t, StreamStateTakeoverSend, s.State())

	resp := s.Next()
	setState, ok := resp.(*SetVBucketState)
	require.True(t, ok)
	assert.Equal(t, VBucketStateDead, setState.State)
	assert.Equal(t, StreamStateTakeoverWait, s.State())

	s.SetVBucketStateAckReceived()
	assert.Equal(t, StreamStateDead, s.State())
	end, ok := s.Next().(*StreamEnd)
	require.True(t, ok)
	assert.Equal(t, EndStreamOK, end.Reason)
}

// TestActiveStream_TakeoverWaitsForCheckpointDrain guards against a
// regression where TAKEOVER_SEND would emit the final SetVBucketState as
// soon as ready_q went empty, even though items up to end_seqno were still
// sitting undrained on the checkpoint cursor - silent data loss on failover.
func TestActiveStream_TakeoverWaitsForCheckpointDrain(t *testing.T) {
	cp := &fakeCheckpoints{batches: [][]CheckpointItem{
		{{Item: &Item{Key: []byte("a"), BySeqno: 1}}},
	}}
	proc := NewCheckpointProcessor(10, testLogger())
	s := newTestActiveStream(t, ActiveStreamParams{Checkpoints: cp, Cursor: fakeCursor{"c1"}, Processor: proc})
	s.flags = StreamFlagTakeover
	s.mu.Lock()
	s.setState(StreamStateInMemory)
	s.mu.Unlock()

	s.mu.Lock()
	s.maybeStartTakeoverLocked()
	s.mu.Unlock()
	require.Equal(t, StreamStateTakeoverSend, s.State())

	// Nothing has been drained off the cursor yet; Next must not emit the
	// takeover-final SetVBucketState, and must instead (re)schedule a drain.
	assert.Nil(t, s.Next())
	assert.Equal(t, 1, proc.Len(), "takeover-send must keep scheduling checkpoint drains")

	// Run the drain task directly (in these tests the CheckpointProcessor's
	// own goroutine isn't driving it): first pass yields the pending item.
	s.nextCheckpointItemTask()
	_, isMarker := s.Next().(*SnapshotMarker)
	require.True(t, isMarker)
	mut, ok := s.Next().(*Mutation)
	require.True(t, ok, "the undrained item must still reach ready_q before takeover completes")
	assert.EqualValues(t, 1, mut.BySeqno())

	// Second pass finds the cursor dry and marks it so; only now can the
	// handshake complete.
	s.nextCheckpointItemTask()
	resp := s.Next()
	setState, ok := resp.(*SetVBucketState)
	require.True(t, ok, "takeover handshake must complete once the cursor is exhausted")
	assert.Equal(t, VBucketStateDead, setState.State)
	assert.Equal(t, StreamStateTakeoverWait, s.State())
}

func TestActiveStream_SetDeadIdempotent(t *testing.T) {
	s := newTestActiveStream(t, ActiveStreamParams{})
	n1 := s.SetDead(EndStreamClosed)
	n2 := s.SetDead(EndStreamClosed)
	assert.Equal(t, 0, n1)
	assert.Equal(t, 1, n2, "second call must not requeue another StreamEnd")
	assert.Equal(t, StreamStateDead, s.State())
}

func TestActiveStream_CheckpointProcessorDedup(t *testing.T) {
	proc := NewCheckpointProcessor(10, testLogger())
	cp := &fakeCheckpoints{batches: [][]CheckpointItem{
		{{Item: &Item{Key: []byte("x"), BySeqno: 1}}},
	}}
	s := newTestActiveStream(t, ActiveStreamParams{Checkpoints: cp, Cursor: fakeCursor{"c1"}})
	s.mu.Lock()
	s.setState(StreamStateInMemory)
	s.mu.Unlock()

	proc.Schedule(s)
	proc.Schedule(s)
	assert.Equal(t, 1, proc.Len(), "scheduling the same stream twice must dedup")
}

func TestAdmissionCounter_Ceiling(t *testing.T) {
	c := base.NewAdmissionCounter(2)
	assert.True(t, c.TryAcquire())
	assert.True(t, c.TryAcquire())
	assert.False(t, c.TryAcquire())
	c.Release()
	assert.True(t, c.TryAcquire())
}

func TestActiveStream_ScheduleBackfillGatedByAdmission(t *testing.T) {
	admission := base.NewAdmissionCounter(1)
	bf1 := &fakeBackfill{}
	bf2 := &fakeBackfill{}

	s1, err := NewActiveStream("as1", 0, 1, 1, 0, OpenEndedSeqno, 42, 0, 0, ActiveStreamParams{Backfill: bf1, Admission: admission}, testLogger())
	require.NoError(t, err)
	s2, err := NewActiveStream("as2", 0, 1, 2, 0, OpenEndedSeqno, 42, 0, 0, ActiveStreamParams{Backfill: bf2, Admission: admission}, testLogger())
	require.NoError(t, err)

	s1.SetActive()
	assert.Equal(t, []uint16{1}, bf1.began(), "the first stream must be admitted immediately")

	s2.SetActive()
	assert.Empty(t, bf2.began(), "the second stream must be deferred once the ceiling is reached")
	assert.Equal(t, StreamStateBackfilling, s2.State())

	s1.CompleteBackfill()

	require.Eventually(t, func() bool {
		return len(bf2.began()) == 1
	}, time.Second, time.Millisecond, "releasing the first stream's slot must start the deferred backfill")
}
