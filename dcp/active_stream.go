package dcp

import (
	"time"

	"github.com/owendCB/ep-engine/base"
	"github.com/owendCB/ep-engine/log"
)

// ActiveStream is the producer-side stream variant: it sources mutations
// from a disk backfill followed by the vbucket's in-memory checkpoint, and
// optionally ends in a takeover handshake that transfers vbucket ownership
// to the consumer. See the state table in Section 4.2.
type ActiveStream struct {
	streamBase

	lastReadSeqno     *base.AtomicUint64
	lastSentSeqno     *base.AtomicUint64
	curChkSeqno       *base.AtomicUint64
	backfillRemaining *base.AtomicUint64

	backfillItemsMemory *base.AtomicUint64
	backfillItemsDisk   *base.AtomicUint64
	backfillItemsSent   *base.AtomicUint64

	bufferedBackfillBytes *base.AtomicUint64
	bufferedBackfillItems *base.AtomicUint64

	chkptExtractionInProgress *base.AtomicBoolean

	// Fields below are mutated only under streamBase.mu.
	firstMarkerSent     bool
	lastSentSnapEnd     uint64
	takeoverStart       time.Time
	takeoverFinalQueued bool
	checkpointDrained   bool

	takeoverSendMaxTime time.Duration
	keyOnlyPayload      bool
	compressionEnabled  bool
	minCompressionRatio float64

	backfill       BackfillSource
	backfillHandle BackfillHandle
	admission      *base.AdmissionCounter
	admitted       bool

	checkpoints CheckpointSource
	cursor      CheckpointCursor
	processor   *CheckpointProcessor

	currentHighSeqno func() (uint64, error)
}

// ActiveStreamParams bundles the collaborators an ActiveStream needs from
// its owning producer. Kept as one struct so NewActiveStream's signature
// doesn't balloon every time the producer wiring grows.
type ActiveStreamParams struct {
	Backfill           BackfillSource
	Checkpoints        CheckpointSource
	Cursor             CheckpointCursor
	Processor          *CheckpointProcessor
	CurrentHighSeqno   func() (uint64, error)
	Config             *base.Config
	Admission          *base.AdmissionCounter
	KeyOnlyPayload     bool
	CompressionEnabled bool
}

// NewActiveStream validates I1 (start_seqno <= snap_start_seqno <=
// snap_end_seqno) and constructs a stream in PENDING state; call SetActive
// to begin backfill.
func NewActiveStream(name string, flags StreamFlags, opaque uint32, vb uint16,
	startSeqno, endSeqno, vbUUID, snapStart, snapEnd uint64,
	p ActiveStreamParams, logger *log.CommonLogger) (*ActiveStream, error) {

	if !(startSeqno <= snapStart && snapStart <= snapEnd) {
		return nil, base.Wrapf(base.ErrInvalidStateEntry,
			"I1 violated: start=%d snap_start=%d snap_end=%d", startSeqno, snapStart, snapEnd)
	}

	s := &ActiveStream{
		streamBase:                newStreamBase(name, flags, opaque, vb, startSeqno, endSeqno, vbUUID, snapStart, snapEnd, StreamTypeActive, logger),
		lastReadSeqno:             base.NewAtomicUint64(snapStart),
		lastSentSeqno:             base.NewAtomicUint64(0),
		curChkSeqno:               base.NewAtomicUint64(startSeqno),
		backfillRemaining:         base.NewAtomicUint64(0),
		backfillItemsMemory:       base.NewAtomicUint64(0),
		backfillItemsDisk:         base.NewAtomicUint64(0),
		backfillItemsSent:         base.NewAtomicUint64(0),
		bufferedBackfillBytes:     base.NewAtomicUint64(0),
		bufferedBackfillItems:     base.NewAtomicUint64(0),
		chkptExtractionInProgress: base.NewAtomicBoolean(false),
		backfill:                  p.Backfill,
		admission:                 p.Admission,
		checkpoints:               p.Checkpoints,
		cursor:                    p.Cursor,
		processor:                 p.Processor,
		currentHighSeqno:          p.CurrentHighSeqno,
		keyOnlyPayload:            p.KeyOnlyPayload || flags.Has(StreamFlagKeyOnly),
		compressionEnabled:        p.CompressionEnabled && flags.Has(StreamFlagCompressionEnabled),
	}
	if p.Config != nil {
		s.minCompressionRatio = p.Config.DcpMinCompressionRatio
		s.takeoverSendMaxTime = p.Config.TakeoverSendMaxTime
	} else {
		s.minCompressionRatio = 1.2
		s.takeoverSendMaxTime = base.DefaultTakeoverSendMaxTime
	}
	return s, nil
}

func (s *ActiveStream) isTakeover() bool { return s.flags.Has(StreamFlagTakeover) }

// SetActive transitions PENDING -> BACKFILLING and kicks off the backfill
// scan. A no-op outside PENDING (e.g. a racing second call).
func (s *ActiveStream) SetActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StreamStatePending {
		return
	}
	s.setState(StreamStateBackfilling)
	s.scheduleBackfillLocked()
}

// scheduleBackfillLocked starts the disk scan, gated by the shared backfill
// admission ceiling (P6: num_active_snoozing_backfills <= max at all times).
// When no slot is free, the backfill is deferred rather than started or
// failed outright: retryBackfillAsync runs the instant admission.Release
// hands this stream a slot.
func (s *ActiveStream) scheduleBackfillLocked() {
	if s.backfill == nil {
		// No storage collaborator wired (e.g. a unit test driving the
		// state machine directly via BackfillReceived/CompleteBackfill);
		// nothing to schedule.
		return
	}
	if s.admission != nil && !s.admission.AcquireOrDefer(s.retryBackfillAsync) {
		s.logger.Debugf("(vb %d) backfill admission ceiling reached, deferring", s.vb)
		return
	}
	s.admitted = s.admission != nil
	s.beginBackfillLocked()
}

// retryBackfillAsync runs on its own goroutine once AcquireOrDefer's waiter
// fires; by the time it runs, admission has already reserved the slot on
// this stream's behalf. If the stream is no longer waiting to backfill (it
// was killed, or somehow already started), the slot is handed back instead
// of being wasted.
func (s *ActiveStream) retryBackfillAsync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StreamStateBackfilling || s.backfillHandle != nil {
		s.admission.Release()
		return
	}
	s.admitted = true
	s.beginBackfillLocked()
}

func (s *ActiveStream) beginBackfillLocked() {
	end := s.endSeqno
	if s.currentHighSeqno != nil {
		if high, err := s.currentHighSeqno(); err == nil && high < end {
			end = high
		}
	}
	handle, err := s.backfill.BeginBackfill(s.vb, s.startSeqno, end, s)
	if err != nil {
		s.releaseAdmissionLocked()
		s.pushToReadyQ(s.endStreamLocked(EndStreamState))
		return
	}
	s.backfillHandle = handle
}

// releaseAdmissionLocked gives back this stream's admitted backfill slot
// exactly once, however the backfill ends (complete, error, or a stream
// killed mid-scan).
func (s *ActiveStream) releaseAdmissionLocked() {
	if s.admission != nil && s.admitted {
		s.admitted = false
		s.admission.Release()
	}
}

// Next pops the next outbound response; nil if none is ready. A DEAD stream
// still hands out whatever was queued before it died, ending with its
// StreamEnd.
func (s *ActiveStream) Next() Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StreamStatePending:
		return nil
	case StreamStateBackfilling:
		return s.popTrackedLocked()
	case StreamStateInMemory:
		return s.inMemoryPhaseLocked()
	case StreamStateTakeoverSend:
		return s.takeoverSendPhaseLocked()
	case StreamStateTakeoverWait:
		return s.takeoverWaitPhaseLocked()
	case StreamStateDead:
		return s.popTrackedLocked()
	}
	return nil
}

// popTrackedLocked pops the ready queue head and, for mutations/deletions,
// advances lastSentSeqno so I3 (last_sent_seqno <= last_read_seqno) holds.
func (s *ActiveStream) popTrackedLocked() Response {
	resp, ok := s.popFromReadyQ()
	if !ok {
		return nil
	}
	switch r := resp.(type) {
	case *Mutation:
		s.lastSentSeqno.SetIfGreater(r.BySeqno())
		s.backfillItemsSent.Add(1)
	case *Deletion:
		s.lastSentSeqno.SetIfGreater(r.BySeqno())
		s.backfillItemsSent.Add(1)
	}
	return resp
}

func (s *ActiveStream) inMemoryPhaseLocked() Response {
	if s.chkptExtractionInProgress.Get() {
		// A drain is in flight on the CheckpointProcessor; returning a
		// partial snapshot here would violate P2/I2, so surface nothing
		// rather than race the processor goroutine.
		return nil
	}
	if resp := s.popTrackedLocked(); resp != nil {
		return resp
	}
	s.scheduleCheckpointDrainLocked()
	return nil
}

func (s *ActiveStream) scheduleCheckpointDrainLocked() {
	if s.processor == nil || s.chkptExtractionInProgress.Get() {
		return
	}
	s.processor.Schedule(s)
}

// takeoverSendPhaseLocked drains remaining items, then emits the final
// SetVBucketState(dead) and moves to TAKEOVER_WAIT exactly once - but only
// once every item through end_seqno has actually been sent (or the cursor
// has run dry on an open-ended takeover). Until then it keeps scheduling
// checkpoint drains so a takeover stream can't hand off vbucket ownership
// while mutations are still sitting unsent on the checkpoint cursor.
func (s *ActiveStream) takeoverSendPhaseLocked() Response {
	if resp := s.popTrackedLocked(); resp != nil {
		return resp
	}
	if s.chkptExtractionInProgress.Get() {
		// A drain is in flight on the CheckpointProcessor goroutine; wait
		// for it rather than risk emitting the takeover-final SetVBucketState
		// while it's still mid-flush.
		return nil
	}
	if !s.takeoverReadyLocked() {
		s.scheduleCheckpointDrainLocked()
		return nil
	}
	if s.takeoverFinalQueued {
		return nil
	}
	s.takeoverFinalQueued = true
	s.takeoverStart = time.Now()
	s.setState(StreamStateTakeoverWait)
	return &SetVBucketState{Vb: s.vb, OpaqueV: s.opaque, State: VBucketStateDead}
}

// takeoverReadyLocked reports whether every item through end_seqno has been
// read off the checkpoint cursor - either because last_read_seqno has
// actually reached end_seqno, or because the cursor ran dry on the most
// recent drain (the open-ended case, and the bounded case where end_seqno
// sits past the vbucket's current high seqno).
func (s *ActiveStream) takeoverReadyLocked() bool {
	if s.endSeqno != OpenEndedSeqno && s.lastReadSeqno.Get() >= s.endSeqno {
		return true
	}
	return s.checkpointDrained
}

func (s *ActiveStream) takeoverWaitPhaseLocked() Response {
	if s.takeoverSendMaxTime > 0 && time.Since(s.takeoverStart) > s.takeoverSendMaxTime {
		return s.endStreamLocked(EndStreamSlow)
	}
	return nil
}

// endStreamLocked builds the terminal StreamEnd and moves to DEAD. It does
// not queue the response: it returns it, so callers either hand it straight
// back from Next() (e.g. the takeover timeout) or push it onto ready_q.
func (s *ActiveStream) endStreamLocked(reason EndStreamStatus) Response {
	resp := s.endStreamResponse(reason)
	s.setState(StreamStateDead)
	s.releaseAdmissionLocked()
	if s.backfillHandle != nil {
		s.backfillHandle.Cancel()
	}
	return resp
}

// SetDead force-terminates the stream; idempotent (I4). Returns the number
// of responses still queued for stat purposes.
func (s *ActiveStream) SetDead(reason EndStreamStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StreamStateDead {
		return s.readyQ.len()
	}
	n := s.readyQ.drain()
	s.setState(StreamStateDead)
	s.releaseAdmissionLocked()
	if s.backfillHandle != nil {
		s.backfillHandle.Cancel()
	}
	s.pushToReadyQ(s.endStreamResponse(reason))
	s.logger.Infof("(vb %d) stream %s set to dead, reason=%v", s.vb, s.name, reason)
	return n
}

// NotifySeqnoAvailable is the best-effort wakeup from the vbucket. It never
// blocks: in IN_MEMORY and TAKEOVER_SEND it just schedules a checkpoint
// drain; in any other state there's nothing useful to do here (backfill
// progress and the takeover handshake drive their own transitions).
func (s *ActiveStream) NotifySeqnoAvailable(seqno uint64) {
	if !s.IsActive() {
		return
	}
	if seqno < s.startSeqno {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StreamStateInMemory || s.State() == StreamStateTakeoverSend {
		s.scheduleCheckpointDrainLocked()
	}
}

// SetVBucketStateAckReceived handles the takeover handshake's final ack:
// TAKEOVER_WAIT -> DEAD with END_STREAM_OK.
func (s *ActiveStream) SetVBucketStateAckReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StreamStateTakeoverWait {
		return
	}
	s.pushToReadyQ(s.endStreamResponse(EndStreamOK))
	s.setState(StreamStateDead)
}

// IncrBackfillRemaining adds to the estimate of items still to read from
// disk; called by the storage engine as it sizes up a scan.
func (s *ActiveStream) IncrBackfillRemaining(by uint64) {
	s.backfillRemaining.Add(by)
}

// MarkDiskSnapshot is the storage engine's callback announcing the bounds
// of the disk scan about to be delivered. The resulting SnapshotMarker must
// be the first response in the stream (P2).
func (s *ActiveStream) MarkDiskSnapshot(start, end uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StreamStateBackfilling {
		return
	}
	s.pushToReadyQ(&SnapshotMarker{Vb: s.vb, OpaqueV: s.opaque, Start: start, End: end, Flags: SnapshotFlagDisk})
	s.firstMarkerSent = true
	s.lastSentSnapEnd = end
}

// BackfillReceived is the storage engine's per-item delivery callback.
// Returns false if the stream can no longer accept backfill items (e.g.
// already dead), signalling the engine to stop the scan.
func (s *ActiveStream) BackfillReceived(item *Item, source BackfillSourceType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StreamStateBackfilling {
		return false
	}
	if !s.firstMarkerSent {
		s.logger.Warnf("(vb %d) backfill item received before disk snapshot marker", s.vb)
	}
	resp := s.buildResponseForItemLocked(item)
	s.pushToReadyQ(resp)
	s.lastReadSeqno.SetIfGreater(item.BySeqno)
	s.backfillRemaining.DecrTo0(1)
	if source == BackfillFromDisk {
		s.backfillItemsDisk.Add(1)
	} else {
		s.backfillItemsMemory.Add(1)
	}
	s.bufferedBackfillBytes.Add(resp.Size())
	s.bufferedBackfillItems.Add(1)
	return true
}

// CompleteBackfill is the storage engine's callback announcing the scan has
// finished. Per the state table: bounded streams that have reached
// end_seqno go DEAD; open-ended streams move to IN_MEMORY and schedule
// their first checkpoint drain.
func (s *ActiveStream) CompleteBackfill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StreamStateBackfilling {
		return
	}
	s.releaseAdmissionLocked()
	s.bufferedBackfillBytes.Set(0)
	s.bufferedBackfillItems.Set(0)
	if s.endSeqno != OpenEndedSeqno && s.lastReadSeqno.Get() >= s.endSeqno {
		s.pushToReadyQ(s.endStreamResponse(EndStreamOK))
		s.setState(StreamStateDead)
		return
	}
	s.setState(StreamStateInMemory)
	s.scheduleCheckpointDrainLocked()
}

// ScanError is the storage engine's callback for a fatal backfill failure.
func (s *ActiveStream) ScanError() {
	s.SetDead(EndStreamState)
}

// VBucketStateChanged is called when the vbucket this stream sources from
// stops being active (e.g. failover); any state but DEAD ends the stream.
func (s *ActiveStream) VBucketStateChanged() {
	s.SetDead(EndStreamState)
}

func (s *ActiveStream) buildResponseForItemLocked(item *Item) Response {
	if item.Deleted {
		return &Deletion{Vb: s.vb, OpaqueV: s.opaque, Key: item.Key, Cas: item.Cas, ByseqnoV: item.BySeqno, RevSeqnoV: item.RevSeqno}
	}
	value := item.Value
	datatype := item.Datatype
	if !s.keyOnlyPayload {
		value, datatype = maybeCompress(value, datatype, s.minCompressionRatio, s.compressionEnabled)
	} else {
		value = nil
	}
	copied := &Item{
		Key: item.Key, Value: value, Cas: item.Cas, Flags: item.Flags,
		Expiration: item.Expiration, Datatype: datatype, BySeqno: item.BySeqno, RevSeqno: item.RevSeqno,
	}
	return &Mutation{Vb: s.vb, OpaqueV: s.opaque, ItemV: copied, KeyOnly: s.keyOnlyPayload}
}

// nextCheckpointItemTask runs on the shared CheckpointProcessor's goroutine.
// It drains one batch from the checkpoint cursor and folds it into ready_q.
func (s *ActiveStream) nextCheckpointItemTask() {
	s.chkptExtractionInProgress.Set(true)
	defer s.chkptExtractionInProgress.Set(false)

	if s.checkpoints == nil {
		return
	}
	batch, err := s.getOutstandingItems()
	if err != nil {
		s.SetDead(EndStreamState)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StreamStateInMemory && s.State() != StreamStateTakeoverSend {
		return
	}
	if len(batch.Items) == 0 {
		s.checkpointDrained = true
		if s.State() == StreamStateInMemory {
			s.maybeStartTakeoverLocked()
		}
		return
	}
	s.checkpointDrained = false
	s.processItemsLocked(batch)
}

func (s *ActiveStream) getOutstandingItems() (CheckpointBatch, error) {
	return s.checkpoints.GetOutstandingItems(s.vb, s.cursor)
}

// processItemsLocked implements the §4.2 in-memory phase's batch handling:
// group into contiguous ranges, emit a SnapshotMarker before each non-empty
// range (eliding empty ones), flush pending mutations before any embedded
// SetVBucketState item, and keep cur_chk_seqno/last_read_seqno current.
func (s *ActiveStream) processItemsLocked(batch CheckpointBatch) {
	var pendingStart, pendingEnd uint64
	var pending []Response
	haveRun := false

	flush := func() {
		if !haveRun {
			return
		}
		s.pushToReadyQ(&SnapshotMarker{Vb: s.vb, OpaqueV: s.opaque, Start: pendingStart, End: pendingEnd, Flags: SnapshotFlagMemory})
		for _, r := range pending {
			s.pushToReadyQ(r)
		}
		pending = nil
		haveRun = false
	}

	for i := range batch.Items {
		ci := batch.Items[i]
		if ci.VBucketStateSet {
			flush()
			s.pushToReadyQ(&SetVBucketState{Vb: s.vb, OpaqueV: s.opaque, State: ci.NewVBucketState})
			continue
		}
		seq := ci.Item.BySeqno
		if !haveRun {
			pendingStart = seq
			haveRun = true
		}
		pendingEnd = seq
		pending = append(pending, s.buildResponseForItemLocked(ci.Item))
		s.curChkSeqno.Set(seq)
		s.lastReadSeqno.SetIfGreater(seq)
	}
	flush()

	if !s.isTakeover() && s.endSeqno != OpenEndedSeqno && s.lastReadSeqno.Get() >= s.endSeqno {
		s.pushToReadyQ(s.endStreamResponse(EndStreamOK))
		s.setState(StreamStateDead)
		return
	}
	s.maybeStartTakeoverLocked()
}

func (s *ActiveStream) maybeStartTakeoverLocked() {
	if s.isTakeover() && s.State() == StreamStateInMemory {
		s.setState(StreamStateTakeoverSend)
	}
}

func (s *ActiveStream) IsCompressionEnabled() bool { return s.compressionEnabled }

func (s *ActiveStream) GetLastSentSeqno() uint64 { return s.lastSentSeqno.Get() }

func (s *ActiveStream) GetItemsRemaining() uint64 { return s.backfillRemaining.Get() }

func (s *ActiveStream) AddStats(sink base.StatSink) {
	s.addBaseStats(sink, "active_stream:"+s.name)
	prefix := "active_stream:" + s.name
	sink.SetGauge(prefix+":last_read_seqno", int64(s.lastReadSeqno.Get()))
	sink.SetGauge(prefix+":last_sent_seqno", int64(s.lastSentSeqno.Get()))
	sink.SetGauge(prefix+":cur_chk_seqno", int64(s.curChkSeqno.Get()))
	sink.SetGauge(prefix+":backfill_remaining", int64(s.backfillRemaining.Get()))
	sink.SetGauge(prefix+":backfill_disk_items", int64(s.backfillItemsDisk.Get()))
	sink.SetGauge(prefix+":backfill_memory_items", int64(s.backfillItemsMemory.Get()))
	sink.SetGauge(prefix+":backfill_sent_items", int64(s.backfillItemsSent.Get()))
}

func (s *ActiveStream) AddTakeoverStats(sink base.StatSink) {
	prefix := "active_stream:" + s.name + ":takeover"
	sink.SetGauge(prefix+":requested", boolToInt64(s.isTakeover()))
	s.mu.Lock()
	state := s.State()
	s.mu.Unlock()
	sink.SetGauge(prefix+":state", int64(state))
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
