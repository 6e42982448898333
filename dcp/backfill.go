package dcp

// BackfillSource is the storage engine collaborator that supplies historical
// mutations for a seqno range. The core only ever calls BeginBackfill; the
// engine then drives the stream's BackfillReceived / CompleteBackfill /
// ScanError callbacks from its own I/O threads. Mirrors §6's
// "begin_backfill / backfill_received / complete_backfill / scan_error"
// contract; implemented out of package by the storage engine in production,
// and by a scripted fake in tests.
type BackfillSource interface {
	// BeginBackfill registers a scan over [start, end] (inclusive) for vb
	// and returns a handle the engine can later use to cancel it. The scan
	// itself runs asynchronously; delivery happens through the stream's
	// BackfillReceived callback, not through this call's return value.
	BeginBackfill(vb uint16, start, end uint64, stream *ActiveStream) (BackfillHandle, error)
}

// BackfillHandle lets an ActiveStream cancel an in-flight backfill scan,
// e.g. on SetDead.
type BackfillHandle interface {
	Cancel()
}

// noopBackfillHandle is used where a test or caller never needs to cancel.
type noopBackfillHandle struct{}

func (noopBackfillHandle) Cancel() {}
