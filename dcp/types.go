// Package dcp implements the core of the Database Change Protocol streaming
// engine: per-vbucket stream state machines, the shared checkpoint drain
// task, and the connection registry that multiplexes many streams over
// producer/consumer connections.
//
// The package treats the storage engine's backfill scanner and the
// in-memory checkpoint manager as external collaborators (see backfill.go
// and checkpoint.go) and never performs socket I/O itself; callers drain
// Stream.Next() and hand the result to the wire layer.
package dcp

import "math"

// StreamState is the per-stream state machine position. Transitions are
// guarded by the owning stream's mutex (see Section 4.2 of the design).
type StreamState int

const (
	StreamStatePending StreamState = iota
	StreamStateBackfilling
	StreamStateInMemory
	StreamStateTakeoverSend
	StreamStateTakeoverWait
	StreamStateReading
	StreamStateDead
)

func (s StreamState) String() string {
	switch s {
	case StreamStatePending:
		return "pending"
	case StreamStateBackfilling:
		return "backfilling"
	case StreamStateInMemory:
		return "in-memory"
	case StreamStateTakeoverSend:
		return "takeover-send"
	case StreamStateTakeoverWait:
		return "takeover-wait"
	case StreamStateReading:
		return "reading"
	case StreamStateDead:
		return "dead"
	}
	return "unknown"
}

// StreamType distinguishes the three Stream variants sharing one base
// contract (Next, SetDead, NotifySeqnoAvailable, AddStats).
type StreamType int

const (
	StreamTypeActive StreamType = iota
	StreamTypeNotifier
	StreamTypePassive
)

// EndStreamStatus is carried in a StreamEnd response and records why a
// stream transitioned to Dead.
type EndStreamStatus int

const (
	EndStreamOK EndStreamStatus = iota
	EndStreamClosed
	EndStreamState
	EndStreamDisconnected
	EndStreamSlow
)

func (e EndStreamStatus) String() string {
	switch e {
	case EndStreamOK:
		return "ok"
	case EndStreamClosed:
		return "closed"
	case EndStreamState:
		return "state"
	case EndStreamDisconnected:
		return "disconnected"
	case EndStreamSlow:
		return "slow"
	}
	return "unknown"
}

// SnapshotType records whether a SnapshotMarker's range came from disk
// backfill, the in-memory checkpoint, or neither (not yet known).
type SnapshotType int

const (
	SnapshotNone SnapshotType = iota
	SnapshotDisk
	SnapshotMemory
)

// SnapshotFlags is the wire-level bitfield carried on a SnapshotMarker.
// Multiple bits can be set at once (e.g. disk|ack).
type SnapshotFlags uint32

const (
	SnapshotFlagDisk SnapshotFlags = 1 << iota
	SnapshotFlagMemory
	SnapshotFlagCheckpoint
	SnapshotFlagAck
)

// Has reports whether all bits in flag are set.
func (f SnapshotFlags) Has(flag SnapshotFlags) bool {
	return f&flag == flag
}

// BackfillSourceType tags where a backfilled item came from, as reported by
// the storage engine's scan callback.
type BackfillSourceType int

const (
	BackfillFromDisk BackfillSourceType = iota
	BackfillFromMemory
)

// ProcessItemsResult is returned by PassiveStream.ProcessBufferedMessages.
type ProcessItemsResult int

const (
	AllProcessed ProcessItemsResult = iota
	MoreToProcess
	CannotProcess
)

// MessageStatus is returned by PassiveStream.MessageReceived (and the
// per-opcode Process* wrappers) to tell the transport layer how to react to
// one inbound wire message, mirroring the ENGINE_ERROR_CODE a consumer
// handler hands back to the memcached core.
type MessageStatus int

const (
	// MessageSuccess: the message was accepted onto the buffer.
	MessageSuccess MessageStatus = iota
	// MessageTmpfail: the buffer is at its byte ceiling; the peer should
	// back off and retry once flow control reopens the window.
	MessageTmpfail
	// MessageDisconnect: the stream is no longer accepting input (already
	// DEAD); the connection should be torn down.
	MessageDisconnect
)

func (s MessageStatus) String() string {
	switch s {
	case MessageSuccess:
		return "success"
	case MessageTmpfail:
		return "tmpfail"
	case MessageDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// VBucketState mirrors the wire-level vbucket state enum used by
// SetVBucketState / SetVBucketStateAck responses.
type VBucketState int

const (
	VBucketStateActive VBucketState = iota + 1
	VBucketStateReplica
	VBucketStatePending
	VBucketStateDead
)

// StreamFlags is the bitfield controlling takeover behavior, key-only
// payload and optional compression, supplied at stream-request time.
type StreamFlags uint32

const (
	StreamFlagTakeover StreamFlags = 1 << iota
	StreamFlagKeyOnly
	StreamFlagCompressionEnabled
)

func (f StreamFlags) Has(bit StreamFlags) bool { return f&bit != 0 }

// OpenEndedSeqno is the sentinel end_seqno meaning "open-ended / tail".
const OpenEndedSeqno uint64 = math.MaxUint64
