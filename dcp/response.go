package dcp

import (
	mc "github.com/couchbase/gomemcached"
	mcc "github.com/couchbase/gomemcached/client"
	"github.com/golang/snappy"
)

// responseHeaderSize approximates the fixed portion of a DCP wire message
// (the 24-byte memcached binary header; opcode extras are not counted) for
// readyQ byte accounting. The core never actually frames a packet — see
// the "wire framing" non-goal — this is only used to keep I5 (readyQBytes
// equals the sum of advertised sizes) meaningful.
const responseHeaderSize = 24

// Response is the shared contract for every object that can sit in a
// stream's ready queue. Concrete types are SnapshotMarker, Mutation,
// Deletion, SetVBucketState, StreamEnd, SnapshotMarkerAck and
// SetVBucketStateAck; Rollback implements it too but is never queued.
type Response interface {
	VBucket() uint16
	Opaque() uint32
	Opcode() mc.CommandCode
	// Size is the advertised byte footprint used for ready_q_bytes
	// accounting (I5); it does not need to match an actual wire encoding.
	Size() uint64
}

// Item is the payload the storage engine or checkpoint manager hands to an
// ActiveStream; it becomes the body of a Mutation or the key of a Deletion.
type Item struct {
	Key        []byte
	Value      []byte
	Cas        uint64
	Flags      uint32
	Expiration uint32
	Datatype   uint8
	BySeqno    uint64
	RevSeqno   uint64
	Deleted    bool
}

func (i *Item) size() uint64 {
	return uint64(responseHeaderSize + len(i.Key) + len(i.Value))
}

// maybeCompress snappy-encodes value when doing so clears minRatio
// (original/compressed); otherwise it returns the value unchanged. Mirrors
// dcp_min_compression_ratio: compression below the ratio isn't worth the
// consumer-side inflate cost.
func maybeCompress(value []byte, datatype uint8, minRatio float64, compressionEnabled bool) ([]byte, uint8) {
	if !compressionEnabled || len(value) == 0 || datatype&mcc.SnappyDataType != 0 {
		return value, datatype
	}
	compressed := snappy.Encode(nil, value)
	if minRatio <= 0 {
		minRatio = 1
	}
	if float64(len(value))/float64(len(compressed)) < minRatio {
		return value, datatype
	}
	return compressed, datatype | mcc.SnappyDataType
}

type SnapshotMarker struct {
	Vb       uint16
	OpaqueV  uint32
	Start    uint64
	End      uint64
	Flags    SnapshotFlags
}

func (m *SnapshotMarker) VBucket() uint16        { return m.Vb }
func (m *SnapshotMarker) Opaque() uint32         { return m.OpaqueV }
func (m *SnapshotMarker) Opcode() mc.CommandCode { return mc.UPR_SNAPSHOT }
func (m *SnapshotMarker) Size() uint64           { return responseHeaderSize + 20 }

// Mutation carries a live item plus the seqno pair the ordering invariants
// (I2, P1) are checked against.
type Mutation struct {
	Vb       uint16
	OpaqueV  uint32
	ItemV    *Item
	KeyOnly  bool
}

func (m *Mutation) VBucket() uint16        { return m.Vb }
func (m *Mutation) Opaque() uint32         { return m.OpaqueV }
func (m *Mutation) Opcode() mc.CommandCode { return mc.UPR_MUTATION }
func (m *Mutation) BySeqno() uint64        { return m.ItemV.BySeqno }
func (m *Mutation) RevSeqno() uint64       { return m.ItemV.RevSeqno }
func (m *Mutation) Size() uint64 {
	if m.KeyOnly {
		return uint64(responseHeaderSize + len(m.ItemV.Key))
	}
	return m.ItemV.size()
}

type Deletion struct {
	Vb        uint16
	OpaqueV   uint32
	Key       []byte
	Cas       uint64
	ByseqnoV  uint64
	RevSeqnoV uint64
}

func (d *Deletion) VBucket() uint16        { return d.Vb }
func (d *Deletion) Opaque() uint32         { return d.OpaqueV }
func (d *Deletion) Opcode() mc.CommandCode { return mc.UPR_DELETION }
func (d *Deletion) BySeqno() uint64        { return d.ByseqnoV }
func (d *Deletion) RevSeqno() uint64       { return d.RevSeqnoV }
func (d *Deletion) Size() uint64           { return uint64(responseHeaderSize + len(d.Key)) }

type SetVBucketState struct {
	Vb      uint16
	OpaqueV uint32
	State   VBucketState
}

func (s *SetVBucketState) VBucket() uint16        { return s.Vb }
func (s *SetVBucketState) Opaque() uint32         { return s.OpaqueV }
func (s *SetVBucketState) Opcode() mc.CommandCode { return mc.SET_VBUCKET }
func (s *SetVBucketState) Size() uint64           { return responseHeaderSize + 1 }

type StreamEnd struct {
	Vb      uint16
	OpaqueV uint32
	Reason  EndStreamStatus
}

func (e *StreamEnd) VBucket() uint16        { return e.Vb }
func (e *StreamEnd) Opaque() uint32         { return e.OpaqueV }
func (e *StreamEnd) Opcode() mc.CommandCode { return mc.UPR_STREAMEND }
func (e *StreamEnd) Size() uint64           { return responseHeaderSize + 4 }

type SnapshotMarkerAck struct {
	Vb      uint16
	OpaqueV uint32
}

func (a *SnapshotMarkerAck) VBucket() uint16        { return a.Vb }
func (a *SnapshotMarkerAck) Opaque() uint32         { return a.OpaqueV }
func (a *SnapshotMarkerAck) Opcode() mc.CommandCode { return mc.UPR_SNAPSHOT }
func (a *SnapshotMarkerAck) Size() uint64           { return responseHeaderSize }

type SetVBucketStateAck struct {
	Vb      uint16
	OpaqueV uint32
}

func (a *SetVBucketStateAck) VBucket() uint16        { return a.Vb }
func (a *SetVBucketStateAck) Opaque() uint32         { return a.OpaqueV }
func (a *SetVBucketStateAck) Opcode() mc.CommandCode { return mc.SET_VBUCKET }
func (a *SetVBucketStateAck) Size() uint64           { return responseHeaderSize }

// Rollback is returned in place of a successful stream open when the
// requested vb_uuid does not match the producer's current failover epoch;
// RollbackSeqno is the nearest sync point the consumer should retry from.
// It is a one-shot reply handed back from Producer.RequestActiveStream,
// never queued onto a stream's ready queue.
type Rollback struct {
	Vb            uint16
	OpaqueV       uint32
	RollbackSeqno uint64
}

func (r *Rollback) VBucket() uint16        { return r.Vb }
func (r *Rollback) Opaque() uint32         { return r.OpaqueV }
func (r *Rollback) Opcode() mc.CommandCode { return mc.UPR_STREAMREQ }
func (r *Rollback) Size() uint64           { return responseHeaderSize + 8 }
