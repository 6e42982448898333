package dcp

import "github.com/owendCB/ep-engine/log"

// VBUUIDSource resolves a vbucket's current failover-log uuid and, when a
// requested uuid doesn't match, the nearest seqno a consumer can safely
// resume from. Implemented out of package by the vbucket's failover table.
type VBUUIDSource interface {
	CurrentVBUUID(vb uint16) uint64
	RollbackSeqno(vb uint16, requestedSeqno uint64) uint64
}

// StreamRequest is the parameter set for a DCP_STREAM_REQ (§3, §6's
// "vb_uuid mismatch at stream request must yield a rollback response").
type StreamRequest struct {
	Name                         string
	Opaque                       uint32
	Vbucket                      uint16
	Flags                        StreamFlags
	StartSeqno, EndSeqno         uint64
	VBUUID                       uint64
	SnapStartSeqno, SnapEndSeqno uint64
}

// RequestActiveStream validates the request's vb_uuid against uuids before
// constructing anything: a mismatch returns a Rollback response and installs
// no stream, exactly as scenario 3 requires (no SnapshotMarker, no
// StreamEnd, just an immediate rollback reply). On success it builds and
// installs the ActiveStream and returns nil for the rollback response.
func (p *Producer) RequestActiveStream(req StreamRequest, uuids VBUUIDSource, params ActiveStreamParams, logger *log.CommonLogger) (Response, *ActiveStream, error) {
	if uuids != nil {
		current := uuids.CurrentVBUUID(req.Vbucket)
		if req.VBUUID != 0 && req.VBUUID != current {
			rbSeqno := uuids.RollbackSeqno(req.Vbucket, req.StartSeqno)
			return &Rollback{Vb: req.Vbucket, OpaqueV: req.Opaque, RollbackSeqno: rbSeqno}, nil, nil
		}
	}

	if params.Admission == nil {
		params.Admission = p.admission
	}
	s, err := NewActiveStream(req.Name, req.Flags, req.Opaque, req.Vbucket,
		req.StartSeqno, req.EndSeqno, req.VBUUID, req.SnapStartSeqno, req.SnapEndSeqno,
		params, logger)
	if err != nil {
		return nil, nil, err
	}
	p.OpenStream(req.Vbucket, s)
	return nil, s, nil
}
