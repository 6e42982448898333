package dcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owendCB/ep-engine/base"
)

func testConnMap(t *testing.T) *ConnectionMap {
	cfg := base.NewDefaultConfig()
	cfg.VBConnLockNum = 4
	return NewConnectionMap(cfg, testLogger())
}

func TestConnectionMap_OnePassiveStreamPerVbucket(t *testing.T) {
	m := testConnMap(t)
	sink := &fakeSink{}

	c1 := m.NewConsumerConnection("c1")
	c2 := m.NewConsumerConnection("c2")

	s1 := NewPassiveStream("s1", 1, 5, 0, OpenEndedSeqno, 42, 0, 0, sink, nil, testLogger())
	require.NoError(t, m.AddPassiveStream(c1, 5, s1))

	s2 := NewPassiveStream("s2", 2, 5, 0, OpenEndedSeqno, 42, 0, 0, sink, nil, testLogger())
	err := m.AddPassiveStream(c2, 5, s2)
	assert.ErrorIs(t, err, base.ErrKeyEExists)

	s1.SetDead(EndStreamClosed)
	s3 := NewPassiveStream("s3", 3, 5, 0, OpenEndedSeqno, 42, 0, 0, sink, nil, testLogger())
	assert.NoError(t, m.AddPassiveStream(c2, 5, s3), "a dead stream's vbucket should become available again")
}

func TestConnectionMap_DisconnectReleasesVbucketOwnership(t *testing.T) {
	m := testConnMap(t)
	sink := &fakeSink{}
	c1 := m.NewConsumerConnection("c1")
	s1 := NewPassiveStream("s1", 1, 7, 0, OpenEndedSeqno, 42, 0, 0, sink, nil, testLogger())
	require.NoError(t, m.AddPassiveStream(c1, 7, s1))

	m.Disconnect("c1")

	c2 := m.NewConsumerConnection("c2")
	s2 := NewPassiveStream("s2", 2, 7, 0, OpenEndedSeqno, 42, 0, 0, sink, nil, testLogger())
	assert.NoError(t, m.AddPassiveStream(c2, 7, s2))
}

func TestConnectionMap_VBucketStateChangedEndsProducerStream(t *testing.T) {
	m := testConnMap(t)
	p := m.NewProducerConnection("prod1")
	bf := &fakeBackfill{}
	s, err := NewActiveStream("as1", 0, 0, 0, 0, OpenEndedSeqno, 42, 0, 0, ActiveStreamParams{Backfill: bf}, testLogger())
	require.NoError(t, err)
	p.OpenStream(0, s)

	m.VBucketStateChanged(0, VBucketStateReplica, true)
	assert.Equal(t, StreamStateDead, s.State())
}

func TestConnectionMap_VBucketStateChangedSparesPassiveStreamWithoutCloseInbound(t *testing.T) {
	m := testConnMap(t)
	sink := &fakeSink{}
	c := m.NewConsumerConnection("c1")
	s := NewPassiveStream("s1", 1, 9, 0, OpenEndedSeqno, 42, 0, 0, sink, nil, testLogger())
	require.NoError(t, m.AddPassiveStream(c, 9, s))

	m.VBucketStateChanged(9, VBucketStateReplica, false)
	assert.NotEqual(t, StreamStateDead, s.State(), "closeInbound=false must leave the passive stream accepting")

	m.VBucketStateChanged(9, VBucketStateDead, true)
	assert.Equal(t, StreamStateDead, s.State())
}

func TestConnectionMap_BackfillAdmissionCeiling(t *testing.T) {
	cfg := base.NewDefaultConfig()
	cfg.MaxDataSize = 1000
	cfg.DbFileMem = 100
	cfg.NumBackfillsMemThresholdPercent = 0.5
	cfg.NumBackfillsThreshold = 4096
	m := NewConnectionMap(cfg, testLogger())

	// computed = 1000*0.5/100 = 5
	for i := 0; i < 5; i++ {
		assert.True(t, m.TryAdmitBackfill())
	}
	assert.False(t, m.TryAdmitBackfill())
	m.ReleaseBackfill()
	assert.True(t, m.TryAdmitBackfill())
}

func TestConnectionMap_ManageConnectionsSparesNoopEnabledProducer(t *testing.T) {
	cfg := base.NewDefaultConfig()
	cfg.MaxIdleTime = time.Nanosecond
	m := NewConnectionMap(cfg, testLogger())

	m.NewProducerConnection("stale")
	kept := m.NewProducerConnection("kept")
	kept.SetNoopEnabled(true)
	time.Sleep(time.Millisecond)

	m.ManageConnections()

	m.mu.RLock()
	_, staleStillThere := m.producers["stale"]
	_, keptStillThere := m.producers["kept"]
	m.mu.RUnlock()

	assert.False(t, staleStillThere, "an idle, non-noop producer must be reaped")
	assert.True(t, keptStillThere, "a noop-enabled producer must not be reaped for idleness")
}
