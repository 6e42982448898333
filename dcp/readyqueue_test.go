package dcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadyQueue_BytesTrackPushAndPop(t *testing.T) {
	q := newReadyQueue()
	assert.False(t, q.ItemsReady())

	m := &SnapshotMarker{Vb: 0, Start: 0, End: 10}
	q.push(m)
	assert.True(t, q.ItemsReady())
	assert.EqualValues(t, m.Size(), q.Bytes())

	resp, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, Response(m), resp)
	assert.EqualValues(t, 0, q.Bytes())
	assert.False(t, q.ItemsReady())
}

func TestReadyQueue_DrainReturnsCount(t *testing.T) {
	q := newReadyQueue()
	q.push(&SnapshotMarker{Start: 0, End: 1})
	q.push(&SnapshotMarker{Start: 1, End: 2})
	n := q.drain()
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 0, q.Bytes())
	assert.Equal(t, 0, q.len())
}
