package dcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifierStream_FiresOnceAtStartSeqno(t *testing.T) {
	s := NewNotifierStream("n1", 1, 0, 10, 42, testLogger())
	assert.Nil(t, s.Next())

	s.NotifySeqnoAvailable(5)
	assert.Equal(t, StreamStatePending, s.State(), "below start_seqno must not fire")

	s.NotifySeqnoAvailable(10)
	assert.Equal(t, StreamStateDead, s.State())

	resp, ok := s.Next().(*StreamEnd)
	assert.True(t, ok)
	assert.Equal(t, EndStreamOK, resp.Reason)

	s.NotifySeqnoAvailable(20)
	assert.Nil(t, s.Next(), "dead is terminal, second notify must not requeue")
}
