package stream

import (
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewSessionRegistry("ut")
	assert.Equal(0, uut.Len())
	assert.Empty(uut.Each())

	transports := []*recordingTransport{}
	sessions := []*ClientSession{}
	for itr := 0; itr < 3; itr++ {
		transport := newRecordingTransport()
		session, err := NewClientSession(transport, SessionParams{
			Registry:       uut,
			Subscribers:    newMockSubscribers().factory,
			SendBufferSize: 4,
		})
		assert.Nil(err)
		transports = append(transports, transport)
		sessions = append(sessions, session)
	}

	// Case 0: add
	for _, session := range sessions {
		uut.Add(session)
	}
	assert.Equal(3, uut.Len())
	assert.Len(uut.Each(), 3)
	for _, session := range sessions {
		stored, ok := uut.Get(session.ID())
		assert.True(ok)
		assert.Equal(session, stored)
	}

	// Case 1: adding again does not duplicate
	uut.Add(sessions[0])
	assert.Equal(3, uut.Len())

	// Case 2: broadcast reaches every session
	assert.Equal(3, uut.Broadcast([]byte(`{"heartbeat":"now"}`)))
	for _, transport := range transports {
		frame, ok := transport.nextFrame(time.Second)
		assert.True(ok)
		assert.JSONEq(`{"heartbeat":"now"}`, string(frame))
	}

	// Case 3: remove
	uut.Remove(sessions[1])
	assert.Equal(2, uut.Len())
	_, ok := uut.Get(sessions[1].ID())
	assert.False(ok)
	uut.Remove(sessions[1])
	assert.Equal(2, uut.Len())

	// Case 4: broadcast skips sessions which refuse the frame
	sessions[0].OnClose()
	assert.Equal(1, uut.Len())
	uut.Add(sessions[0])
	assert.Equal(2, uut.Len())
	assert.Equal(1, uut.Broadcast([]byte(`{"heartbeat":"later"}`)))

	uut.Remove(sessions[0])
	sessions[1].OnClose()
	sessions[2].OnClose()
	assert.Equal(0, uut.Len())
}
