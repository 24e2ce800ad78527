package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alwitt/rtstream/mocks"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// recordingBroadcaster Broadcaster which records every payload
type recordingBroadcaster struct {
	lock     sync.Mutex
	payloads [][]byte
	err      error
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, payload []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.payloads = append(b.payloads, payload)
	return b.err
}

func TestBroadcastRelay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	source := new(mocks.RelaySource)
	sub := new(mocks.Subscription)
	target := &recordingBroadcaster{}
	var handler func([]byte)
	source.On("Subscribe", "rtstream.broadcast", mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(1).(func([]byte))
	}).Return(sub, nil).Once()
	sub.On("Unsubscribe").Return(nil).Once()

	uut, err := NewBroadcastRelay(utCtxt, source, target, "rtstream.broadcast")
	assert.Nil(err)

	// Case 0: start
	assert.Nil(uut.Start())
	assert.NotNil(handler)
	assert.NotNil(uut.Start())

	// Case 1: messages are broadcast unchanged
	handler([]byte(`{"notice":"a"}`))
	handler([]byte(`{"notice":"b"}`))
	assert.Equal([][]byte{[]byte(`{"notice":"a"}`), []byte(`{"notice":"b"}`)}, target.payloads)

	// Case 2: broadcast failures do not stop the relay
	target.err = fmt.Errorf("event loop stopped")
	handler([]byte(`{"notice":"c"}`))
	assert.Len(target.payloads, 3)

	// Case 3: stop, twice
	assert.Nil(uut.Stop())
	assert.Nil(uut.Stop())

	source.AssertExpectations(t)
	sub.AssertExpectations(t)
}

func TestBroadcastRelaySubscribeFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := new(mocks.RelaySource)
	source.On("Subscribe", "rtstream.broadcast", mock.Anything).Return(
		nil, fmt.Errorf("not connected"),
	).Once()

	uut, err := NewBroadcastRelay(
		context.Background(), source, &recordingBroadcaster{}, "rtstream.broadcast",
	)
	assert.Nil(err)
	assert.NotNil(uut.Start())
	assert.Nil(uut.Stop())

	// Case 1: invalid relay
	_, err = NewBroadcastRelay(context.Background(), source, &recordingBroadcaster{}, "")
	assert.NotNil(err)
	_, err = NewBroadcastRelay(context.Background(), nil, &recordingBroadcaster{}, "x")
	assert.NotNil(err)
}
