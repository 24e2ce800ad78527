package stream

import (
	"sync"
	"time"

	"github.com/alwitt/rtstream/broker"
	"github.com/alwitt/rtstream/mocks"
	"github.com/stretchr/testify/mock"
)

// recordingTransport Transport which records every frame written
type recordingTransport struct {
	frames     chan []byte
	gate       chan struct{}
	writeErr   error
	lock       sync.Mutex
	closeCalls int
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{frames: make(chan []byte, 128)}
}

func (t *recordingTransport) Write(payload []byte) error {
	if t.gate != nil {
		<-t.gate
	}
	if t.writeErr != nil {
		return t.writeErr
	}
	t.frames <- payload
	return nil
}

func (t *recordingTransport) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closeCalls++
	return nil
}

func (t *recordingTransport) closed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closeCalls > 0
}

// nextFrame wait for the next written frame
func (t *recordingTransport) nextFrame(timeout time.Duration) ([]byte, bool) {
	select {
	case frame := <-t.frames:
		return frame, true
	case <-time.After(timeout):
		return nil, false
	}
}

// recordingSender Sender which records every frame
type recordingSender struct {
	frames [][]byte
	err    error
}

func (s *recordingSender) Send(payload []byte) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, payload)
	return nil
}

// mockSubscribers SubscriberFactory handing out mocks.Subscriber instances which
// accept any number of Connect and Disconnect calls
type mockSubscribers struct {
	lock      sync.Mutex
	requests  []SubscribeRequest
	targets   map[string]broker.DeliveryTarget
	observers map[string]broker.CloseObserver
	created   map[string]*mocks.Subscriber
}

func newMockSubscribers() *mockSubscribers {
	return &mockSubscribers{
		targets:   map[string]broker.DeliveryTarget{},
		observers: map[string]broker.CloseObserver{},
		created:   map[string]*mocks.Subscriber{},
	}
}

func (f *mockSubscribers) factory(
	request SubscribeRequest, target broker.DeliveryTarget, observer broker.CloseObserver,
) (Subscriber, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	sub := new(mocks.Subscriber)
	sub.On("Connect").Return(nil)
	sub.On("Disconnect").Return(nil)
	f.requests = append(f.requests, request)
	f.targets[request.Metric] = target
	f.observers[request.Metric] = observer
	f.created[request.Metric] = sub
	return sub, nil
}

func (f *mockSubscribers) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.requests)
}

func (f *mockSubscribers) target(metric string) (broker.DeliveryTarget, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	target, ok := f.targets[metric]
	return target, ok
}

func (f *mockSubscribers) subscriber(metric string) *mocks.Subscriber {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.created[metric]
}

// countCalls number of calls made to one method of a mock
func countCalls(m *mock.Mock, method string) int {
	count := 0
	for _, call := range m.Calls {
		if call.Method == method {
			count++
		}
	}
	return count
}
