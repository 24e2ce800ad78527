package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/rtstream/common"
	"github.com/alwitt/rtstream/core"
	"github.com/alwitt/rtstream/mocks"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func testBrokerConfig() common.AMQPConfig {
	return common.AMQPConfig{
		Host:           "127.0.0.1",
		Port:           5672,
		VHost:          "/",
		Username:       "cloudbrain",
		Password:       "cloudbrain",
		ConnectTimeout: 1,
		StepTimeout:    1,
		Queue:          common.AMQPQueueConfig{Mode: common.QueueModePerConsumer, Prefix: "ut"},
	}
}

func testGatewayConfig() common.GatewayConfig {
	return common.GatewayConfig{LoopBufferSize: 64, SendBufferSize: 16}
}

func waitClosed(assert *assert.Assertions, signal <-chan struct{}, what string) {
	select {
	case <-signal:
	case <-time.After(time.Second * 2):
		assert.Failf("timed out", "waiting for %s", what)
	}
}

func TestGatewayStreamThroughBroker(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	routingKey := "dev-1:muse:eeg"
	driver := new(mocks.BrokerDriver)
	conn := new(mocks.BrokerConnection)
	channel := new(mocks.BrokerChannel)
	deliveries := make(chan func(core.Delivery), 1)
	channelClosed := make(chan struct{})
	connClosed := make(chan struct{})

	driver.On("Dial", mock.Anything).Return(conn, nil).Once()
	conn.On("Channel").Return(channel, nil).Once()
	conn.On("NotifyClose", mock.Anything).Return()
	conn.On("Close").Run(func(mock.Arguments) { close(connClosed) }).Return(nil).Once()
	channel.On("NotifyClose", mock.Anything).Return()
	channel.On("ExchangeDeclare", routingKey, "direct").Return(nil).Once()
	channel.On("QueueDeclare", mock.AnythingOfType("string"), true).Return(
		func(name string, _ bool) string { return name }, nil,
	).Once()
	channel.On(
		"QueueBind", mock.AnythingOfType("string"), routingKey, routingKey,
	).Return(nil).Once()
	channel.On("NotifyCancel", mock.Anything).Return()
	channel.On(
		"Consume", mock.AnythingOfType("string"), mock.AnythingOfType("string"), mock.Anything,
	).Run(func(args mock.Arguments) {
		deliveries <- args.Get(2).(func(core.Delivery))
	}).Return(nil).Once()
	channel.On("Ack", uint64(1)).Return(nil).Once()
	channel.On("Ack", uint64(2)).Return(nil).Once()
	channel.On("Ack", uint64(3)).Return(fmt.Errorf("channel closed")).Once()
	channel.On("Close").Run(func(mock.Arguments) { close(channelClosed) }).Return(nil).Once()

	metrics := NewMetrics(prometheus.NewRegistry())
	uut, err := NewGateway(utCtxt, GatewayParams{
		Broker:  testBrokerConfig(),
		Gateway: testGatewayConfig(),
		Driver:  driver,
		Metrics: metrics,
	})
	assert.Nil(err)
	assert.Nil(uut.Start())
	assert.Eventually(uut.Ready, time.Second, time.Millisecond*10)

	transport := newRecordingTransport()
	session, err := uut.OpenSession(utCtxt, transport)
	assert.Nil(err)
	assert.Eventually(func() bool {
		return uut.Registry().Len() == 1
	}, time.Second, time.Millisecond*10)

	// Case 0: subscribe twice, one handshake
	assert.Nil(uut.SessionMessage(utCtxt, session, subscribeMsg("dev-1", "muse", "eeg")))
	assert.Nil(uut.SessionMessage(utCtxt, session, subscribeMsg("dev-1", "muse", "eeg")))
	var deliver func(core.Delivery)
	select {
	case deliver = <-deliveries:
	case <-time.After(time.Second * 2):
		assert.FailNow("consumer never started")
	}

	// Case 1: deliveries are stamped and forwarded in order
	deliver(core.Delivery{Tag: 1, Body: []byte(`[{"value":1},{"value":2}]`)})
	deliver(core.Delivery{Tag: 2, Body: []byte(`[{"value":3}]`)})
	for _, expected := range []string{
		`{"value":1,"metric":"eeg"}`, `{"value":2,"metric":"eeg"}`, `{"value":3,"metric":"eeg"}`,
	} {
		frame, ok := transport.nextFrame(time.Second)
		assert.True(ok)
		assert.JSONEq(expected, string(frame))
	}
	assert.Equal(3.0, testutil.ToFloat64(metrics.RecordsForwarded.WithLabelValues("eeg")))

	// Case 2: invalid request leaves the session open
	assert.Nil(uut.SessionMessage(utCtxt, session, []byte(`{"metric":"eeg"}`)))
	assert.Eventually(func() bool {
		return testutil.ToFloat64(metrics.SubscribeRejected) == 1.0
	}, time.Second, time.Millisecond*10)
	assert.Equal(1, uut.Registry().Len())

	// Case 3: closing the session tears down the broker connection
	assert.Nil(uut.CloseSession(utCtxt, session))
	waitClosed(assert, channelClosed, "channel close")
	waitClosed(assert, connClosed, "connection close")
	waitClosed(assert, session.Flushed(), "session flush")
	assert.Equal(0, uut.Registry().Len())

	// Case 4: a delivery racing the close is dropped
	deliver(core.Delivery{Tag: 3, Body: []byte(`[{"value":4}]`)})
	_, ok := transport.nextFrame(time.Millisecond * 100)
	assert.False(ok)

	assert.Nil(uut.Stop(utCtxt))
	driver.AssertExpectations(t)
	conn.AssertExpectations(t)
	channel.AssertExpectations(t)
}

func TestGatewayHandshakeFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	driver := new(mocks.BrokerDriver)
	driver.On("Dial", mock.Anything).Return(nil, fmt.Errorf("connection refused")).Once()

	config := testGatewayConfig()
	config.ReportErrors = true
	uut, err := NewGateway(utCtxt, GatewayParams{
		Broker: testBrokerConfig(), Gateway: config, Driver: driver,
	})
	assert.Nil(err)
	assert.Nil(uut.Start())

	transport := newRecordingTransport()
	session, err := uut.OpenSession(utCtxt, transport)
	assert.Nil(err)
	assert.Nil(uut.SessionMessage(utCtxt, session, subscribeMsg("dev-1", "muse", "eeg")))

	// The failure is reported to the client, which stays connected
	frame, ok := transport.nextFrame(time.Second * 2)
	assert.True(ok)
	var errFrame ErrorFrame
	assert.Nil(json.Unmarshal(frame, &errFrame))
	assert.Equal("eeg", errFrame.Metric)
	assert.True(strings.Contains(errFrame.Error, "connection refused"))
	assert.True(strings.Contains(errFrame.Error, "dev-1:muse:eeg"))
	assert.Equal(1, uut.Registry().Len())

	assert.Nil(uut.Stop(utCtxt))
	waitClosed(assert, session.Flushed(), "session flush")
	assert.Equal(0, uut.Registry().Len())
	driver.AssertExpectations(t)
}

func TestGatewayBroadcastAndStop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	subscribers := newMockSubscribers()
	uut, err := NewGateway(utCtxt, GatewayParams{
		Broker:      testBrokerConfig(),
		Gateway:     testGatewayConfig(),
		Subscribers: subscribers.factory,
	})
	assert.Nil(err)
	assert.Nil(uut.Start())

	transport0 := newRecordingTransport()
	session0, err := uut.OpenSession(utCtxt, transport0)
	assert.Nil(err)
	transport1 := newRecordingTransport()
	session1, err := uut.OpenSession(utCtxt, transport1)
	assert.Nil(err)
	assert.Nil(uut.SessionMessage(utCtxt, session0, subscribeMsg("dev-1", "muse", "eeg")))
	assert.Nil(uut.SessionMessage(utCtxt, session1, subscribeMsg("dev-1", "muse", "acc")))
	assert.Eventually(func() bool {
		return subscribers.count() == 2
	}, time.Second, time.Millisecond*10)

	// Case 0: broadcast reaches both sessions
	assert.Nil(uut.Broadcast(utCtxt, []byte(`{"notice":"maintenance"}`)))
	for _, transport := range []*recordingTransport{transport0, transport1} {
		frame, ok := transport.nextFrame(time.Second)
		assert.True(ok)
		assert.JSONEq(`{"notice":"maintenance"}`, string(frame))
	}

	// Case 1: stop closes every session
	assert.Nil(uut.Stop(utCtxt))
	waitClosed(assert, session0.Flushed(), "session 0 flush")
	waitClosed(assert, session1.Flushed(), "session 1 flush")
	assert.Equal(0, uut.Registry().Len())
	assert.Equal(1, countCalls(&subscribers.subscriber("eeg").Mock, "Disconnect"))
	assert.Equal(1, countCalls(&subscribers.subscriber("acc").Mock, "Disconnect"))
	assert.False(uut.Ready())

	// Case 2: no new sessions once stopped
	_, err = uut.OpenSession(utCtxt, newRecordingTransport())
	assert.NotNil(err)
}

func TestGatewayStopAfterContextEnds(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	subscribers := newMockSubscribers()
	uut, err := NewGateway(utCtxt, GatewayParams{
		Broker:      testBrokerConfig(),
		Gateway:     testGatewayConfig(),
		Subscribers: subscribers.factory,
	})
	assert.Nil(err)
	assert.Nil(uut.Start())

	transport := newRecordingTransport()
	session, err := uut.OpenSession(utCtxt, transport)
	assert.Nil(err)
	assert.Nil(uut.SessionMessage(utCtxt, session, subscribeMsg("dev-1", "muse", "eeg")))
	assert.Eventually(func() bool {
		return subscribers.count() == 1
	}, time.Second, time.Millisecond*10)

	// Case 0: the caller's context ends first, as on SIGINT
	utCancel()
	assert.True(uut.Ready())

	// Case 1: stop still closes the session and its subscriptions
	stopCtxt, stopCancel := context.WithTimeout(context.Background(), time.Second*2)
	defer stopCancel()
	assert.Nil(uut.Stop(stopCtxt))
	waitClosed(assert, session.Flushed(), "session flush")
	assert.Equal(0, uut.Registry().Len())
	assert.Equal(1, countCalls(&subscribers.subscriber("eeg").Mock, "Disconnect"))
	assert.True(transport.closed())
}

func TestGatewayAckDoesNotStallLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	routingKey := "dev-1:muse:eeg"
	driver := new(mocks.BrokerDriver)
	conn := new(mocks.BrokerConnection)
	channel := new(mocks.BrokerChannel)
	deliveries := make(chan func(core.Delivery), 1)
	ackGate := make(chan struct{})

	driver.On("Dial", mock.Anything).Return(conn, nil).Once()
	conn.On("Channel").Return(channel, nil).Once()
	conn.On("NotifyClose", mock.Anything).Return()
	conn.On("Close").Return(nil)
	channel.On("NotifyClose", mock.Anything).Return()
	channel.On("ExchangeDeclare", routingKey, "direct").Return(nil).Once()
	channel.On("QueueDeclare", mock.AnythingOfType("string"), true).Return(
		func(name string, _ bool) string { return name }, nil,
	).Once()
	channel.On(
		"QueueBind", mock.AnythingOfType("string"), routingKey, routingKey,
	).Return(nil).Once()
	channel.On("NotifyCancel", mock.Anything).Return()
	channel.On(
		"Consume", mock.AnythingOfType("string"), mock.AnythingOfType("string"), mock.Anything,
	).Run(func(args mock.Arguments) {
		deliveries <- args.Get(2).(func(core.Delivery))
	}).Return(nil).Once()
	// A backed up broker connection
	channel.On("Ack", uint64(1)).Run(func(mock.Arguments) { <-ackGate }).Return(nil).Once()
	channel.On("Close").Return(nil)

	uut, err := NewGateway(utCtxt, GatewayParams{
		Broker:  testBrokerConfig(),
		Gateway: testGatewayConfig(),
		Driver:  driver,
	})
	assert.Nil(err)
	assert.Nil(uut.Start())

	streaming := newRecordingTransport()
	session, err := uut.OpenSession(utCtxt, streaming)
	assert.Nil(err)
	bystander := newRecordingTransport()
	_, err = uut.OpenSession(utCtxt, bystander)
	assert.Nil(err)
	assert.Nil(uut.SessionMessage(utCtxt, session, subscribeMsg("dev-1", "muse", "eeg")))
	var deliver func(core.Delivery)
	select {
	case deliver = <-deliveries:
	case <-time.After(time.Second * 2):
		assert.FailNow("consumer never started")
	}

	// Case 0: the delivery blocks in its ACK
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		deliver(core.Delivery{Tag: 1, Body: []byte(`[{"value":1}]`)})
	}()

	// Case 1: other sessions are still served promptly
	start := time.Now()
	assert.Nil(uut.Broadcast(utCtxt, []byte(`{"notice":"a"}`)))
	frame, ok := bystander.nextFrame(time.Millisecond * 500)
	assert.True(ok)
	assert.JSONEq(`{"notice":"a"}`, string(frame))
	assert.True(time.Since(start) < time.Millisecond*500)

	// Case 2: once acknowledged, the record follows
	close(ackGate)
	waitClosed(assert, delivered, "delivery handoff")
	frame, ok = streaming.nextFrame(time.Second)
	assert.True(ok)
	assert.JSONEq(`{"notice":"a"}`, string(frame))
	frame, ok = streaming.nextFrame(time.Second)
	assert.True(ok)
	assert.JSONEq(`{"value":1,"metric":"eeg"}`, string(frame))

	assert.Nil(uut.Stop(utCtxt))
	channel.AssertExpectations(t)
}

func TestGatewayHeartbeat(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	config := testGatewayConfig()
	config.HeartbeatInterval = 1
	uut, err := NewGateway(utCtxt, GatewayParams{
		Broker:      testBrokerConfig(),
		Gateway:     config,
		Subscribers: newMockSubscribers().factory,
	})
	assert.Nil(err)
	assert.Nil(uut.Start())

	transport := newRecordingTransport()
	_, err = uut.OpenSession(utCtxt, transport)
	assert.Nil(err)

	frame, ok := transport.nextFrame(time.Second * 3)
	assert.True(ok)
	var heartbeat HeartbeatFrame
	assert.Nil(json.Unmarshal(frame, &heartbeat))
	_, err = time.Parse(time.RFC3339, heartbeat.Heartbeat)
	assert.Nil(err)

	assert.Nil(uut.Stop(utCtxt))
}

func TestGatewayParams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, err := NewGateway(context.Background(), GatewayParams{
		Broker: testBrokerConfig(), Gateway: testGatewayConfig(),
	})
	assert.NotNil(err)
}
