package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/rtstream/broker"
	"github.com/alwitt/rtstream/common"
	"github.com/alwitt/rtstream/core"
	"github.com/apex/log"
)

// GatewayParams parameters of the session gateway
type GatewayParams struct {
	// Broker is the broker config consumers are defined from
	Broker common.AMQPConfig
	// Gateway is the gateway config
	Gateway common.GatewayConfig
	// Driver connects consumers to the broker
	Driver core.BrokerDriver
	// Metrics optional collectors
	Metrics *Metrics
	// Subscribers optional override of how subscriptions are defined. By default each
	// subscription is a broker.Consumer using Driver.
	Subscribers SubscriberFactory
}

// Gateway runs every client session and broker consumer on one event loop
//
// The event loop context is only cancelled by Stop, so sessions are still closed on
// the loop after the caller's context ends. brokerCtxt bounds broker handshakes.
type Gateway struct {
	common.Component
	params     GatewayParams
	registry   *SessionRegistry
	processor  common.TaskProcessor
	heartbeat  common.IntervalTimer
	brokerCtxt context.Context
	ctxt       context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Event loop tasks

type openSessionTask struct {
	session *ClientSession
}

type sessionMessageTask struct {
	session *ClientSession
	raw     []byte
}

type closeSessionTask struct {
	session *ClientSession
}

type broadcastTask struct {
	payload []byte
}

type shutdownTask struct {
	done chan struct{}
}

// NewGateway define a new session gateway
//
// The gateway runs until Stop. Cancelling ctxt aborts broker handshakes in progress, but
// leaves sessions open for Stop to close.
func NewGateway(ctxt context.Context, params GatewayParams) (*Gateway, error) {
	logTags := log.Fields{"module": "stream", "component": "gateway"}
	if params.Subscribers == nil && params.Driver == nil {
		err := fmt.Errorf("gateway requires a broker driver")
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway")
		return nil, err
	}
	optCtxt, cancel := context.WithCancel(context.Background())
	processor, err := common.GetNewTaskProcessorInstance(
		"gateway", params.Gateway.LoopBufferSize, optCtxt,
	)
	if err != nil {
		cancel()
		return nil, err
	}
	gw := &Gateway{
		Component:  common.Component{LogTags: logTags},
		params:     params,
		registry:   NewSessionRegistry("gateway"),
		processor:  processor,
		brokerCtxt: ctxt,
		ctxt:       optCtxt,
		cancel:     cancel,
	}
	if gw.params.Subscribers == nil {
		gw.params.Subscribers = gw.defineConsumer
	}

	if err := processor.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(broker.Event{}):       gw.processBrokerEvent,
		reflect.TypeOf(openSessionTask{}):    gw.processOpenSession,
		reflect.TypeOf(sessionMessageTask{}): gw.processSessionMessage,
		reflect.TypeOf(closeSessionTask{}):   gw.processCloseSession,
		reflect.TypeOf(broadcastTask{}):      gw.processBroadcast,
		reflect.TypeOf(shutdownTask{}):       gw.processShutdown,
	}); err != nil {
		cancel()
		return nil, err
	}

	if params.Gateway.HeartbeatInterval > 0 {
		timer, err := common.GetIntervalTimerInstance("heartbeat", optCtxt, &gw.wg)
		if err != nil {
			cancel()
			return nil, err
		}
		gw.heartbeat = timer
	}
	return gw, nil
}

// Registry the set of open sessions
func (g *Gateway) Registry() *SessionRegistry {
	return g.registry
}

// Ready whether the gateway event loop is running
func (g *Gateway) Ready() bool {
	return g.processor.Running()
}

// Start start the event loop, and the heartbeat if enabled
func (g *Gateway) Start() error {
	if err := g.processor.StartEventLoop(&g.wg); err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Unable to start event loop")
		return err
	}
	if g.heartbeat != nil {
		interval := time.Second * time.Duration(g.params.Gateway.HeartbeatInterval)
		if err := g.heartbeat.Start(interval, g.sendHeartbeat, false); err != nil {
			log.WithError(err).WithFields(g.LogTags).Error("Unable to start heartbeat")
			return err
		}
	}
	return nil
}

// Stop close every session, then stop the event loop
func (g *Gateway) Stop(ctxt context.Context) error {
	done := make(chan struct{})
	if !g.processor.Running() {
		log.WithFields(g.LogTags).Debug("Event loop not running")
	} else if err := g.processor.Submit(shutdownTask{done: done}, ctxt); err == nil {
		select {
		case <-done:
		case <-ctxt.Done():
			log.WithError(ctxt.Err()).WithFields(g.LogTags).Error("Timed out closing sessions")
		}
	}
	if g.heartbeat != nil {
		_ = g.heartbeat.Stop()
	}
	if err := g.processor.StopEventLoop(); err != nil {
		return err
	}
	g.cancel()
	g.wg.Wait()

	// The loop has exited. Close whatever it did not reach.
	if remaining := g.registry.Each(); len(remaining) > 0 {
		log.WithFields(g.LogTags).Warnf("Closing %d sessions after event loop exit", len(remaining))
		for _, session := range remaining {
			session.OnClose()
		}
	}
	return nil
}

// OpenSession define a session for a new client transport, and open it
func (g *Gateway) OpenSession(ctxt context.Context, transport Transport) (*ClientSession, error) {
	session, err := NewClientSession(transport, SessionParams{
		Registry:       g.registry,
		Subscribers:    g.params.Subscribers,
		Metrics:        g.params.Metrics,
		SendBufferSize: g.params.Gateway.SendBufferSize,
		ReportErrors:   g.params.Gateway.ReportErrors,
	})
	if err != nil {
		return nil, err
	}
	if err := g.processor.Submit(openSessionTask{session: session}, ctxt); err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Unable to open session")
		session.OnClose()
		return nil, err
	}
	return session, nil
}

// SessionMessage pass a client request to its session
func (g *Gateway) SessionMessage(ctxt context.Context, session *ClientSession, raw []byte) error {
	return g.processor.Submit(sessionMessageTask{session: session, raw: raw}, ctxt)
}

// CloseSession close a session after its client transport closed
func (g *Gateway) CloseSession(ctxt context.Context, session *ClientSession) error {
	return g.processor.Submit(closeSessionTask{session: session}, ctxt)
}

// Broadcast send a frame to every open session
func (g *Gateway) Broadcast(ctxt context.Context, payload []byte) error {
	return g.processor.Submit(broadcastTask{payload: payload}, ctxt)
}

// defineConsumer the default SubscriberFactory
func (g *Gateway) defineConsumer(
	request SubscribeRequest, target broker.DeliveryTarget, observer broker.CloseObserver,
) (Subscriber, error) {
	consumer, err := broker.NewConsumer(
		g.brokerCtxt,
		broker.DefineConsumerParams(
			g.params.Broker, request.DeviceID, request.DeviceName, request.Metric,
		),
		g.params.Driver,
		target,
		observer,
		broker.LoopBinding{
			Post: func(evt broker.Event) error {
				return g.processor.Submit(evt, g.ctxt)
			},
		},
	)
	if err != nil {
		return nil, err
	}
	return consumer, nil
}

func (g *Gateway) sendHeartbeat() error {
	frame, err := json.Marshal(HeartbeatFrame{Heartbeat: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	return g.Broadcast(g.ctxt, frame)
}

// ==============================================================================
// Event loop handlers

func (g *Gateway) processBrokerEvent(param interface{}) error {
	evt, ok := param.(broker.Event)
	if !ok {
		return fmt.Errorf("received unexpected call parameter: %s", reflect.TypeOf(param))
	}
	if evt.Consumer == nil {
		return fmt.Errorf("broker %s event without consumer", evt.Kind)
	}
	return evt.Consumer.Handle(evt)
}

func (g *Gateway) processOpenSession(param interface{}) error {
	task, ok := param.(openSessionTask)
	if !ok {
		return fmt.Errorf("received unexpected call parameter: %s", reflect.TypeOf(param))
	}
	task.session.OnOpen()
	return nil
}

func (g *Gateway) processSessionMessage(param interface{}) error {
	task, ok := param.(sessionMessageTask)
	if !ok {
		return fmt.Errorf("received unexpected call parameter: %s", reflect.TypeOf(param))
	}
	return task.session.OnMessage(task.raw)
}

func (g *Gateway) processCloseSession(param interface{}) error {
	task, ok := param.(closeSessionTask)
	if !ok {
		return fmt.Errorf("received unexpected call parameter: %s", reflect.TypeOf(param))
	}
	task.session.OnClose()
	return nil
}

func (g *Gateway) processBroadcast(param interface{}) error {
	task, ok := param.(broadcastTask)
	if !ok {
		return fmt.Errorf("received unexpected call parameter: %s", reflect.TypeOf(param))
	}
	accepted := g.registry.Broadcast(task.payload)
	log.WithFields(g.LogTags).Debugf("Broadcast accepted by %d sessions", accepted)
	return nil
}

func (g *Gateway) processShutdown(param interface{}) error {
	task, ok := param.(shutdownTask)
	if !ok {
		return fmt.Errorf("received unexpected call parameter: %s", reflect.TypeOf(param))
	}
	defer close(task.done)
	sessions := g.registry.Each()
	log.WithFields(g.LogTags).Infof("Closing %d sessions", len(sessions))
	for _, session := range sessions {
		session.OnClose()
	}
	return nil
}
