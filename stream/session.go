package stream

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/rtstream/broker"
	"github.com/alwitt/rtstream/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// SubscriberFactory define the broker side of a new subscription. Deliveries go to
// target, and a failure closing the subscription is reported to observer.
type SubscriberFactory func(
	request SubscribeRequest, target broker.DeliveryTarget, observer broker.CloseObserver,
) (Subscriber, error)

// SessionParams parameters of a client session
type SessionParams struct {
	// Registry is the set of open sessions this session joins on open
	Registry *SessionRegistry `validate:"required"`
	// Subscribers defines subscriptions on request
	Subscribers SubscriberFactory `validate:"required"`
	// Metrics optional collectors
	Metrics *Metrics `validate:"-"`
	// SendBufferSize is the number of outbound frames buffered before dropping
	SendBufferSize int `validate:"gte=1"`
	// ReportErrors whether to send an error frame when a subscription fails
	ReportErrors bool
}

// ClientSession one client streaming connection and its subscriptions
//
// OnOpen, OnMessage and OnClose are called from the gateway event loop. Send may be
// called from anywhere.
type ClientSession struct {
	common.Component
	id            string
	transport     Transport
	params        SessionParams
	router        *MessageRouter
	validate      *validator.Validate
	subscriptions map[string]Subscriber
	opened        bool

	lock     sync.Mutex
	closed   bool
	outbound chan []byte
	flushed  chan struct{}
}

// NewClientSession define a new session on a client transport, and start its write pump
func NewClientSession(transport Transport, params SessionParams) (*ClientSession, error) {
	id := uuid.New().String()
	logTags := log.Fields{"module": "stream", "component": "client-session", "instance": id}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid session parameters")
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("session %s has no transport", id)
	}
	session := &ClientSession{
		Component:     common.Component{LogTags: logTags},
		id:            id,
		transport:     transport,
		params:        params,
		validate:      validate,
		subscriptions: map[string]Subscriber{},
		outbound:      make(chan []byte, params.SendBufferSize),
		flushed:       make(chan struct{}),
	}
	session.router = NewMessageRouter(session, params.Metrics, logTags)
	go session.writePump()
	return session, nil
}

// ID the session ID
func (s *ClientSession) ID() string {
	return s.id
}

// Router the session's metric routing table
func (s *ClientSession) Router() *MessageRouter {
	return s.router
}

// Flushed closes once the session has closed and every queued frame was written
func (s *ClientSession) Flushed() <-chan struct{} {
	return s.flushed
}

// Subscriptions the metrics this session is subscribed to, sorted
func (s *ClientSession) Subscriptions() []string {
	metrics := make([]string, 0, len(s.subscriptions))
	for metric := range s.subscriptions {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)
	return metrics
}

// OnOpen register the session as open
func (s *ClientSession) OnOpen() {
	if s.opened {
		return
	}
	s.opened = true
	s.params.Registry.Add(s)
	s.params.Metrics.sessionOpened()
	log.WithFields(s.LogTags).Info("Session opened")
}

// OnMessage process one client request
//
// A malformed request returns a ValidationError and leaves the session open. A request
// for a metric the session already subscribes to is ignored.
func (s *ClientSession) OnMessage(raw []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	var request SubscribeRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return s.reject(err)
	}
	if err := s.validate.Struct(&request); err != nil {
		return s.reject(err)
	}
	logTags := s.ExtendLogTags(log.Fields{
		"device_id": request.DeviceID, "device_name": request.DeviceName, "metric": request.Metric,
	})

	if _, ok := s.subscriptions[request.Metric]; ok {
		log.WithFields(logTags).Debug("Already subscribed")
		return nil
	}

	s.router.MakeCallback(request.Metric)
	subscriber, err := s.params.Subscribers(
		request,
		deliveryTarget{router: s.router, metric: request.Metric},
		subscriptionObserver{session: s, metric: request.Metric},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
		return err
	}
	s.subscriptions[request.Metric] = subscriber
	s.params.Metrics.subscribed()
	log.WithFields(logTags).Info("Subscribing")
	if err := subscriber.Connect(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Subscription failed to start")
		return err
	}
	return nil
}

func (s *ClientSession) reject(cause error) error {
	err := &ValidationError{SessionID: s.id, Err: cause}
	log.WithError(err).WithFields(s.LogTags).Warn("Dropping malformed request")
	s.params.Metrics.rejected()
	return err
}

// OnClose disconnect every subscription and leave the registry
func (s *ClientSession) OnClose() {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	close(s.outbound)
	s.lock.Unlock()

	count := 0
	for metric, subscriber := range s.subscriptions {
		if subscriber == nil {
			continue
		}
		count++
		if err := subscriber.Disconnect(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Failed to disconnect %s", metric)
		}
	}
	s.subscriptions = map[string]Subscriber{}
	s.params.Registry.Remove(s)
	if s.opened {
		s.params.Metrics.sessionClosed(count)
	}
	log.WithFields(s.LogTags).Infof("Session closed, disconnected %d subscriptions", count)
}

func (s *ClientSession) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// Send queue a frame for the client without blocking
func (s *ClientSession) Send(payload []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.outbound <- payload:
		return nil
	default:
		log.WithFields(s.LogTags).Warn("Send buffer full, dropping frame")
		return ErrSendBufferFull
	}
}

// subscriptionClosed a subscription closed because of a failure
func (s *ClientSession) subscriptionClosed(metric string, cause error) {
	log.WithError(cause).WithFields(s.LogTags).Errorf("Subscription to %s closed", metric)
	s.params.Metrics.consumerFailed()
	if !s.params.ReportErrors {
		return
	}
	frame, err := json.Marshal(ErrorFrame{Metric: metric, Error: cause.Error()})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to encode error frame")
		return
	}
	if err := s.Send(frame); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Unable to send error frame")
	}
}

// writePump write queued frames to the transport until the session closes
func (s *ClientSession) writePump() {
	defer close(s.flushed)
	failed := false
	for payload := range s.outbound {
		if failed {
			continue
		}
		if err := s.transport.Write(payload); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Transport write failed, closing")
			failed = true
			// Closing the transport ends the read side, which closes the session
			_ = s.transport.Close()
		}
	}
	if err := s.transport.Close(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Transport close failed")
	}
}

// subscriptionObserver routes a consumer closure to the session which owns it
type subscriptionObserver struct {
	session *ClientSession
	metric  string
}

// ConsumerClosed implements broker.CloseObserver
func (o subscriptionObserver) ConsumerClosed(_ *broker.Consumer, cause error) {
	o.session.subscriptionClosed(o.metric, cause)
}
