// Copyright 2022 The rtstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/rtstream/common"
	"github.com/alwitt/rtstream/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ConsumerParams parameters of one broker consumer
type ConsumerParams struct {
	// DeviceID is the device identifier
	DeviceID string `validate:"required"`
	// DeviceName is the device name
	DeviceName string `validate:"required"`
	// Metric is the metric stream name
	Metric string `validate:"required"`
	// QueueMode is the queue declaration mode
	QueueMode string `validate:"required,oneof=shared per_consumer"`
	// QueueName is the queue every consumer uses in shared mode
	QueueName string `validate:"required_if=QueueMode shared"`
	// QueuePrefix is the queue name prefix in per_consumer mode
	QueuePrefix string `validate:"required_if=QueueMode per_consumer"`
	// ConnectTimeout bounds the connect step
	ConnectTimeout time.Duration `validate:"gt=0"`
	// StepTimeout bounds every other handshake step
	StepTimeout time.Duration `validate:"gt=0"`
}

// DefineConsumerParams helper function to build consumer parameters from the broker config
func DefineConsumerParams(
	config common.AMQPConfig, deviceID, deviceName, metric string,
) ConsumerParams {
	return ConsumerParams{
		DeviceID:       deviceID,
		DeviceName:     deviceName,
		Metric:         metric,
		QueueMode:      config.Queue.Mode,
		QueueName:      config.Queue.Name,
		QueuePrefix:    config.Queue.Prefix,
		ConnectTimeout: config.ConnectTimeoutDuration(),
		StepTimeout:    config.StepTimeoutDuration(),
	}
}

// stepOperation one blocking handshake operation. The returned event only needs
// its payload and Err set.
type stepOperation func(ctxt context.Context) Event

// Consumer consumes one device metric stream from the broker
//
// Consumer is a state machine. Handle is its one transition function, and it
// performs one action on entering each handshake state. Connect, Disconnect and
// Handle must all be called from the event loop the consumer is bound to.
type Consumer struct {
	common.Component
	params      ConsumerParams
	routingKey  string
	queueName   string
	exclusive   bool
	consumerTag string
	state       State
	driver      core.BrokerDriver
	conn        core.BrokerConnection
	channel     core.BrokerChannel
	target      DeliveryTarget
	observer    CloseObserver
	loop        LoopBinding
	ctxt        context.Context
	cancel      context.CancelFunc
	delivered   uint64
}

// NewConsumer define a new broker consumer
func NewConsumer(
	ctxt context.Context,
	params ConsumerParams,
	driver core.BrokerDriver,
	target DeliveryTarget,
	observer CloseObserver,
	loop LoopBinding,
) (*Consumer, error) {
	routingKey := RoutingKey(params.DeviceID, params.DeviceName, params.Metric)
	logTags := log.Fields{
		"module":      "broker",
		"component":   "consumer",
		"routing_key": routingKey,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid consumer parameters")
		return nil, err
	}
	if driver == nil || target == nil || loop.Post == nil {
		err := fmt.Errorf("consumer requires a driver, a delivery target, and a loop")
		log.WithError(err).WithFields(logTags).Error("Unable to define consumer")
		return nil, err
	}
	if loop.Spawn == nil {
		loop.Spawn = func(work func()) { go work() }
	}

	consumerTag := uuid.New().String()
	logTags["consumer_tag"] = consumerTag
	queueName := params.QueueName
	exclusive := false
	if params.QueueMode == common.QueueModePerConsumer {
		queueName = fmt.Sprintf("%s.%s", params.QueuePrefix, consumerTag)
		exclusive = true
	}

	optCtxt, cancel := context.WithCancel(ctxt)
	return &Consumer{
		Component:   common.Component{LogTags: logTags},
		params:      params,
		routingKey:  routingKey,
		queueName:   queueName,
		exclusive:   exclusive,
		consumerTag: consumerTag,
		state:       Disconnected,
		driver:      driver,
		target:      target,
		observer:    observer,
		loop:        loop,
		ctxt:        optCtxt,
		cancel:      cancel,
	}, nil
}

// State the current lifecycle state
func (c *Consumer) State() State {
	return c.state
}

// RoutingKey the routing key, which is also the exchange name
func (c *Consumer) RoutingKey() string {
	return c.routingKey
}

// QueueName the queue the consumer binds and consumes
func (c *Consumer) QueueName() string {
	return c.queueName
}

// ConsumerTag the broker consumer tag
func (c *Consumer) ConsumerTag() string {
	return c.consumerTag
}

// Metric the metric stream name
func (c *Consumer) Metric() string {
	return c.params.Metric
}

// Delivered the number of messages acknowledged and passed to the delivery target
func (c *Consumer) Delivered() uint64 {
	return c.delivered
}

// Connect start the broker handshake. It does not wait for the handshake to complete.
func (c *Consumer) Connect() error {
	if c.state != Disconnected {
		return fmt.Errorf("consumer %s already started: %s", c.routingKey, c.state)
	}
	log.WithFields(c.LogTags).Info("Connecting to broker")
	c.state = Connecting
	c.act()
	return nil
}

// Disconnect tear down the broker connection
//
// Disconnect is a no-op on a consumer which is closed or was never connected.
func (c *Consumer) Disconnect() error {
	if c.state == Closed || c.state == Disconnected {
		return nil
	}
	log.WithFields(c.LogTags).Infof("Disconnecting while %s", c.state)
	c.shutdown(nil)
	return nil
}

// Handle process one event belonging to this consumer
func (c *Consumer) Handle(evt Event) error {
	switch evt.Kind {
	case EventStepComplete:
		return c.handleStepComplete(evt)

	case EventStepFailed:
		if c.state == Closed {
			return nil
		}
		log.WithError(evt.Err).WithFields(c.LogTags).Errorf("Handshake failed while %s", c.state)
		c.shutdown(evt.Err)
		return nil

	case EventDelivery:
		return c.handleDelivery(evt.Delivery)

	case EventChannelClosed:
		if c.state == Closed {
			return nil
		}
		cause := ErrChannelClosed
		if evt.Err != nil {
			cause = fmt.Errorf("%w: %s", ErrChannelClosed, evt.Err.Error())
		}
		log.WithError(cause).WithFields(c.LogTags).Error("Channel closed, closing connection")
		c.shutdown(cause)
		return nil

	case EventConsumerCancelled:
		if c.state == Closed {
			return nil
		}
		cause := ErrConsumerCancelled
		if evt.Err != nil {
			cause = evt.Err
		}
		log.WithError(cause).WithFields(c.LogTags).Error("Consumer cancelled by broker")
		c.shutdown(cause)
		return nil

	case EventConnectionClosed:
		if c.state == Closed {
			return nil
		}
		// The connection is already gone
		c.conn = nil
		c.channel = nil
		cause := ErrConnectionLost
		if evt.Err != nil {
			cause = fmt.Errorf("%w: %s", ErrConnectionLost, evt.Err.Error())
		}
		log.WithError(cause).WithFields(c.LogTags).Errorf("Connection closed while %s", c.state)
		c.shutdown(cause)
		return nil

	default:
		return fmt.Errorf("unknown consumer event %s", evt.Kind)
	}
}

func (c *Consumer) handleStepComplete(evt Event) error {
	if c.state == Closed {
		log.WithFields(c.LogTags).Debugf("Discarding %s completion on closed consumer", evt.Step)
		evt.release()
		return nil
	}
	if evt.Step != c.state.next() {
		evt.release()
		return fmt.Errorf("out of order handshake step %s while %s", evt.Step, c.state)
	}
	switch evt.Step {
	case ChannelOpen:
		c.conn = evt.Conn
		c.channel = evt.Channel
	case QueueDeclared:
		if evt.Queue != "" {
			c.queueName = evt.Queue
		}
	}
	log.WithFields(c.LogTags).Debugf("%s -> %s", c.state, evt.Step)
	c.state = evt.Step
	c.act()
	return nil
}

func (c *Consumer) handleDelivery(delivery core.Delivery) error {
	if c.state == Closed || c.channel == nil {
		log.WithFields(c.LogTags).Warnf(
			"Dropping delivery %d received while %s", delivery.Tag, c.state,
		)
		return fmt.Errorf("%w: dropped delivery %d", ErrConsumerClosed, delivery.Tag)
	}
	// Already acknowledged by the delivery goroutine
	c.delivered++
	if err := c.target.Deliver(delivery.Body); err != nil {
		log.WithError(err).WithFields(c.LogTags).Warnf("Forwarding delivery %d failed", delivery.Tag)
		return err
	}
	return nil
}

// act perform the side effect of entering the current state
func (c *Consumer) act() {
	// The step operations run off the loop, so they only capture local copies
	switch c.state {
	case Connecting:
		driver := c.driver
		c.runStep(c.params.ConnectTimeout, func(ctxt context.Context) Event {
			conn, err := driver.Dial(ctxt)
			if err != nil {
				return Event{Err: err}
			}
			channel, err := conn.Channel()
			if err != nil {
				_ = conn.Close()
				return Event{Err: err}
			}
			return Event{Conn: conn, Channel: channel}
		})

	case ChannelOpen:
		c.conn.NotifyClose(func(err error) {
			c.post(Event{Kind: EventConnectionClosed, Err: err})
		})
		c.channel.NotifyClose(func(err error) {
			c.post(Event{Kind: EventChannelClosed, Err: err})
		})
		channel, exchange := c.channel, c.routingKey
		c.runStep(c.params.StepTimeout, func(_ context.Context) Event {
			return Event{Err: channel.ExchangeDeclare(exchange, ExchangeKind)}
		})

	case ExchangeDeclared:
		channel, queue, exclusive := c.channel, c.queueName, c.exclusive
		c.runStep(c.params.StepTimeout, func(_ context.Context) Event {
			name, err := channel.QueueDeclare(queue, exclusive)
			return Event{Queue: name, Err: err}
		})

	case QueueDeclared:
		channel, queue, key := c.channel, c.queueName, c.routingKey
		c.runStep(c.params.StepTimeout, func(_ context.Context) Event {
			return Event{Err: channel.QueueBind(queue, key, key)}
		})

	case Bound:
		c.channel.NotifyCancel(func(tag string) {
			c.post(Event{
				Kind: EventConsumerCancelled,
				Err:  fmt.Errorf("%w: %s", ErrConsumerCancelled, tag),
			})
		})
		channel, queue, tag, logTags := c.channel, c.queueName, c.consumerTag, c.LogTags
		c.runStep(c.params.StepTimeout, func(_ context.Context) Event {
			return Event{Err: channel.Consume(queue, tag, func(delivery core.Delivery) {
				// Ack off the loop, then hand over. The broker does not wait for the
				// client to receive the message.
				if err := channel.Ack(delivery.Tag); err != nil {
					log.WithError(err).WithFields(logTags).Errorf(
						"Failed to ACK delivery %d", delivery.Tag,
					)
				}
				_ = c.post(Event{Kind: EventDelivery, Delivery: delivery})
			})}
		})

	case Consuming:
		log.WithFields(c.LogTags).Infof("Consuming from %s", c.queueName)
	}
}

// runStep run one handshake operation off the loop, then post its outcome to the loop
func (c *Consumer) runStep(timeout time.Duration, op stepOperation) {
	target := c.state.next()
	stepCtxt, cancel := context.WithTimeout(c.ctxt, timeout)
	c.loop.Spawn(func() {
		defer cancel()
		result := make(chan Event, 1)
		go func() {
			result <- op(stepCtxt)
		}()
		var evt Event
		select {
		case evt = <-result:
		case <-stepCtxt.Done():
			evt = Event{Err: stepCtxt.Err()}
			// The abandoned operation may still open handles
			go func() {
				late := <-result
				late.release()
			}()
		}
		evt.Step = target
		if evt.Err != nil {
			evt.Kind = EventStepFailed
			evt.Err = &HandshakeError{Step: target, RoutingKey: c.routingKey, Err: evt.Err}
		} else {
			evt.Kind = EventStepComplete
		}
		if err := c.post(evt); err != nil {
			evt.release()
		}
	})
}

// post queue an event for this consumer onto its loop
func (c *Consumer) post(evt Event) error {
	evt.Consumer = c
	if err := c.loop.Post(evt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Unable to post %s event", evt.Kind)
		return err
	}
	return nil
}

// shutdown move to Closed and release the broker handles
func (c *Consumer) shutdown(cause error) {
	conn, channel := c.conn, c.channel
	c.conn = nil
	c.channel = nil
	c.state = Closed
	c.cancel()
	if conn != nil || channel != nil {
		logTags := c.LogTags
		c.loop.Spawn(func() {
			if channel != nil {
				_ = channel.Close()
			}
			if conn != nil {
				if err := conn.Close(); err != nil {
					log.WithError(err).WithFields(logTags).Debug("Connection close failed")
				}
			}
		})
	}
	if cause != nil && c.observer != nil {
		c.observer.ConsumerClosed(c, cause)
	}
}
