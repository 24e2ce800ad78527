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
	"errors"
	"fmt"

	"github.com/alwitt/rtstream/core"
)

// State consumer lifecycle state
type State int

// Consumer lifecycle states, in handshake order
const (
	Disconnected State = iota
	Connecting
	ChannelOpen
	ExchangeDeclared
	QueueDeclared
	Bound
	Consuming
	Closed
)

// String toString function
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ChannelOpen:
		return "channel-open"
	case ExchangeDeclared:
		return "exchange-declared"
	case QueueDeclared:
		return "queue-declared"
	case Bound:
		return "bound"
	case Consuming:
		return "consuming"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// next the state a successful handshake step leads to
func (s State) next() State {
	if s >= Consuming {
		return Closed
	}
	return s + 1
}

// ExchangeKind the exchange type every consumer declares
const ExchangeKind = "direct"

// RoutingKey compute the routing key of a device metric stream.
//
// The same key names the exchange, and binds the queue to it.
func RoutingKey(deviceID, deviceName, metric string) string {
	return fmt.Sprintf("%s:%s:%s", deviceID, deviceName, metric)
}

// ==============================================================================

// ErrConsumerClosed operation against a consumer which is already closed
var ErrConsumerClosed = errors.New("consumer closed")

// ErrConnectionLost the broker connection closed without being asked to
var ErrConnectionLost = errors.New("broker connection lost")

// ErrChannelClosed the broker closed the consumer's channel
var ErrChannelClosed = errors.New("broker channel closed")

// ErrConsumerCancelled the broker cancelled the consumer
var ErrConsumerCancelled = errors.New("broker cancelled consumer")

// HandshakeError a handshake step was rejected by the broker, or timed out
type HandshakeError struct {
	// Step is the state the failed step would have entered
	Step State
	// RoutingKey is the routing key of the consumer
	RoutingKey string
	// Err is the cause
	Err error
}

// Error implements error
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake step %s for %s failed: %s", e.Step, e.RoutingKey, e.Err)
}

// Unwrap support errors.Is and errors.As
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// ==============================================================================

// EventKind type of consumer event
type EventKind int

// Consumer event kinds
const (
	// EventStepComplete a handshake step finished successfully
	EventStepComplete EventKind = iota
	// EventStepFailed a handshake step failed or timed out
	EventStepFailed
	// EventDelivery the broker delivered a message
	EventDelivery
	// EventChannelClosed the consumer's channel closed
	EventChannelClosed
	// EventConsumerCancelled the broker cancelled the consumer
	EventConsumerCancelled
	// EventConnectionClosed the consumer's connection closed
	EventConnectionClosed
)

// String toString function
func (k EventKind) String() string {
	switch k {
	case EventStepComplete:
		return "step-complete"
	case EventStepFailed:
		return "step-failed"
	case EventDelivery:
		return "delivery"
	case EventChannelClosed:
		return "channel-closed"
	case EventConsumerCancelled:
		return "consumer-cancelled"
	case EventConnectionClosed:
		return "connection-closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event a broker side completion, posted onto the event loop the consumer runs on
type Event struct {
	// Consumer is the consumer the event belongs to
	Consumer *Consumer
	// Kind is the event type
	Kind EventKind
	// Step is the state a step event leads to
	Step State
	// Conn is the connection opened by the connect step
	Conn core.BrokerConnection
	// Channel is the channel opened by the connect step
	Channel core.BrokerChannel
	// Queue is the queue name assigned by the queue declare step
	Queue string
	// Delivery is the delivered message
	Delivery core.Delivery
	// Err is the failure cause
	Err error
}

// release close any broker handles carried by an event which will not be used
func (e Event) release() {
	if e.Channel != nil {
		_ = e.Channel.Close()
	}
	if e.Conn != nil {
		_ = e.Conn.Close()
	}
}

// ==============================================================================

// DeliveryTarget receives the payloads of messages a consumer has acknowledged
type DeliveryTarget interface {
	Deliver(payload []byte) error
}

// CloseObserver is told when a consumer closes for any reason other than Disconnect
type CloseObserver interface {
	ConsumerClosed(consumer *Consumer, cause error)
}

// LoopBinding connects a consumer to the event loop it runs on
type LoopBinding struct {
	// Post queue an event onto the loop. It is never called from the loop itself.
	Post func(evt Event) error
	// Spawn run blocking broker work off the loop. nil runs each in a new goroutine.
	Spawn func(work func())
}
