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

package core

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/alwitt/rtstream/common"
	"github.com/apex/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery one message delivered by the broker to a consumer
type Delivery struct {
	// Tag is the channel scoped delivery tag used to acknowledge the message
	Tag uint64
	// Body is the raw message payload
	Body []byte
}

// BrokerDriver opens connections to the message broker
//
// All BrokerDriver, BrokerConnection and BrokerChannel operations may block on
// network I/O. Callers running on an event loop must run them elsewhere.
type BrokerDriver interface {
	// Dial open a new broker connection. The context bounds the connection handshake.
	Dial(ctx context.Context) (BrokerConnection, error)
}

// BrokerConnection one broker connection
type BrokerConnection interface {
	// Channel open a new logical channel on the connection
	Channel() (BrokerChannel, error)
	// NotifyClose register a callback which is called once when the connection closes.
	// The error is nil on a requested close.
	NotifyClose(handler func(err error))
	// Close close the connection
	Close() error
}

// BrokerChannel one logical channel on a broker connection
type BrokerChannel interface {
	// NotifyClose register a callback which is called once when the channel closes.
	// The error is nil on a requested close.
	NotifyClose(handler func(err error))
	// NotifyCancel register a callback which is called when the broker cancels a consumer
	NotifyCancel(handler func(consumerTag string))
	// ExchangeDeclare declare an exchange
	ExchangeDeclare(name, kind string) error
	// QueueDeclare declare a queue, returning the name the broker assigned it
	QueueDeclare(name string, exclusive bool) (string, error)
	// QueueBind bind a queue to an exchange with a binding key
	QueueBind(queue, key, exchange string) error
	// Consume start consuming from a queue. The handler is called once per delivery,
	// in delivery order, from a single goroutine.
	Consume(queue, consumerTag string, handler func(Delivery)) error
	// Ack acknowledge one delivery
	Ack(tag uint64) error
	// Close close the channel
	Close() error
}

// AMQPConnectParams AMQP connection parameters
type AMQPConnectParams struct {
	// Host is the broker host
	Host string `validate:"required"`
	// Port is the broker port
	Port int `validate:"required,gt=0,lt=65536"`
	// VHost is the broker virtual host
	VHost string
	// Username is the service account user
	Username string `validate:"required"`
	// Password is the service account password
	Password string
	// Heartbeat is the AMQP heartbeat interval. 0 accepts the server's value.
	Heartbeat time.Duration
	// ConnectionName is reported to the broker as the client connection name
	ConnectionName string
}

// DefineAMQPConnectParams convert the broker config into connection parameters
func DefineAMQPConnectParams(config common.AMQPConfig, instance string) AMQPConnectParams {
	return AMQPConnectParams{
		Host:           config.Host,
		Port:           int(config.Port),
		VHost:          config.VHost,
		Username:       config.Username,
		Password:       config.Password,
		Heartbeat:      time.Second * time.Duration(config.Heartbeat),
		ConnectionName: fmt.Sprintf("rtstream@%s", instance),
	}
}

// URI the AMQP connection URI
func (p AMQPConnectParams) URI() string {
	vhost := p.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
		Vhost:    vhost,
	}.String()
}

// String toString function, which omits the password
func (p AMQPConnectParams) String() string {
	return fmt.Sprintf("amqp://%s@%s:%d/%s", p.Username, p.Host, p.Port, p.VHost)
}

// ==============================================================================

// AMQPDriver implements BrokerDriver with an AMQP 0-9-1 client
type AMQPDriver struct {
	common.Component
	params AMQPConnectParams
}

// GetAMQPDriver define a new AMQP broker driver
func GetAMQPDriver(params AMQPConnectParams) (*AMQPDriver, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "amqp-driver",
		"instance":  params.String(),
	}
	if params.Host == "" || params.Port <= 0 {
		return nil, fmt.Errorf("invalid AMQP connection parameters %s", params.String())
	}
	return &AMQPDriver{
		Component: common.Component{LogTags: logTags}, params: params,
	}, nil
}

// Dial open a new broker connection
func (d *AMQPDriver) Dial(ctx context.Context) (BrokerConnection, error) {
	cfg := amqp.Config{
		Heartbeat: d.params.Heartbeat,
		Properties: amqp.Table{
			"connection_name": d.params.ConnectionName,
		},
		// A deadline is set for the AMQP handshake. The client clears it once
		// the connection is established.
		Dial: func(network, addr string) (net.Conn, error) {
			dialer := net.Dialer{}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if deadline, ok := ctx.Deadline(); ok {
				if err := conn.SetDeadline(deadline); err != nil {
					_ = conn.Close()
					return nil, err
				}
			}
			return conn, nil
		},
	}
	conn, err := amqp.DialConfig(d.params.URI(), cfg)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("AMQP connect failed")
		return nil, err
	}
	log.WithFields(d.LogTags).Debug("Connected to AMQP broker")
	return &amqpConnection{Component: d.Component, conn: conn}, nil
}

// ==============================================================================

// amqpConnection implements BrokerConnection
type amqpConnection struct {
	common.Component
	conn *amqp.Connection
}

// Channel open a new logical channel on the connection
func (c *amqpConnection) Channel() (BrokerChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{Component: c.Component, ch: ch}, nil
}

// NotifyClose register a connection close callback
func (c *amqpConnection) NotifyClose(handler func(err error)) {
	watchClose(c.conn.NotifyClose(make(chan *amqp.Error, 1)), handler)
}

// Close close the connection
func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// watchClose wait for one close notification from the AMQP client
func watchClose(notify chan *amqp.Error, handler func(err error)) {
	go func() {
		var closeErr error
		if reason, ok := <-notify; ok && reason != nil {
			closeErr = reason
		}
		handler(closeErr)
	}()
}

// ==============================================================================

// amqpChannel implements BrokerChannel
type amqpChannel struct {
	common.Component
	ch *amqp.Channel
}

// NotifyClose register a channel close callback
func (c *amqpChannel) NotifyClose(handler func(err error)) {
	watchClose(c.ch.NotifyClose(make(chan *amqp.Error, 1)), handler)
}

// NotifyCancel register a consumer cancel callback
func (c *amqpChannel) NotifyCancel(handler func(consumerTag string)) {
	notify := c.ch.NotifyCancel(make(chan string, 1))
	go func() {
		for tag := range notify {
			handler(tag)
		}
	}()
}

// ExchangeDeclare declare a non-durable exchange
func (c *amqpChannel) ExchangeDeclare(name, kind string) error {
	return c.ch.ExchangeDeclare(name, kind, false, false, false, false, nil)
}

// QueueDeclare declare a non-durable queue. Exclusive queues are also auto-delete.
func (c *amqpChannel) QueueDeclare(name string, exclusive bool) (string, error) {
	q, err := c.ch.QueueDeclare(name, false, exclusive, exclusive, false, nil)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

// QueueBind bind a queue to an exchange
func (c *amqpChannel) QueueBind(queue, key, exchange string) error {
	return c.ch.QueueBind(queue, key, exchange, false, nil)
}

// Consume start consuming from a queue with manual acknowledgement
func (c *amqpChannel) Consume(queue, consumerTag string, handler func(Delivery)) error {
	deliveries, err := c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return err
	}
	go func() {
		defer log.WithFields(c.LogTags).Debugf("Delivery stream for %s ended", consumerTag)
		for msg := range deliveries {
			handler(Delivery{Tag: msg.DeliveryTag, Body: msg.Body})
		}
	}()
	return nil
}

// Ack acknowledge one delivery
func (c *amqpChannel) Ack(tag uint64) error {
	return c.ch.Ack(tag, false)
}

// Close close the channel
func (c *amqpChannel) Close() error {
	return c.ch.Close()
}
