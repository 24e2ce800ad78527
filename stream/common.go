package stream

import (
	"errors"
	"fmt"
)

// ErrSessionClosed send on a session which has already closed
var ErrSessionClosed = errors.New("session closed")

// ErrSendBufferFull the session send buffer is full, the message was dropped
var ErrSendBufferFull = errors.New("session send buffer full")

// ValidationError a client request which is malformed or incomplete
type ValidationError struct {
	// SessionID is the session which sent the request
	SessionID string
	// Err is the cause
	Err error
}

// Error implements error
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request from session %s: %s", e.SessionID, e.Err)
}

// Unwrap support errors.Is and errors.As
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// SubscribeRequest client request to start receiving one metric stream
type SubscribeRequest struct {
	// DeviceName is the name of the device publishing the metric
	DeviceName string `json:"deviceName" validate:"required"`
	// DeviceID is the ID of the device publishing the metric
	DeviceID string `json:"deviceId" validate:"required"`
	// Metric is the metric stream name
	Metric string `json:"metric" validate:"required"`
}

// ErrorFrame frame sent to a client when one of its subscriptions fails
type ErrorFrame struct {
	Metric string `json:"metric"`
	Error  string `json:"error"`
}

// HeartbeatFrame frame broadcast to every client at the heartbeat interval
type HeartbeatFrame struct {
	Heartbeat string `json:"heartbeat"`
}

// Transport is the client connection a session writes to
type Transport interface {
	// Write send one frame to the client
	Write(payload []byte) error
	// Close close the client connection. Must be safe to call more than once.
	Close() error
}

// Sender accepts outbound frames for a client
type Sender interface {
	Send(payload []byte) error
}

// Subscriber is one metric subscription's broker side
type Subscriber interface {
	Connect() error
	Disconnect() error
}
