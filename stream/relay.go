package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/rtstream/common"
	"github.com/alwitt/rtstream/core"
	"github.com/apex/log"
)

// RelaySource a pub/sub transport the relay subscribes on
type RelaySource interface {
	Subscribe(subject string, handler func(data []byte)) (core.Subscription, error)
}

// Broadcaster sends a frame to every open session
type Broadcaster interface {
	Broadcast(ctxt context.Context, payload []byte) error
}

// BroadcastRelay broadcasts every message published on a subject to every session
type BroadcastRelay struct {
	common.Component
	source  RelaySource
	target  Broadcaster
	subject string
	ctxt    context.Context
	lock    sync.Mutex
	sub     core.Subscription
}

// NewBroadcastRelay define a new relay
func NewBroadcastRelay(
	ctxt context.Context, source RelaySource, target Broadcaster, subject string,
) (*BroadcastRelay, error) {
	logTags := log.Fields{"module": "stream", "component": "broadcast-relay", "instance": subject}
	if source == nil || target == nil || subject == "" {
		err := fmt.Errorf("relay requires a source, a target, and a subject")
		log.WithError(err).WithFields(logTags).Error("Unable to define relay")
		return nil, err
	}
	return &BroadcastRelay{
		Component: common.Component{LogTags: logTags},
		source:    source,
		target:    target,
		subject:   subject,
		ctxt:      ctxt,
	}, nil
}

// Start subscribe to the subject
func (r *BroadcastRelay) Start() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.sub != nil {
		return fmt.Errorf("relay on %s already started", r.subject)
	}
	sub, err := r.source.Subscribe(r.subject, r.relay)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start relay")
		return err
	}
	r.sub = sub
	log.WithFields(r.LogTags).Info("Relay started")
	return nil
}

// Stop unsubscribe from the subject
func (r *BroadcastRelay) Stop() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.sub == nil {
		return nil
	}
	err := r.sub.Unsubscribe()
	r.sub = nil
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
	}
	return err
}

func (r *BroadcastRelay) relay(data []byte) {
	if err := r.target.Broadcast(r.ctxt, data); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Broadcast failed")
	}
}
