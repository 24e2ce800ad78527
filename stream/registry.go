package stream

import (
	"sync"

	"github.com/alwitt/rtstream/common"
	"github.com/apex/log"
)

// SessionRegistry the set of open client sessions
//
// The registry is only mutated from the gateway event loop. The lock allows readers
// outside of the loop.
type SessionRegistry struct {
	common.Component
	lock     sync.RWMutex
	sessions map[string]*ClientSession
}

// NewSessionRegistry define a new empty registry
func NewSessionRegistry(instance string) *SessionRegistry {
	return &SessionRegistry{
		Component: common.Component{LogTags: log.Fields{
			"module": "stream", "component": "session-registry", "instance": instance,
		}},
		sessions: map[string]*ClientSession{},
	}
}

// Add record a session as open
func (r *SessionRegistry) Add(session *ClientSession) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sessions[session.ID()] = session
}

// Remove forget a session. Removing an unknown session is a no-op.
func (r *SessionRegistry) Remove(session *ClientSession) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.sessions, session.ID())
}

// Get fetch an open session by ID
func (r *SessionRegistry) Get(id string) (*ClientSession, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	session, ok := r.sessions[id]
	return session, ok
}

// Len the number of open sessions
func (r *SessionRegistry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sessions)
}

// Each a snapshot of the open sessions
func (r *SessionRegistry) Each() []*ClientSession {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]*ClientSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		result = append(result, session)
	}
	return result
}

// Broadcast send a payload to every open session, returning the number of sessions
// which accepted it
func (r *SessionRegistry) Broadcast(payload []byte) int {
	accepted := 0
	for _, session := range r.Each() {
		if err := session.Send(payload); err != nil {
			log.WithError(err).WithFields(r.LogTags).Debugf(
				"Broadcast to session %s failed", session.ID(),
			)
			continue
		}
		accepted++
	}
	return accepted
}
