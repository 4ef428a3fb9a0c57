// Package dissect frames MQTT control packets out of a byte stream and
// decodes each one into a typed Message.
//
// The pieces are used together like this:
//
//	st := registry.GetOrCreate(id)
//	asm := dissect.NewAssembler(st, nil)
//	asm.Write(chunk)
//	for {
//		msg, err := asm.Next()
//		if errors.Is(err, packet.ErrIncomplete) {
//			break // wait for more bytes
//		}
//		...
//	}
//
// Decoding never fails as a whole: a malformed message is returned with
// the fields decoded so far and Message.Err describing where it stopped.
package dissect

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bromq-dev/mqttscope/pkg/packet"
)

// ConnID identifies a transport connection. It must be stable for the
// lifetime of the connection, e.g. the client and server address pair.
type ConnID string

// State is the per-connection decoding state: the protocol version
// announced by the client in CONNECT.
//
// A State is owned by whoever owns the connection. The decoder only
// writes to it while decoding a CONNECT message.
type State struct {
	id      ConnID
	created time.Time
	version atomic.Uint32
}

// NewState creates a State with an unknown protocol version.
func NewState(id ConnID) *State {
	return &State{id: id, created: time.Now()}
}

// ID returns the connection identity.
func (s *State) ID() ConnID {
	return s.id
}

// Created returns when the state was first created.
func (s *State) Created() time.Time {
	return s.created
}

// Version returns the protocol version recorded from CONNECT, or
// VersionUnknown if none was seen yet.
func (s *State) Version() packet.Version {
	if s == nil {
		return packet.VersionUnknown
	}
	return packet.Version(s.version.Load())
}

// RecordVersion stores the raw protocol level byte from CONNECT.
// The value is not validated.
func (s *State) RecordVersion(v packet.Version) {
	if s == nil {
		return
	}
	s.version.Store(uint32(v))
}

// Registry maps connection identities to their State.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	states map[ConnID]*State
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[ConnID]*State)}
}

// GetOrCreate returns the State for id, creating it on first use.
func (r *Registry) GetOrCreate(id ConnID) *State {
	r.mu.RLock()
	st, ok := r.states[id]
	r.mu.RUnlock()
	if ok {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[id]; ok {
		return st
	}
	st = NewState(id)
	r.states[id] = st
	return st
}

// Lookup returns the State for id if one exists.
func (r *Registry) Lookup(id ConnID) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	return st, ok
}

// Remove discards the State for id. Called when the connection closes.
func (r *Registry) Remove(id ConnID) {
	r.mu.Lock()
	delete(r.states, id)
	r.mu.Unlock()
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}
