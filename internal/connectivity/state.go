// Package connectivity holds the node's "connected to broker" flag.
//
// The MQTT adapter is the only writer (Set from its connect/lost handlers);
// the delivery orchestrator and drain loop only read it through Reader.
package connectivity

import "sync/atomic"

// Reader is the read side handed to consumers.
type Reader interface {
	Connected() bool
}

type State struct {
	connected   atomic.Bool
	reconnected chan struct{}
}

func New() *State {
	return &State{reconnected: make(chan struct{}, 1)}
}

func (s *State) Connected() bool {
	return s.connected.Load()
}

// Set stores v and reports whether it changed the flag. A false→true
// transition posts a notification on Reconnected.
func (s *State) Set(v bool) bool {
	old := s.connected.Swap(v)
	if old == v {
		return false
	}
	if v {
		select {
		case s.reconnected <- struct{}{}:
		default:
			// a wakeup is already pending
		}
	}
	return true
}

// Reconnected delivers at most one pending notification per burst of
// reconnects.
func (s *State) Reconnected() <-chan struct{} {
	return s.reconnected
}
