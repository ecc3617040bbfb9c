// api/internal/broker/commandstream.go
package broker

import (
	"sync"

	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

// CommandStream is the Per-Command Event Stream: it lets a caller (an
// admin HTTP handler doing a request/response shape over the async
// command/event protocol) subscribe to every event carrying a given
// CommandID and be notified synchronously as they arrive.
type CommandStream struct {
	mu          sync.Mutex
	subscribers map[string][]func(*protocol.Event)
}

func NewCommandStream() *CommandStream {
	return &CommandStream{subscribers: make(map[string][]func(*protocol.Event))}
}

// Subscribe registers handler to be called for every event whose CommandID
// matches commandID, and returns an unsubscribe function.
func (s *CommandStream) Subscribe(commandID string, handler func(*protocol.Event)) (unsubscribe func()) {
	s.mu.Lock()
	s.subscribers[commandID] = append(s.subscribers[commandID], handler)
	idx := len(s.subscribers[commandID]) - 1
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		handlers := s.subscribers[commandID]
		if idx < 0 || idx >= len(handlers) {
			return
		}
		handlers[idx] = nil
		allNil := true
		for _, h := range handlers {
			if h != nil {
				allNil = false
				break
			}
		}
		if allNil {
			delete(s.subscribers, commandID)
		}
	}
}

// Publish delivers evt to every subscriber registered for evt.CommandID.
// It is a no-op when CommandID is empty or has no subscribers.
func (s *CommandStream) Publish(evt *protocol.Event) {
	if evt.CommandID == "" {
		return
	}
	s.mu.Lock()
	handlers := append([]func(*protocol.Event){}, s.subscribers[evt.CommandID]...)
	s.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(evt)
		}
	}
}
