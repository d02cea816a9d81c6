package engine

import (
	"sync"
	"sync/atomic"
)

// Stats holds the engine's observable counters. The hot path increments
// atomics only; the reporting path takes a snapshot at any time without
// touching connection or routing locks.
type Stats struct {
	receiveConnections atomic.Int64
	sendConnections    atomic.Int64

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	validationErrors atomic.Uint64
	broadcasts       atomic.Uint64

	mu                   sync.RWMutex
	lastRequestMTI       string
	lastRequestStan      string
	lastValidationOK     bool
	lastValidationErrors []string
}

// Snapshot is a point-in-time copy of the counters for the reporting layer.
type Snapshot struct {
	ReceiveConnections int64
	SendConnections    int64

	MessagesSent     uint64
	MessagesReceived uint64
	ValidationErrors uint64
	Broadcasts       uint64

	LastRequestMTI       string
	LastRequestStan      string
	LastValidationOK     bool
	LastValidationErrors []string
}

func (s *Stats) connectionOpened(role ChannelRole) {
	if role == ReceiveChannel {
		s.receiveConnections.Add(1)
	} else {
		s.sendConnections.Add(1)
	}
}

func (s *Stats) connectionClosed(role ChannelRole) {
	if role == ReceiveChannel {
		s.receiveConnections.Add(-1)
	} else {
		s.sendConnections.Add(-1)
	}
}

func (s *Stats) messageSent()     { s.messagesSent.Add(1) }
func (s *Stats) messageReceived() { s.messagesReceived.Add(1) }
func (s *Stats) validationError() { s.validationErrors.Add(1) }
func (s *Stats) broadcast()       { s.broadcasts.Add(1) }

func (s *Stats) recordRequest(mti, stan string) {
	s.mu.Lock()
	s.lastRequestMTI = mti
	s.lastRequestStan = stan
	s.mu.Unlock()
}

func (s *Stats) recordValidation(ok bool, errs []string) {
	s.mu.Lock()
	s.lastValidationOK = ok
	s.lastValidationErrors = errs
	s.mu.Unlock()
}

// Snapshot copies the current values.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ReceiveConnections:   s.receiveConnections.Load(),
		SendConnections:      s.sendConnections.Load(),
		MessagesSent:         s.messagesSent.Load(),
		MessagesReceived:     s.messagesReceived.Load(),
		ValidationErrors:     s.validationErrors.Load(),
		Broadcasts:           s.broadcasts.Load(),
		LastRequestMTI:       s.lastRequestMTI,
		LastRequestStan:      s.lastRequestStan,
		LastValidationOK:     s.lastValidationOK,
		LastValidationErrors: s.lastValidationErrors,
	}
}
