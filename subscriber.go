package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultSendBuffer = 256

// subscriber is one viewer attached to one room. The room is referenced
// only by streamID and resolved through the registry when needed.
type subscriber struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"unique_id"`
	AccountID string    `json:"account_id"`
	JoinedAt  time.Time `json:"joined_at"`

	mux    sync.Mutex // Protects send and closed
	send   chan []byte
	closed bool
}

func newSubscriber(streamID, accountID string, buffer int) *subscriber {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &subscriber{
		ID:        uuid.NewString(),
		StreamID:  streamID,
		AccountID: accountID,
		JoinedAt:  time.Now().UTC(),
		send:      make(chan []byte, buffer),
	}
}

// outbound is drained by the transport writer. It is closed after the
// final leave or end frame.
func (s *subscriber) outbound() <-chan []byte {
	return s.send
}

// deliver enqueues an envelope without blocking.
func (s *subscriber) deliver(e envelope) error {
	msg, err := e.encode()
	if err != nil {
		return err
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return ErrChannelClosed
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return ErrChannelFull
	}
}

func (s *subscriber) close() {
	s.mux.Lock()
	defer s.mux.Unlock()

	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func (s *subscriber) isClosed() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.closed
}
