package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type roomState int

const (
	stateConnecting roomState = iota
	stateLive
	stateEnding
	stateDead
	stateFailed
)

func (s roomState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateLive:
		return "live"
	case stateEnding:
		return "ending"
	case stateDead:
		return "dead"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

const defaultDisconnectTimeout = 5 * time.Second

// room shares one upstream session between every subscriber of a stream.
type room struct {
	streamID      string
	client        upstreamClient
	authenticated bool
	info          json.RawMessage

	// Called for each subscriber released by kill, outside the room lock.
	onDetach          func(*subscriber)
	disconnectTimeout time.Duration

	mux         sync.Mutex // Protects subscribers, state, pending and fresh
	subscribers map[string]*subscriber
	state       roomState
	pending     int  // Joins reserved but not yet attached
	fresh       bool // Published but never joined
}

type roomConfig struct {
	AuthToken         string
	DisconnectTimeout time.Duration
	OnDetach          func(*subscriber)
}

type roomSummary struct {
	StreamID    string        `json:"unique_id"`
	ClientNum   int           `json:"client_num"`
	Clients     []*subscriber `json:"clients"`
	IsConnected bool          `json:"is_connected"`
	State       string        `json:"state"`
}

func newRoom(streamID string, client upstreamClient, cfg roomConfig) *room {
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaultDisconnectTimeout
	}
	return &room{
		streamID:          streamID,
		client:            client,
		authenticated:     cfg.AuthToken != "",
		onDetach:          cfg.OnDetach,
		disconnectTimeout: cfg.DisconnectTimeout,
		subscribers:       make(map[string]*subscriber),
		state:             stateConnecting,
		fresh:             true,
	}
}

// createRoom checks liveness, connects the upstream session and starts
// forwarding its events. The returned room is live and cannot be retired
// before its first join.
func createRoom(ctx context.Context, d upstreamDialer, streamID string, cfg roomConfig) (*room, error) {
	r := newRoom(streamID, d.Dial(streamID, cfg.AuthToken), cfg)

	live, err := r.client.IsLive(ctx)
	if err != nil {
		r.state = stateFailed
		return nil, &UpstreamConnectError{StreamID: streamID, Err: err}
	}
	if !live {
		r.state = stateFailed
		return nil, fmt.Errorf("%s: %w", streamID, ErrStreamOffline)
	}
	info, err := r.client.Connect(ctx)
	if err != nil {
		r.state = stateFailed
		return nil, &UpstreamConnectError{StreamID: streamID, Err: err}
	}
	r.info = info

	if r.authenticated {
		if _, err := r.client.SubInfo(ctx); err != nil {
			L().Warn().Err(err).Str(fieldStreamID, streamID).Msg("sub info prefetch failed")
		}
	}

	r.state = stateLive
	go r.pump()
	return r, nil
}

// pump forwards upstream events until a terminal event arrives or the
// session goes away, then releases every subscriber.
func (r *room) pump() {
	for ev := range r.client.Events() {
		if ev.Kind.terminal() {
			L().Info().Str(fieldStreamID, r.streamID).Str("event", string(ev.Kind)).Msg("upstream ended")
			break
		}
		incr("upstream.events", 1)
		if e, ok := streamEnvelope(r.streamID, ev); ok {
			r.broadcast(e)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.disconnectTimeout)
	defer cancel()
	if err := r.kill(ctx); err != nil {
		L().Error().Err(err).Str(fieldStreamID, r.streamID).Msg("failed to end room")
	}
}

// join registers s and enqueues its join frame under the room lock, so the
// frame precedes any event broadcast after registration.
func (r *room) join(s *subscriber) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.state != stateLive {
		return ErrRoomClosed
	}
	r.subscribers[s.ID] = s
	r.fresh = false
	if err := s.deliver(controlEnvelope(r.streamID, controlJoin)); err != nil {
		L().Debug().Err(err).Str(fieldSubscriberID, s.ID).Msg("join frame not delivered")
	}
	incr("subscribers", 1)
	return nil
}

// leave sends the leave (or end) frame and detaches s. It reports whether
// s was attached.
func (r *room) leave(s *subscriber, forced bool) bool {
	r.mux.Lock()
	defer r.mux.Unlock()

	if _, ok := r.subscribers[s.ID]; !ok {
		return false
	}
	name := controlLeave
	if forced {
		name = controlEnd
	}
	if err := s.deliver(controlEnvelope(r.streamID, name)); err != nil {
		L().Debug().Err(err).Str(fieldSubscriberID, s.ID).Msg(name + " frame not delivered")
	}
	delete(r.subscribers, s.ID)
	s.close()
	decr("subscribers", 1)
	return true
}

// broadcast delivers e to a snapshot of the current subscribers. Send
// failures are per subscriber and never returned.
func (r *room) broadcast(e envelope) {
	for _, s := range r.snapshot() {
		if err := s.deliver(e); err != nil {
			mark("broadcast.drops", 1)
			L().Debug().Err(err).Str(fieldStreamID, r.streamID).Str(fieldSubscriberID, s.ID).Msg("broadcast dropped")
			continue
		}
		incr("broadcast.sent", 1)
	}
}

// kill force-releases every subscriber and disconnects upstream. Only the
// first call has an effect.
func (r *room) kill(ctx context.Context) error {
	r.mux.Lock()
	if r.state != stateLive {
		r.mux.Unlock()
		return nil
	}
	r.state = stateEnding
	subs := r.snapshotLocked()
	r.mux.Unlock()

	for _, s := range subs {
		if r.leave(s, true) && r.onDetach != nil {
			r.onDetach(s)
		}
	}
	return r.disconnect(ctx)
}

// reserve holds r open for a join about to happen. It fails once the room
// is no longer live.
func (r *room) reserve() bool {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.state != stateLive {
		return false
	}
	r.pending++
	return true
}

func (r *room) unreserve() {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.pending > 0 {
		r.pending--
	}
}

// release reports whether r is empty and may be dropped. The caller owns
// the disconnect when owned is true.
func (r *room) release() (empty, owned bool) {
	r.mux.Lock()
	defer r.mux.Unlock()

	if len(r.subscribers) > 0 || r.pending > 0 {
		return false, false
	}
	if r.state != stateLive {
		return true, false
	}
	if r.fresh {
		return false, false
	}
	r.state = stateEnding
	return true, true
}

// retire moves an empty live room to ending and disconnects it. It reports
// whether the room is empty and may be dropped from the registry.
func (r *room) retire(ctx context.Context) (bool, error) {
	empty, owned := r.release()
	if !owned {
		return empty, nil
	}
	return true, r.disconnect(ctx)
}

func (r *room) disconnect(ctx context.Context) error {
	err := r.client.Disconnect(ctx)

	r.mux.Lock()
	r.state = stateDead
	r.mux.Unlock()

	if err != nil {
		incr("teardown.errors", 1)
		return &TeardownError{StreamID: r.streamID, Err: err}
	}
	return nil
}

func (r *room) memberCount() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.subscribers)
}

func (r *room) currentState() roomState {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.state
}

func (r *room) alive() bool {
	return r.currentState() == stateLive
}

func (r *room) roomInfo() json.RawMessage {
	return r.info
}

func (r *room) subInfo(ctx context.Context) (json.RawMessage, error) {
	if !r.authenticated {
		return nil, ErrNotAuthenticated
	}
	return r.client.SubInfo(ctx)
}

func (r *room) summary() roomSummary {
	r.mux.Lock()
	clients := r.snapshotLocked()
	state := r.state
	r.mux.Unlock()

	return roomSummary{
		StreamID:    r.streamID,
		ClientNum:   len(clients),
		Clients:     clients,
		IsConnected: r.client.Connected(),
		State:       state.String(),
	}
}

func (r *room) snapshot() []*subscriber {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.snapshotLocked()
}

func (r *room) snapshotLocked() []*subscriber {
	subs := make([]*subscriber, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		subs = append(subs, s)
	}
	return subs
}
