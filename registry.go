package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultCleanupInterval = 60 * time.Second
)

type registryConfig struct {
	AuthToken         string
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	CleanupInterval   time.Duration
	SendBuffer        int
}

// registry owns every room. A room is created on the first join for its
// stream and dropped once it is empty.
type registry struct {
	dialer   upstreamDialer
	cfg      registryConfig
	onDetach func(*subscriber)

	mux      sync.Mutex // Protects rooms
	rooms    map[string]*room
	creating singleflight.Group

	ticker *mTicker
	sweeps *tickListener
	done   chan struct{}
}

func newRegistry(d upstreamDialer, cfg registryConfig) *registry {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaultDisconnectTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	return &registry{
		dialer: d,
		cfg:    cfg,
		rooms:  make(map[string]*room),
	}
}

// start runs the periodic sweep until close.
func (reg *registry) start() {
	reg.ticker = newMTicker(reg.cfg.CleanupInterval)
	reg.done = make(chan struct{})
	reg.sweeps = reg.ticker.subscribe()
	go func(l *tickListener) {
		defer close(reg.done)
		for range l.tick {
			if n := reg.sweep(); n > 0 {
				L().Info().Int("removed", n).Int64("rooms", counter("rooms")).Msg("swept empty rooms")
			}
		}
	}(reg.sweeps)
}

// join attaches a new subscriber to the room for streamID, creating the
// room if needed. Creation failures leave the registry untouched.
func (reg *registry) join(ctx context.Context, streamID, accountID string) (*subscriber, error) {
	for attempt := 0; attempt < 2; attempt++ {
		r, err := reg.getOrCreate(ctx, streamID)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s := newSubscriber(streamID, accountID, reg.cfg.SendBuffer)
		err = r.join(s)
		r.unreserve()
		if err != nil {
			if errors.Is(err, ErrRoomClosed) {
				// Lost a race with teardown.
				reg.forget(r)
				continue
			}
			return nil, err
		}
		L().Info().
			Str(fieldStreamID, streamID).
			Str(fieldSubscriberID, s.ID).
			Int(fieldMembers, r.memberCount()).
			Msg("subscriber joined room")
		return s, nil
	}
	return nil, fmt.Errorf("%s: %w", streamID, ErrRoomClosed)
}

// getOrCreate returns the room for streamID holding a join reservation,
// which the caller drops with unreserve once it has joined.
func (reg *registry) getOrCreate(ctx context.Context, streamID string) (*room, error) {
	if r := reg.reserve(streamID); r != nil {
		return r, nil
	}
	v, err, _ := reg.creating.Do(streamID, func() (interface{}, error) {
		if r := reg.liveRoom(streamID); r != nil {
			return r, nil
		}
		// Shared by every caller waiting on this key, so detach from the
		// first caller's cancellation.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reg.cfg.ConnectTimeout)
		defer cancel()

		L().Info().Str(fieldStreamID, streamID).Msg("creating room")
		r, err := createRoom(cctx, reg.dialer, streamID, roomConfig{
			AuthToken:         reg.cfg.AuthToken,
			DisconnectTimeout: reg.cfg.DisconnectTimeout,
			OnDetach:          reg.detached,
		})
		if err != nil {
			incr("rooms.failed", 1)
			return nil, err
		}

		reg.mux.Lock()
		reg.rooms[streamID] = r
		reg.mux.Unlock()
		incr("rooms", 1)
		incr("rooms.created", 1)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	r := v.(*room)
	if !reg.reserveRoom(r) {
		// Ended by upstream before anyone joined.
		return nil, ErrRoomClosed
	}
	return r, nil
}

// reserve takes a join reservation on the live room for streamID. A stale
// entry is dropped.
func (reg *registry) reserve(streamID string) *room {
	reg.mux.Lock()
	defer reg.mux.Unlock()

	r := reg.rooms[streamID]
	if r == nil {
		return nil
	}
	if r.reserve() {
		return r
	}
	reg.forgetLocked(r)
	return nil
}

func (reg *registry) reserveRoom(r *room) bool {
	reg.mux.Lock()
	defer reg.mux.Unlock()

	if reg.rooms[r.streamID] != r {
		return false
	}
	return r.reserve()
}

// liveRoom returns the live room for streamID, dropping a stale entry.
func (reg *registry) liveRoom(streamID string) *room {
	r := reg.room(streamID)
	if r == nil {
		return nil
	}
	if r.alive() {
		return r
	}
	if reg.forget(r) {
		L().Debug().Str(fieldStreamID, streamID).Stringer(fieldState, r.currentState()).Msg("dropped stale room")
	}
	return nil
}

func (reg *registry) detached(s *subscriber) {
	if reg.onDetach != nil {
		reg.onDetach(s)
	}
}

// leave detaches s from its room and tears the room down if it emptied.
// Unknown subscribers are ignored.
func (reg *registry) leave(s *subscriber) {
	r := reg.room(s.StreamID)
	if r == nil {
		return
	}
	if r.leave(s, false) {
		L().Info().
			Str(fieldStreamID, s.StreamID).
			Str(fieldSubscriberID, s.ID).
			Int(fieldMembers, r.memberCount()).
			Msg("subscriber left room")
	}
	reg.cleanup(r)
}

// cleanup kills r if it has no members or reservations and removes it. The
// decision is made under the registry lock so no join can reserve r in
// between. A failed disconnect is logged and the slot is freed regardless.
func (reg *registry) cleanup(r *room) bool {
	reg.mux.Lock()
	empty, owned := r.release()
	removed := empty && reg.forgetLocked(r)
	reg.mux.Unlock()

	if !empty {
		return false
	}
	if removed {
		L().Info().Str(fieldStreamID, r.streamID).Msg("deleted empty room")
	}
	if owned {
		ctx, cancel := context.WithTimeout(context.Background(), reg.cfg.DisconnectTimeout)
		defer cancel()
		if err := r.disconnect(ctx); err != nil {
			L().Error().Err(err).Str(fieldStreamID, r.streamID).Msg("failed to kill empty room")
		}
	}
	return true
}

// sweep cleans up every room in a snapshot and returns how many went away.
func (reg *registry) sweep() int {
	removed := 0
	for _, r := range reg.all() {
		if reg.safeCleanup(r) {
			removed++
		}
	}
	if removed > 0 {
		incr("rooms.swept", int64(removed))
	}
	return removed
}

func (reg *registry) safeCleanup(r *room) (removed bool) {
	defer func() {
		if p := recover(); p != nil {
			incr("teardown.errors", 1)
			L().Error().Interface("panic", p).Str(fieldStreamID, r.streamID).Msg("room cleanup panicked")
			reg.forget(r)
			removed = true
		}
	}()
	return reg.cleanup(r)
}

// forget removes r if the map still points at this instance.
func (reg *registry) forget(r *room) bool {
	reg.mux.Lock()
	defer reg.mux.Unlock()
	return reg.forgetLocked(r)
}

func (reg *registry) forgetLocked(r *room) bool {
	if cur, ok := reg.rooms[r.streamID]; ok && cur == r {
		delete(reg.rooms, r.streamID)
		decr("rooms", 1)
		return true
	}
	return false
}

func (reg *registry) room(streamID string) *room {
	reg.mux.Lock()
	defer reg.mux.Unlock()
	return reg.rooms[streamID]
}

func (reg *registry) all() []*room {
	reg.mux.Lock()
	defer reg.mux.Unlock()

	rooms := make([]*room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (reg *registry) roomCount() int {
	reg.mux.Lock()
	defer reg.mux.Unlock()
	return len(reg.rooms)
}

func (reg *registry) snapshot() map[string]roomSummary {
	out := make(map[string]roomSummary)
	for _, r := range reg.all() {
		out[r.streamID] = r.summary()
	}
	return out
}

// close stops the sweep and kills every room.
func (reg *registry) close(ctx context.Context) {
	L().Info().Int("rooms", reg.roomCount()).Msg("closing rooms")
	if reg.ticker != nil {
		reg.ticker.unsubscribe(reg.sweeps)
		reg.ticker.stop()
		<-reg.done
		reg.ticker = nil
	}
	for _, r := range reg.all() {
		if err := r.kill(ctx); err != nil {
			L().Error().Err(err).Str(fieldStreamID, r.streamID).Msg("failed to kill room on shutdown")
		}
		reg.forget(r)
	}
}
