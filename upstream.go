package main

import (
	"context"
	"encoding/json"
	"fmt"
)

type eventKind string

const (
	kindConnect       eventKind = "connect"
	kindComment       eventKind = "comment"
	kindGift          eventKind = "gift"
	kindLike          eventKind = "like"
	kindFollow        eventKind = "follow"
	kindShare         eventKind = "share"
	kindJoin          eventKind = "join"
	kindSubscribe     eventKind = "subscribe"
	kindEmote         eventKind = "emote"
	kindEnvelope      eventKind = "envelope"
	kindQuestion      eventKind = "question"
	kindRoomUserSeq   eventKind = "room_user_seq"
	kindLinkMicBattle eventKind = "link_mic_battle"
	kindPoll          eventKind = "poll"
	kindGoalUpdate    eventKind = "goal_update"
	kindControl       eventKind = "control"

	// Terminal kinds end the upstream session.
	kindLiveEnd    eventKind = "live_end"
	kindDisconnect eventKind = "disconnect"
)

var eventKinds = map[eventKind]struct{}{
	kindConnect: {}, kindComment: {}, kindGift: {}, kindLike: {},
	kindFollow: {}, kindShare: {}, kindJoin: {}, kindSubscribe: {},
	kindEmote: {}, kindEnvelope: {}, kindQuestion: {}, kindRoomUserSeq: {},
	kindLinkMicBattle: {}, kindPoll: {}, kindGoalUpdate: {}, kindControl: {},
	kindLiveEnd: {}, kindDisconnect: {},
}

func (k eventKind) valid() bool {
	_, ok := eventKinds[k]
	return ok
}

func (k eventKind) terminal() bool {
	return k == kindLiveEnd || k == kindDisconnect
}

// event is one decoded upstream event.
type event struct {
	Kind eventKind
	Data json.RawMessage
}

// upstreamFrame is the wire format shared by both upstream drivers.
type upstreamFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// decodeEvent parses a frame, reporting false for malformed frames and
// unknown kinds.
func decodeEvent(raw []byte) (event, bool) {
	var f upstreamFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return event{}, false
	}
	k := eventKind(f.Type)
	if !k.valid() {
		return event{}, false
	}
	return event{Kind: k, Data: f.Data}, true
}

// upstreamDialer builds one client per room.
type upstreamDialer interface {
	Dial(streamID, authToken string) upstreamClient
}

// upstreamClient is a single session against the live-stream feed.
// Events is closed once the session is gone.
type upstreamClient interface {
	IsLive(ctx context.Context) (bool, error)
	Connect(ctx context.Context) (json.RawMessage, error)
	Events() <-chan event
	SubInfo(ctx context.Context) (json.RawMessage, error)
	Connected() bool
	Disconnect(ctx context.Context) error
}

func newDialer(cfg upstreamConfig, rcfg redisConfig) (upstreamDialer, error) {
	switch cfg.Driver {
	case "", "websocket":
		return newWSDialer(cfg), nil
	case "redis":
		return newRedisDialer(rcfg)
	default:
		return nil, fmt.Errorf("unknown upstream driver %q", cfg.Driver)
	}
}
