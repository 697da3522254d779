package main

import (
	"context"
)

// Close code sent to a viewer whose join failed.
const closeJoinFailed = 4500

// Viewer commands.
const (
	cmdRoomInfo = "operation.room_info"
	cmdSubInfo  = "operation.sub_info"
)

// closer is the part of a viewer connection needed to reject a join.
type closer interface {
	closeWith(code int, reason string) error
}

// gateway is what the transport talks to.
type gateway struct {
	reg *registry
	dir *directory
}

type gatewayStats struct {
	ClientData map[string][]*subscriber `json:"client_data"`
	PoolData   map[string]roomSummary   `json:"pool_data"`
}

func newGateway(d upstreamDialer, cfg registryConfig) *gateway {
	g := &gateway{
		reg: newRegistry(d, cfg),
		dir: newDirectory(),
	}
	g.reg.onDetach = func(s *subscriber) {
		g.dir.remove(s.AccountID, s)
	}
	return g
}

func (g *gateway) start() {
	g.reg.start()
}

// join attaches a viewer. On failure ch is closed with closeJoinFailed and
// the error is returned for logging only; the caller must not retry.
func (g *gateway) join(ctx context.Context, accountID, streamID string, ch closer) (*subscriber, error) {
	s, err := g.reg.join(ctx, streamID, accountID)
	if err != nil {
		L().Warn().Err(err).
			Str(fieldStreamID, streamID).
			Str(fieldAccountID, accountID).
			Msg("join failed")
		if cerr := ch.closeWith(closeJoinFailed, closeReason(err)); cerr != nil {
			L().Debug().Err(cerr).Str(fieldStreamID, streamID).Msg("close after failed join")
		}
		return nil, err
	}

	g.dir.add(accountID, s)
	// The room may have ended between the two registrations.
	if s.isClosed() {
		g.dir.remove(accountID, s)
	}
	L().Debug().
		Str(fieldAccountID, accountID).
		Int("account_subscribers", g.dir.countFor(accountID)).
		Msg("account subscribed")
	return s, nil
}

func (g *gateway) leave(s *subscriber, accountID string) {
	g.dir.remove(accountID, s)
	g.reg.leave(s)
}

// operation answers a viewer command on that viewer's channel only.
// Unknown commands are ignored.
func (g *gateway) operation(ctx context.Context, s *subscriber, cmd string) error {
	if cmd != cmdRoomInfo && cmd != cmdSubInfo {
		return nil
	}
	r := g.reg.room(s.StreamID)
	if r == nil {
		return ErrRoomClosed
	}

	switch cmd {
	case cmdRoomInfo:
		return s.deliver(operationEnvelope(s.StreamID, operationRoomInfo, r.roomInfo()))
	default:
		data, err := r.subInfo(ctx)
		if err != nil {
			return err
		}
		return s.deliver(operationEnvelope(s.StreamID, operationSubInfo, data))
	}
}

func (g *gateway) stats() gatewayStats {
	return gatewayStats{
		ClientData: g.dir.snapshot(),
		PoolData:   g.reg.snapshot(),
	}
}

// accountStats narrows the client data to one account.
func (g *gateway) accountStats(accountID string) gatewayStats {
	clients := make(map[string][]*subscriber)
	if subs := g.dir.listFor(accountID); len(subs) > 0 {
		clients[accountID] = subs
	}
	return gatewayStats{
		ClientData: clients,
		PoolData:   g.reg.snapshot(),
	}
}

func (g *gateway) close(ctx context.Context) {
	g.reg.close(ctx)
}
