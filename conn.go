package main

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// connection is one viewer websocket. It joins the gateway, pumps the
// subscriber's outbound queue to the socket and feeds commands back.
type connection struct {
	w         websocketManager
	gw        *gateway
	sub       *subscriber
	streamID  string
	accountID string
}

func newConnection(ws *websocket.Conn, gw *gateway, streamID, accountID string) *connection {
	return &connection{
		w:         websocketInteractor{ws: ws},
		gw:        gw,
		streamID:  streamID,
		accountID: accountID,
	}
}

func (c *connection) closeWith(code int, reason string) error {
	return c.w.wsCloseWith(code, reason)
}

func (c *connection) run(ctx context.Context) {
	sub, err := c.gw.join(ctx, c.accountID, c.streamID, c)
	if err != nil {
		// Already closed by the gateway.
		return
	}
	c.sub = sub
	incr("websockets", 1)
	defer func() {
		decr("websockets", 1)
		c.gw.leave(c.sub, c.accountID)
	}()
	go c.writer(pingPeriod)
	c.reader(ctx)
}

func (c *connection) reader(ctx context.Context) {
	c.w.wsSetReadLimit()
	c.w.wsSetReadDeadline()
	c.w.wsSetPongHandler()
	for {
		if err := c.readMessage(ctx); err != nil {
			break
		}
	}
	c.w.wsClose()
}

func (c *connection) readMessage(ctx context.Context) error {
	_, message, err := c.w.wsReadMessage()
	if err != nil {
		return err
	}
	incr("conn.recv", 1)
	if err := c.gw.operation(ctx, c.sub, string(message)); err != nil {
		L().Warn().Err(err).
			Str(fieldStreamID, c.streamID).
			Str(fieldSubscriberID, c.sub.ID).
			Str("command", string(message)).
			Msg("operation failed")
	}
	return nil
}

func (c *connection) writer(period time.Duration) {
	ticker := time.NewTicker(period)
	defer func() {
		ticker.Stop()
		c.w.wsClose()
	}()
	out := c.sub.outbound()
	for {
		select {
		case message, ok := <-out:
			c.w.wsSetWriteDeadline()
			if !ok {
				c.w.wsWriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.w.wsWriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			incr("conn.send", 1)
		case <-ticker.C:
			c.w.wsSetWriteDeadline()
			if err := c.w.wsWriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
