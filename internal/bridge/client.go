package bridge

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Commands are small; anything larger is a misbehaving client.
	maxMessageSize = 64 * 1024
	// Upper bound for one command to reach the engine loop.
	commandTimeout = 5 * time.Second
)

// client is one overlay or chat connection.
type client struct {
	id      string
	subject string
	srv     *Server
	conn    *websocket.Conn
	limiter *rate.Limiter
	// Buffered channel of outbound frames, closed by the hub.
	send chan []byte
}

func (c *client) readPump() {
	defer func() {
		c.srv.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Warn("Bridge client read error.", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			metricCommands.WithLabelValues("rate_limited").Inc()
			c.srv.hub.reply(c, Frame{Type: FrameError, Error: "rate limited"})
			continue
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.srv.hub.reply(c, Frame{Type: FrameError, Error: "invalid command"})
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		reply := c.srv.dispatch(ctx, c, cmd)
		cancel()
		c.srv.hub.reply(c, reply)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			// One frame per message so clients can decode each one as JSON.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
