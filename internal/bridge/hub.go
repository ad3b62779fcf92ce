package bridge

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type envelope struct {
	to   *client
	data []byte
}

// hub tracks connected clients and fans frames out to them. Only Run touches
// the client set.
type hub struct {
	logger     *zap.Logger
	clients    map[*client]bool
	broadcast  chan []byte
	unicast    chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger:     logger,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		unicast:    make(chan envelope, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	h.logger.Info("Bridge hub started.")
	defer h.logger.Info("Bridge hub stopped.")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			metricClients.Inc()
			h.logger.Info("Bridge client connected.", zap.String("client_id", c.id))
		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
				h.logger.Info("Bridge client disconnected.", zap.String("client_id", c.id))
			}
		case data := <-h.broadcast:
			for c := range h.clients {
				h.deliver(c, data)
			}
		case env := <-h.unicast:
			if h.clients[env.to] {
				h.deliver(env.to, env.data)
			}
		}
	}
}

// deliver drops clients that cannot keep up.
func (h *hub) deliver(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("Bridge client too slow, dropping.", zap.String("client_id", c.id))
		h.drop(c)
	}
}

func (h *hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	metricClients.Dec()
}

func (h *hub) add(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// publish never blocks; frames are dropped when the hub is behind or gone.
func (h *hub) publish(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("Failed to encode frame.", zap.String("type", f.Type), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.logger.Warn("Bridge broadcast queue full, dropping frame.", zap.String("type", f.Type))
	}
}

func (h *hub) reply(c *client, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("Failed to encode frame.", zap.String("type", f.Type), zap.Error(err))
		return
	}
	select {
	case h.unicast <- envelope{to: c, data: data}:
	case <-h.done:
	}
}
