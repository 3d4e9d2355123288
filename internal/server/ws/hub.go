package ws

import "go.uber.org/zap"

// UserEvent is a frame fanned out to every live connection of one user,
// so a second device sees mutations made on the first.
type UserEvent struct {
	UserID string
	Origin *Client // already got a direct reply; skipped
	Data   []byte
}

// Hub tracks live connections per user. All registry access happens on
// the Run goroutine; other goroutines talk to it over the channels.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client
	Broadcast  chan UserEvent

	clients map[string]map[*Client]bool
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan UserEvent, 64),
		clients:    make(map[string]map[*Client]bool),
		log:        log,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.Register:
			if h.clients[c.UserID] == nil {
				h.clients[c.UserID] = make(map[*Client]bool)
			}
			h.clients[c.UserID][c] = true
			h.log.Debug("client registered", zap.String("userId", c.UserID))

		case c := <-h.Unregister:
			if conns, ok := h.clients[c.UserID]; ok {
				if conns[c] {
					delete(conns, c)
					close(c.Send)
					if len(conns) == 0 {
						delete(h.clients, c.UserID)
					}
				}
			}
			h.log.Debug("client unregistered", zap.String("userId", c.UserID))

		case ev := <-h.Broadcast:
			for c := range h.clients[ev.UserID] {
				if c == ev.Origin {
					continue
				}
				select {
				case c.Send <- ev.Data:
				default:
					// Slow consumer; drop rather than block the hub.
				}
			}
		}
	}
}
