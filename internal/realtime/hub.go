package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tourflow/internal/saga"
)

const writeWait = 5 * time.Second

// SagaEvent is the message pushed to subscribers on every saga status change.
type SagaEvent struct {
	SagaID      string      `json:"sagaId"`
	OrderID     string      `json:"orderId"`
	Status      saga.Status `json:"status"`
	TotalAmount float64     `json:"totalAmount"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

type subscription struct {
	conn   *websocket.Conn
	sagaID string
}

type envelope struct {
	sagaID string
	body   []byte
}

// Hub manages WebSocket subscribers and fans saga updates out to them. A
// subscriber may narrow the feed to one saga with ?sagaId=.
type Hub struct {
	connections map[*websocket.Conn]string
	register    chan subscription
	unregister  chan *websocket.Conn
	broadcast   chan envelope
	quit        chan struct{}
	upgrader    websocket.Upgrader
	log         zerolog.Logger

	mu    sync.Mutex
	count int
}

func NewHub(log zerolog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		connections: make(map[*websocket.Conn]string),
		register:    make(chan subscription),
		unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan envelope, buffer),
		quit:        make(chan struct{}),
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:         log,
	}
}

// Run processes register/unregister/broadcast events until ctx ends, then
// closes every subscriber.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for conn := range h.connections {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				conn.Close()
				delete(h.connections, conn)
			}
			h.setCount(0)
			close(h.quit)
			return nil
		case sub := <-h.register:
			h.connections[sub.conn] = sub.sagaID
			h.setCount(len(h.connections))
		case conn := <-h.unregister:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				conn.Close()
			}
			h.setCount(len(h.connections))
		case msg := <-h.broadcast:
			for conn, filter := range h.connections {
				if filter != "" && filter != msg.sagaID {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.body); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.setCount(len(h.connections))
		}
	}
}

// SagaUpdated queues a status change for broadcast. Updates are dropped when
// the hub is behind; the saga store stays authoritative.
func (h *Hub) SagaUpdated(order saga.Order) {
	body, err := json.Marshal(SagaEvent{
		SagaID:      order.SagaID,
		OrderID:     order.ID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		UpdatedAt:   order.UpdatedAt,
	})
	if err != nil {
		h.log.Error().Err(err).Str("sagaId", order.SagaID).Msg("encode saga event")
		return
	}
	select {
	case h.broadcast <- envelope{sagaID: order.SagaID, body: body}:
	default:
		h.log.Warn().Str("sagaId", order.SagaID).Str("status", string(order.Status)).Msg("realtime feed full, update dropped")
	}
}

// ServeHTTP upgrades the request and keeps the subscriber registered until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	select {
	case h.register <- subscription{conn: conn, sagaID: r.URL.Query().Get("sagaId")}:
	case <-h.quit:
		conn.Close()
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- conn:
	case <-h.quit:
	}
}

// Subscribers reports how many connections are registered.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}
