package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gatewatch/internal/dto"
	"gatewatch/internal/logger"
	"gatewatch/internal/model"
)

const (
	writeWait = 5 * time.Second
	// viewers that answer no ping for this long are dropped
	defaultPongWait = 60 * time.Second
)

// Message is the envelope pushed to live feed clients.
type Message struct {
	Type  string        `json:"type"`
	Event dto.EventInfo `json:"event"`
}

// HubService fans accepted crossing events out to connected websocket viewers.
type HubService struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logger.Logger

	pongWait   time.Duration
	pingPeriod time.Duration

	dropped int64
}

func NewHubService(log *logger.Logger) *HubService {
	if log == nil {
		log = logger.NewNop()
	}
	return &HubService{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     log,
		pongWait:   defaultPongWait,
		pingPeriod: defaultPongWait * 9 / 10,
	}
}

// WithKeepalive changes how long a silent viewer survives. Pings go out at nine tenths
// of pongWait. Call it before Run.
func (h *HubService) WithKeepalive(pongWait time.Duration) *HubService {
	h.pongWait = pongWait
	h.pingPeriod = pongWait * 9 / 10
	return h
}

// PongWait is the read deadline a viewer connection extends on every pong.
func (h *HubService) PongWait() time.Duration {
	return h.pongWait
}

// Run serves registrations and broadcasts until ctx is done, then closes every client.
func (h *HubService) Run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Viewer connected. Total: %d", count)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Viewer disconnected. Total: %d", count)

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Error("Error sending message: %v", err)
					delete(h.clients, client)
					client.Close()
				}
			}
			h.mutex.Unlock()

		case <-ticker.C:
			h.mutex.Lock()
			for client := range h.clients {
				if err := client.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					h.logger.Warning("Viewer ping failed: %v", err)
					delete(h.clients, client)
					client.Close()
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Register adds a viewer. After the hub stopped the connection is closed instead.
func (h *HubService) Register(client *websocket.Conn) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

func (h *HubService) Unregister(client *websocket.Conn) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues a message for every viewer. A full queue drops the message.
func (h *HubService) Broadcast(message []byte) bool {
	select {
	case h.broadcast <- message:
		return true
	default:
		h.mutex.Lock()
		h.dropped++
		h.mutex.Unlock()
		h.logger.Warning("⚠️  Live feed queue full - message dropped")
		return false
	}
}

// Notify publishes an accepted event to the live feed.
func (h *HubService) Notify(event *model.CrossingEvent) {
	payload, err := json.Marshal(Message{Type: "crossing", Event: dto.NewEventInfo(*event)})
	if err != nil {
		h.logger.Error("Error encoding live event %s: %v", event.ID, err)
		return
	}
	h.Broadcast(payload)
}

func (h *HubService) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *HubService) Dropped() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.dropped
}
