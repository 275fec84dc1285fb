package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/photonmeter/internal/events"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// StreamMessage is one frame pushed to websocket clients.
type StreamMessage struct {
	Type    events.EventType `json:"type"`
	Payload interface{}      `json:"payload"`
}

type streamClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *streamClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// Stream pushes snapshots and archived encounters to websocket clients.
type Stream struct {
	mu       sync.Mutex
	clients  map[*streamClient]struct{}
	upgrader websocket.Upgrader
	closed   bool
}

// NewStream creates a stream that accepts upgrades from allowedOrigins.
// An empty list or "*" accepts any origin.
func NewStream(allowedOrigins []string) *Stream {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return &Stream{
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || allowed[origin]
			},
		},
	}
}

// Attach forwards snapshot, archive and zone events from bus.
func (s *Stream) Attach(bus *events.Bus) {
	for _, t := range []events.EventType{events.EventSnapshot, events.EventSessionArchived, events.EventZoneChanged} {
		bus.Subscribe(t, "stream", 8, func(_ context.Context, e events.Event) error {
			s.Broadcast(e.Type, e.Payload)
			return nil
		})
	}
}

// Handle upgrades the request and keeps the client registered until it
// disconnects.
func (s *Stream) Handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &streamClient{conn: conn}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	log.Debug().Str("client_ip", c.ClientIP()).Msg("stream client connected")

	done := make(chan struct{})
	go s.ping(client, done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Inbound frames are ignored; reading drives pong and close handling.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	close(done)
	s.remove(client)
}

func (s *Stream) ping(client *streamClient, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := client.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Stream) remove(client *streamClient) {
	s.mu.Lock()
	_, ok := s.clients[client]
	delete(s.clients, client)
	s.mu.Unlock()
	if ok {
		client.conn.Close()
	}
}

// Broadcast sends one message to every connected client. Clients that fail
// a write are dropped.
func (s *Stream) Broadcast(t events.EventType, payload interface{}) {
	data, err := json.Marshal(StreamMessage{Type: t, Payload: payload})
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal stream message")
		return
	}

	s.mu.Lock()
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Msg("stream client dropped")
			s.remove(c)
		}
	}
}

// Clients returns the number of connected clients.
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client and refuses new ones.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()

	for c := range clients {
		c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
		c.conn.Close()
	}
}
