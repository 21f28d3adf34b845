// Package diag serves a live diagnostics feed over WebSocket: session
// outcomes and Protocol Engine stat snapshots, each sent as one JSON text
// message to every connected operator console. Unlike the
// cloud reporter, which dials out to a backend, this package accepts
// inbound connections.
package diag

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType labels a diagnostics message.
type EventType string

const (
	EventSessionState EventType = "session_state"
	EventStat         EventType = "stat"
)

// Event is one line of the diagnostics feed.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Config holds the diagnostics server's listen address and websocket
// keepalive settings.
type Config struct {
	Addr         string // e.g. ":8090"
	Path         string // e.g. "/ws"
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default diagnostics server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8090",
		Path:         "/ws",
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts WebSocket connections and fans out diagnostics events to
// every connected client.
type Server struct {
	cfg Config
	srv *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}

	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup

	cmdMu      sync.Mutex
	cmdHandler func(command string)
}

// Command is an inbound operator-console message. "force_heartbeat" is the
// only command currently recognized.
type Command struct {
	Command string `json:"command"`
}

type client struct {
	conn     *websocket.Conn
	sendChan chan Event
	stop     chan struct{}
}

// New constructs a diagnostics server.
func New(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		clients: make(map[*client]struct{}),
		events:  make(chan Event, 256),
		stop:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWS)
	s.srv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Start begins serving HTTP and the event fan-out loop.
func (s *Server) Start() error {
	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("diag: server error: %v", err)
		}
	}()
	return nil
}

// Stop closes the HTTP server and all client connections.
func (s *Server) Stop() error {
	close(s.stop)
	err := s.srv.Close()

	s.mu.Lock()
	for c := range s.clients {
		close(c.stop)
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// SetCommandHandler registers the function invoked when an operator console
// sends an inbound command, e.g. {"command":"force_heartbeat"}.
func (s *Server) SetCommandHandler(fn func(command string)) {
	s.cmdMu.Lock()
	s.cmdHandler = fn
	s.cmdMu.Unlock()
}

// PublishSessionState emits a session-state transition to every connected
// client.
func (s *Server) PublishSessionState(v interface{}) {
	s.publish(EventSessionState, v)
}

// PublishStat emits a stat snapshot to every connected client.
func (s *Server) PublishStat(v interface{}) {
	s.publish(EventStat, v)
}

func (s *Server) publish(t EventType, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("diag: marshal event: %v", err)
		return
	}
	ev := Event{Type: t, Timestamp: time.Now().Unix(), Payload: data}
	select {
	case s.events <- ev:
	default:
		log.Printf("diag: event queue full, dropping %s event", t)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.events:
			s.mu.Lock()
			for c := range s.clients {
				select {
				case c.sendChan <- ev:
				default:
					log.Printf("diag: client send queue full, dropping event")
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("diag: upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:     conn,
		sendChan: make(chan Event, 64),
		stop:     make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.clientWriteLoop(c)
	}()
	go func() {
		defer wg.Done()
		s.clientReadLoop(c)
	}()
	wg.Wait()

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// clientReadLoop watches for the connection closing and dispatches any
// inbound command (e.g. a forced heartbeat request) to the registered
// handler; the feed itself otherwise remains server-to-console.
func (s *Server) clientReadLoop(c *client) {
	defer close(c.stop)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Command == "" {
			continue
		}

		s.cmdMu.Lock()
		handler := s.cmdHandler
		s.cmdMu.Unlock()
		if handler != nil {
			handler(cmd.Command)
		}
	}
}

func (s *Server) clientWriteLoop(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case ev := <-c.sendChan:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
