// Package dashboard provides a real-time WebSocket server for sync status.
//
// The dashboard broadcasts outbox item transitions, detected conflicts, and
// circuit breaker state changes to connected WebSocket clients, and serves
// merged queue statistics over plain HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/buildrunner/brsync/internal/breaker"
	"github.com/buildrunner/brsync/internal/queue"
	"github.com/buildrunner/brsync/internal/store"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeItemUpdate indicates an outbox item changed status
	MessageTypeItemUpdate MessageType = "item_update"

	// MessageTypeConflict indicates a new sync conflict was detected
	MessageTypeConflict MessageType = "conflict"

	// MessageTypeBreakerState indicates the circuit breaker changed state
	MessageTypeBreakerState MessageType = "breaker_state"

	// MessageTypeStats indicates updated queue statistics
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ItemUpdateData contains outbox item change information
type ItemUpdateData struct {
	ItemID    string       `json:"item_id"`
	ProjectID string       `json:"project_id,omitempty"`
	Kind      store.Kind   `json:"kind"`
	Status    store.Status `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
}

// ConflictData contains detected conflict information
type ConflictData struct {
	ConflictID string `json:"conflict_id"`
	ProjectID  string `json:"project_id,omitempty"`
	Entity     string `json:"entity"`
	EntityID   string `json:"entity_id"`
}

// BreakerStateData contains circuit breaker state information
type BreakerStateData struct {
	State breaker.State `json:"state"`
}

// StatsProvider supplies merged queue statistics. *queue.Engine implements it.
type StatsProvider interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Server manages WebSocket connections and broadcasts sync events. It
// implements queue.Notifier, so it can be handed to the engine directly.
type Server struct {
	addr     string
	stats    StatsProvider
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8475)
	Addr string

	// Logger for server activity (default: log.Default)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:8475",
		Logger: log.Default(),
	}
}

// NewServer creates a new dashboard WebSocket server. stats may be nil if
// the /stats endpoint is not needed.
func NewServer(stats StatsProvider, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      config.Addr,
		stats:     stats,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// ItemUpdated implements queue.Notifier.
func (s *Server) ItemUpdated(item *store.OutboxItem) {
	s.broadcastData(MessageTypeItemUpdate, ItemUpdateData{
		ItemID:    item.ID,
		ProjectID: item.ProjectID,
		Kind:      item.Kind,
		Status:    item.Status,
		Attempts:  item.Attempts,
		LastError: item.LastError,
	})
}

// ConflictDetected implements queue.Notifier.
func (s *Server) ConflictDetected(conflict *store.Conflict) {
	s.broadcastData(MessageTypeConflict, ConflictData{
		ConflictID: conflict.ID,
		ProjectID:  conflict.ProjectID,
		Entity:     conflict.Entity,
		EntityID:   conflict.EntityID,
	})
}

// BreakerState implements queue.Notifier.
func (s *Server) BreakerState(state breaker.State) {
	s.broadcastData(MessageTypeBreakerState, BreakerStateData{State: state})
}

func (s *Server) broadcastData(typ MessageType, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("Failed to marshal %s payload: %v", typ, err)
		return
	}
	s.Broadcast(Message{Type: typ, Data: raw})
}

// Broadcast sends a message to all connected clients. Non-blocking; drops
// the message if the channel is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Send outside the read lock so a slow client cannot stall
			// new broadcasts.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local tool, any origin is fine
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// Push a stats snapshot so new clients render immediately.
	if s.stats != nil {
		if stats, err := s.stats.Stats(r.Context()); err == nil {
			if raw, err := json.Marshal(stats); err == nil {
				welcome, _ := json.Marshal(Message{
					Type:      MessageTypeStats,
					Timestamp: time.Now(),
					Data:      raw,
				})
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = conn.Write(ctx, websocket.MessageText, welcome)
				cancel()
			}
		}
	}

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Client messages are not processed, just drained.
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleStats returns merged queue and breaker statistics
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>BuildRunner Sync Dashboard</title>
</head>
<body>
    <h1>BuildRunner Sync Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Queue statistics: <a href="/stats">/stats</a></p>
    <p>Connect a WebSocket client to receive real-time sync updates.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
