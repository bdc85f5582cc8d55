// Package httpapi exposes the gateway's HTTP surface: the websocket agent
// channel and the unauthenticated health endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"toolgate.local/gateway/internal/engine"
	"toolgate.local/gateway/internal/protocol"
)

const maxAgentMessageBytes int64 = 1 << 20

// CloseAgentConnected is the websocket close code sent to a second agent
// connection while one is already attached.
const CloseAgentConnected = 4000

type server struct {
	logger *log.Logger
	engine *engine.Engine
}

func NewServer(logger *log.Logger, addr string, eng *engine.Engine) *http.Server {
	h := &server{logger: logger, engine: eng}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/agent", h.handleAgent)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Health(r.Context()))
}

func (s *server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Agents authenticate with the shared token over the channel itself;
	// browser origins are not a trust boundary here.
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("agent ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxAgentMessageBytes)

	wrapped := &wsConn{conn: conn}
	if err := s.engine.HandleSession(r.Context(), wrapped); err != nil {
		if errors.Is(err, engine.ErrAgentConnected) {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(CloseAgentConnected, "Another agent is already connected")
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
		s.logger.Printf("agent session error: %v", err)
	}
}

// wsConn adapts a gorilla websocket connection to the engine's Conn. Writes
// are serialized; the engine replies from concurrent goroutines.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteEnvelope(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
