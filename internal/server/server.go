package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/obd-dash/internal/ecu"
	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// Server broadcasts adapter snapshots to WebSocket clients and serves the
// config and readings API.
type Server struct {
	cfg  *Config
	prov ecu.Provider

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	encoding string
}

// Frame is the message sent to every WebSocket client.
type Frame struct {
	Adapter *ecu.DataFrame `json:"adapter,omitempty"`
	Stamp   int64          `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, prov ecu.Provider) *Server {
	return &Server{
		cfg:     cfg,
		prov:    prov,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/readings", s.handleReadings)
	mux.HandleFunc("/api/pids", s.handlePIDs)
	return mux
}

// Run serves on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.cfg.mu.RLock()
	addr := s.cfg.Stream.ListenAddr
	s.cfg.mu.RUnlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.streamLoop(ctx)

	srv := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("component", "server").Str("addr", ln.Addr().String()).Msg("listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	encoding := r.URL.Query().Get("encoding")
	if encoding == "" {
		s.cfg.mu.RLock()
		encoding = s.cfg.Stream.Encoding
		s.cfg.mu.RUnlock()
	}
	if encoding != "json" && encoding != "cbor" {
		http.Error(w, "encoding must be json or cbor", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "ws").Err(err).Msg("upgrade failed")
		return
	}

	client := &wsClient{
		conn:     conn,
		send:     make(chan []byte, 64),
		encoding: encoding,
	}

	// Current state first, so a client never starts blank.
	if data, err := encodeFrame(s.snapshot(), encoding); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Info().Str("component", "ws").Str("encoding", encoding).Int("clients", n).Msg("client connected")

	msgType := websocket.TextMessage
	if encoding == "cbor" {
		msgType = websocket.BinaryMessage
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(msgType, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; incoming messages are ignored)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Info().Str("component", "ws").Int("clients", n).Msg("client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Warn().Str("component", "config").Err(err).Msg("save failed")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.snapshot().Adapter)
}

func (s *Server) handlePIDs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, obd.All())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) snapshot() Frame {
	f := Frame{Stamp: time.Now().UnixMilli()}
	if s.prov != nil {
		f.Adapter = s.prov.Snapshot()
	}
	return f
}

// streamLoop pushes a snapshot to every client at the broadcast rate.
func (s *Server) streamLoop(ctx context.Context) {
	s.cfg.mu.RLock()
	hz := s.cfg.Stream.BroadcastHz
	s.cfg.mu.RUnlock()
	if hz <= 0 {
		hz = 10
	}

	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(s.snapshot())
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	var encoded map[string][]byte

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		data, ok := encoded[client.encoding]
		if !ok {
			var err error
			if data, err = encodeFrame(frame, client.encoding); err != nil {
				log.Error().Str("component", "ws").Err(err).Msg("encode failed")
				return
			}
			if encoded == nil {
				encoded = make(map[string][]byte, 2)
			}
			encoded[client.encoding] = data
		}
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func encodeFrame(f Frame, encoding string) ([]byte, error) {
	if encoding == "cbor" {
		return cbor.Marshal(f)
	}
	return json.Marshal(f)
}
