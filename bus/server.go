package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/benywan/ddcsum-server/rpcsrv"
	"github.com/benywan/ddcsum-server/subscribe"
)

// wireRequest is the JSON shape accepted on both the HTTP and WebSocket
// listeners.
type wireRequest struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
	// CacheOnly requests DEFER-on-miss semantics for history lookups
	// (blockchain.address.get_history) rather than a synchronous fetch
	// (spec.md §4.6).
	CacheOnly bool `json:"cache_only,omitempty"`
}

// Server is the demo SessionBus: it implements subscribe.Bus (push
// notifications to a session's live WebSocket connection, if any) and
// fronts CommandRouter with an HTTP POST endpoint plus a WebSocket endpoint
// for subscriptions.
type Server struct {
	Queue *Queue
	Hub   *subscribe.Hub

	mu    sync.Mutex
	conns map[subscribe.SessionID]*websocket.Conn

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer builds a Server listening at addr once Start is called.
func NewServer(addr string, queue *Queue, hub *subscribe.Hub) *Server {
	s := &Server{
		Queue:    queue,
		Hub:      hub,
		conns:    make(map[subscribe.SessionID]*websocket.Conn),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHTTP)
	mux.HandleFunc("/ws", s.handleWS)
	handler := cors.New(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"POST", "GET"}}).Handler(mux)

	s.httpSrv = &http.Server{Addr: addr, Handler: handler}
	return s
}

// Start listens in the background. Stop shuts the listener down.
func (s *Server) Start() error {
	log.Info("Session bus listening", "addr", s.httpSrv.Addr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Session bus listener failed", "err", err)
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	return s.httpSrv.Close()
}

// Notify implements subscribe.Bus: push one notification to session's live
// connection, if it still has one.
func (s *Server) Notify(session subscribe.SessionID, method string, params any) {
	s.mu.Lock()
	conn := s.conns[session]
	s.mu.Unlock()
	if conn == nil {
		return
	}
	msg := map[string]any{"method": method, "params": params}
	if err := conn.WriteJSON(msg); err != nil {
		log.Debug("Failed to push notification", "session", session, "method", method, "err", err)
	}
}

func newSessionID() subscribe.SessionID {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return subscribe.SessionID(hex.EncodeToString(buf))
}

// handleHTTP services a single one-shot JSON-RPC request under a fresh
// SessionID that has no live connection. Subscribe commands are not
// rejected: they add that SessionID to the hub's registries, and Notify
// drops every notification for it because no connection is registered.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var wr wireRequest
	if err := json.NewDecoder(r.Body).Decode(&wr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	respCh := make(chan *rpcsrv.Response, 1)
	s.Queue.Push(newSessionID(), &rpcsrv.Request{ID: wr.ID, Method: wr.Method, Params: wr.Params, CacheOnly: wr.CacheOnly}, func(resp *rpcsrv.Response) {
		respCh <- resp
	})

	resp := <-respCh
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleWS upgrades to a WebSocket, registers a session for the connection's
// lifetime, and services requests until the socket closes. On exit it
// removes the session from the block and header registries; its
// watched-address entries are not removed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("WebSocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	session := newSessionID()
	s.mu.Lock()
	s.conns[session] = conn
	s.mu.Unlock()
	defer s.unregister(session)

	for {
		var wr wireRequest
		if err := conn.ReadJSON(&wr); err != nil {
			return
		}
		req := &rpcsrv.Request{ID: wr.ID, Method: wr.Method, Params: wr.Params, CacheOnly: wr.CacheOnly}
		s.Queue.Push(session, req, func(resp *rpcsrv.Response) {
			if err := conn.WriteJSON(resp); err != nil {
				log.Debug("Failed to write response", "session", session, "err", err)
			}
		})
	}
}

func (s *Server) unregister(session subscribe.SessionID) {
	s.mu.Lock()
	delete(s.conns, session)
	s.mu.Unlock()
	s.Hub.UnsubscribeBlocks(session)
	s.Hub.UnsubscribeHeaders(session)
}
