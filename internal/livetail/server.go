// Package livetail broadcasts newly captured lines to connected CLI
// clients over a WebSocket push channel, parallel to and independent of
// the request/response command channel (component D). It exists purely
// so "smctl tail --follow" can receive new rows as they arrive instead
// of polling the capture database, per SPEC_FULL.md §4.
//
// Grounded on the teacher's internal/websocket/server.go (upgrade loop,
// client registry, ping keepalive), stripped of the JSON-RPC request
// side — this channel is push-only, so there is no handler registry and
// no read loop beyond keepalive pong handling.
package livetail

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ianlang/serialmond/internal/store"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	clientBuffer = 256
)

// Server pushes captured lines to every connected client as soon as
// Broadcast is called. It never blocks the caller: a client whose send
// buffer is full misses that line rather than stalling the broadcaster,
// and stays connected.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	mu       sync.RWMutex
	clients  map[*client]struct{}
	shutdown bool
	wg       sync.WaitGroup

	portFile string
}

type client struct {
	conn   *websocket.Conn
	sendCh chan []byte
}

// NewServer creates a livetail broadcaster. The port file, when set, is
// written with the resolved TCP port once Start binds a listener, and
// removed on Stop — the same way the Lifecycle Registrar's PID file
// advertises the running daemon.
func NewServer(portFile string) *Server {
	return &Server{
		clients:  make(map[*client]struct{}),
		portFile: portFile,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Start binds an OS-assigned loopback-only port and begins accepting
// connections in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind live-tail listener: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if s.portFile != "" {
		_, portStr, err := net.SplitHostPort(listener.Addr().String())
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("resolve live-tail port: %w", err)
		}
		if err := os.WriteFile(s.portFile, []byte(portStr), 0600); err != nil {
			_ = listener.Close()
			return fmt.Errorf("write live-tail port file: %w", err)
		}
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("livetail: server error: %v", err)
		}
	}()
	return nil
}

// Port returns the resolved TCP port, or 0 before Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// Broadcast encodes line and queues it for every connected client.
// Clients with a full send buffer are skipped — a slow CLI consumer
// never backs up capture, since this channel carries no delivery
// guarantee (spec.md §1 non-goals: no guaranteed delivery).
func (s *Server) Broadcast(line store.CapturedLine) {
	data, err := marshalLine(line)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.sendCh <- data:
		default:
		}
	}
}

// Stop closes every client connection, shuts down the HTTP server, and
// removes the port file.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	for c := range s.clients {
		close(c.sendCh)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	if s.portFile != "" {
		_ = os.Remove(s.portFile)
	}

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown live-tail server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	if s.shutdown {
		s.mu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("livetail: upgrade error: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	c := &client{conn: conn, sendCh: make(chan []byte, clientBuffer)}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	go readPumpDiscard(conn)
	writePump(conn, c.sendCh)
}

// readPumpDiscard drains (and discards) any client-sent frames so the
// connection's read deadline keeps advancing via the pong handler; this
// channel carries no client->server traffic.
func readPumpDiscard(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, sendCh chan []byte) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-sendCh:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
