// Package obsapi implements Gate's local observability surface: a small
// HTTP+WebSocket server exposing a daemon or relay's current state and a
// live event stream to an out-of-process application layer, as a
// subscription rather than a back-reference (DESIGN NOTES §9 — the
// certificate lifecycle's effect on e.g. a WebAuthn origin set is expressed
// by that layer subscribing here, not by this package calling into it).
//
// Grounded on the teacher's internal/api/server.go almost verbatim in
// shape (eventSubscriber, buffered sendCh, 100ms-drop-if-slow broadcast,
// forwardEvents), re-wired to subscribe to a generic
// internal/watchstate.Bus instead of *core.Core.
package obsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hellas-ai/gate/internal/watchstate"
)

// Server serves /api/v1/status (a JSON snapshot), /api/v1/events (a
// WebSocket stream of every event emitted on bus), and /healthz.
type Server struct {
	addr     string
	snapshot func() any
	bus      *watchstate.Bus

	upgrader websocket.Upgrader

	subMu sync.RWMutex
	subs  map[string]*eventSubscriber

	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	Logger *log.Logger
}

type eventSubscriber struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Server. snapshot is called fresh on every /api/v1/status
// request; bus is subscribed to for the lifetime of the server.
func New(addr string, snapshot func() any, bus *watchstate.Bus) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		snapshot: snapshot,
		bus:      bus,
		subs:     make(map[string]*eventSubscriber),
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/events", s.handleEvents)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("obsapi: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{Handler: mux}

	go s.forwardEvents()

	s.logf("obsapi: listening on %s", ln.Addr())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logf("obsapi: serve error: %v", err)
		}
	}()
	return nil
}

// Addr returns the actual listening address, useful when the configured
// address used port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes every WebSocket subscriber and gracefully shuts the HTTP
// server down.
func (s *Server) Stop() error {
	s.cancel()

	s.subMu.Lock()
	for _, sub := range s.subs {
		sub.cancel()
		sub.conn.Close()
	}
	s.subMu.Unlock()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("obsapi: websocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sub := &eventSubscriber{
		id:     subscriberID(),
		conn:   conn,
		sendCh: make(chan []byte, 100),
		ctx:    ctx,
		cancel: cancel,
	}

	s.subMu.Lock()
	s.subs[sub.id] = sub
	s.subMu.Unlock()

	defer func() {
		s.subMu.Lock()
		delete(s.subs, sub.id)
		s.subMu.Unlock()
		cancel()
		conn.Close()
	}()

	go s.writeEvents(sub)
	s.readEvents(sub)
}

func (s *Server) writeEvents(sub *eventSubscriber) {
	defer sub.cancel()
	for {
		select {
		case msg := <-sub.sendCh:
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-sub.ctx.Done():
			return
		}
	}
}

func (s *Server) readEvents(sub *eventSubscriber) {
	defer sub.cancel()
	for {
		_, msg, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logf("obsapi: websocket error: %v", err)
			}
			return
		}

		var cmd struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(msg, &cmd); err != nil {
			continue
		}
		if cmd.Action == "ping" {
			select {
			case sub.sendCh <- []byte(`{"type":"pong"}`):
			case <-sub.ctx.Done():
				return
			}
		}
	}
}

// forwardEvents subscribes to bus for the server's lifetime, broadcasting
// every emitted event to all connected WebSocket subscribers; a subscriber
// that can't keep up within 100ms has that event dropped rather than
// stalling the rest.
func (s *Server) forwardEvents() {
	if s.bus == nil {
		<-s.ctx.Done()
		return
	}

	sub := s.bus.Subscribe(func(ev watchstate.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}

		s.subMu.RLock()
		subs := make([]*eventSubscriber, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.subMu.RUnlock()

		for _, sub := range subs {
			select {
			case sub.sendCh <- data:
			case <-sub.ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	})
	defer sub.Cancel()

	<-s.ctx.Done()
}

func subscriberID() string {
	return fmt.Sprintf("sub-%d", time.Now().UnixNano())
}
