// Package observer serves the read-only tick feed: a loopback websocket
// that pushes every finished tick, plus /healthz and /v1/ticks/latest.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/observerproto"
	"ghostship.forum/internal/protocol"
)

// TickReader is the slice of the store the feed reads from.
type TickReader interface {
	LastTick(ctx context.Context) (int, error)
	GetTick(ctx context.Context, tick int) (*forum.TickRecord, error)
}

// StateLabel reports the freeze label, e.g. "LIVE" or "FROZEN".
type StateLabel interface {
	Label(ctx context.Context) string
}

type client struct {
	out    chan observerproto.TickMsg
	events atomic.Bool
}

type Server struct {
	ticks TickReader
	state StateLabel
	log   *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.Mutex
	clients map[string]*client
}

func NewServer(ticks TickReader, state StateLabel, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		ticks: ticks,
		state: state,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only, see WSHandler
		},
		clients: map[string]*client{},
	}
}

// Handler mounts the feed routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.HealthHandler())
	mux.HandleFunc("/v1/ticks/latest", s.LatestHandler())
	mux.HandleFunc("/v1/ticks/ws", s.WSHandler())
	return mux
}

// Observers returns the number of connected feed clients.
func (s *Server) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// WriteTick broadcasts a finished tick. Slow clients miss ticks rather than
// stall the simulation.
func (s *Server) WriteTick(rec *forum.TickRecord) error {
	if rec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		select {
		case c.out <- observerproto.TickFromRecord(rec, c.events.Load()):
		default:
			s.log.Printf("observer: %s lagging, dropped tick %d", id, rec.Tick)
		}
	}
	return nil
}

func (s *Server) label(ctx context.Context) string {
	if s.state == nil {
		return ""
	}
	return s.state.Label(ctx)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.ErrorBody{Code: code, Message: msg})
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		last, err := s.ticks.LastTick(r.Context())
		if err != nil {
			writeError(rw, http.StatusServiceUnavailable, protocol.ErrInternal, err.Error())
			return
		}
		writeJSON(rw, http.StatusOK, observerproto.HealthResponse{
			OK: true, LastTick: last, State: s.label(r.Context()), Observers: s.Observers(),
		})
	}
}

// LatestHandler serves the newest tick record. ?events=1 includes the full
// event list.
func (s *Server) LatestHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx := r.Context()
		last, err := s.ticks.LastTick(ctx)
		if err != nil {
			writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
			return
		}
		if last <= 0 {
			writeError(rw, http.StatusNotFound, protocol.ErrNotFound, "no ticks recorded yet")
			return
		}
		rec, err := s.ticks.GetTick(ctx, last)
		if errors.Is(err, forum.ErrNotFound) {
			writeError(rw, http.StatusNotFound, protocol.ErrNotFound, fmt.Sprintf("tick %d not found", last))
			return
		}
		if err != nil {
			writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
			return
		}
		withEvents := r.URL.Query().Get("events") == "1"
		writeJSON(rw, http.StatusOK, observerproto.TickFromRecord(rec, withEvents))
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			writeError(rw, http.StatusForbidden, protocol.ErrForbidden, "observer feed is loopback only")
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		c := &client{out: make(chan observerproto.TickMsg, 8)}
		c.events.Store(sub.Events)

		last, _ := s.ticks.LastTick(r.Context())
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(observerproto.WelcomeMsg{
			Type: "WELCOME", ProtocolVersion: observerproto.Version, SessionID: sid,
			LastTick: last, State: s.label(r.Context()),
		}); err != nil {
			return
		}

		s.mu.Lock()
		s.clients[sid] = c
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.clients, sid)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case m := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteJSON(m); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
				continue
			}
			c.events.Store(sub.Events)
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
