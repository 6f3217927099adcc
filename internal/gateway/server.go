// Package gateway serves read-only status over HTTP plus a WebSocket event
// feed of router events. Bound to localhost by default and token-gated when
// a token is configured.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/internal/router"
	"github.com/nextlevelbuilder/relaydesk/pkg/protocol"
)

// Server exposes /healthz, /status, and /ws.
type Server struct {
	cfg      config.GatewayConfig
	rt       *router.Router
	eventPub bus.EventPublisher
	names    []string // transport names for /status

	upgrader   websocket.Upgrader
	limiter    *rate.Limiter
	httpServer *http.Server

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan bus.Event
}

func NewServer(cfg config.GatewayConfig, rt *router.Router, eventPub bus.EventPublisher, transportNames []string) *Server {
	s := &Server{
		cfg:      cfg,
		rt:       rt,
		eventPub: eventPub,
		names:    transportNames,
		clients:  make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Local status endpoint; origin checks add nothing here.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	if cfg.RateLimitRPM > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), 5)
	}
	return s
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.guard(s.handleStatus))
	mux.HandleFunc("/ws", s.guard(s.handleWebSocket))

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// guard wraps a handler with token auth and the request rate limit.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.cfg.Token &&
				r.URL.Query().Get("token") != s.cfg.Token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if s.limiter != nil && !s.limiter.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	open, err := s.rt.ListOpenTickets(r.Context())
	if err != nil {
		slog.Error("status ticket listing failed", "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	payload := protocol.StatusPayload{
		OpenTickets: len(open),
		QueueDepth:  s.rt.QueueDepth(),
		Rate:        s.rt.RateSnapshot(),
		UptimeSecs:  router.UptimeSecs(),
		Transports:  s.names,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("status encode failed", "error", err)
	}
}

// handleWebSocket upgrades and streams router events until the client goes
// away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan bus.Event, 32)}
	s.register(c)
	defer func() {
		s.unregister(c)
		conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain reads so pings and close frames are processed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-c.send:
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("websocket write failed", "client", c.id, "error", err)
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.eventPub.Subscribe(c.id, func(ev bus.Event) {
		select {
		case c.send <- ev:
		default:
			// Slow consumer: drop rather than stall the broadcaster.
		}
	})
	slog.Info("gateway client connected", "id", c.id)
}

func (s *Server) unregister(c *client) {
	s.eventPub.Unsubscribe(c.id)
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	slog.Info("gateway client disconnected", "id", c.id)
}
