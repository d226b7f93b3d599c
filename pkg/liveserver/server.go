package liveserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var (
	wsActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fm_ws_active_connections",
		Help: "Current number of active WebSocket connections",
	})

	wsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fm_ws_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(wsActiveConnections)
	prometheus.MustRegister(wsRejectedTotal)
}

// Write-side deadlines for one connection. pongWait must exceed
// pingInterval or healthy clients get timed out between pings.
const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 45 * time.Second
)

// Server upgrades HTTP requests into hub clients. It can run standalone via
// Start or be mounted on an existing mux via Handler.
type Server struct {
	hub            *Hub
	logger         Logger
	allowedOrigins []string
	upgrader       websocket.Upgrader

	maxConns   int
	connSlots  chan struct{}
	connLimit  rate.Limit
	connBurst  int
	limiters   sync.Map // remote IP -> *rate.Limiter
	production bool

	mu  sync.Mutex
	srv *http.Server
}

// Option tunes a Server at construction.
type Option func(*Server)

// WithConnLimit caps concurrent WebSocket connections.
func WithConnLimit(n int) Option {
	return func(s *Server) { s.maxConns = n }
}

// WithRateLimit sets the per-IP connection rate. Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.connLimit = rate.Limit(perSecond)
		s.connBurst = burst
	}
}

// WithProduction forbids the "*" origin wildcard.
func WithProduction() Option {
	return func(s *Server) { s.production = true }
}

// NewServer builds an upgrade server in front of hub. Origins are matched
// exactly against scheme://host; "*" admits everything outside production.
func NewServer(hub *Hub, logger Logger, allowedOrigins []string, opts ...Option) *Server {
	s := &Server{
		hub:            hub,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		maxConns:       1000,
		connLimit:      10,
		connBurst:      20,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.connSlots = make(chan struct{}, s.maxConns)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.warn("ws rejected: no origin header", "remote_addr", r.RemoteAddr)
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		s.warn("ws rejected: bad origin", "origin", origin, "error", err)
		return false
	}
	got := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			if s.production {
				wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
				s.warn("ws rejected: wildcard origin disabled in production", "origin", origin)
				return false
			}
			return true
		}
		if got == allowed {
			return true
		}
	}

	wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
	s.warn("ws rejected: origin not allowed", "origin", origin, "remote_addr", r.RemoteAddr)
	return false
}

// Handler returns the upgrade endpoint for mounting on an existing mux.
func (s *Server) Handler() http.HandlerFunc {
	return s.handleUpgrade
}

// Start runs a standalone feed server on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.mu.Lock()
	s.srv = &http.Server{Addr: addr, Handler: mux}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("live feed server starting", "addr", addr)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop shuts the standalone server down. A no-op when only Handler is used.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	if s.logger != nil {
		s.logger.Info("live feed server stopping")
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Rate limits apply before the upgrade consumes resources.
	if s.connLimit > 0 {
		ip := remoteIP(r)
		if !s.limiterFor(ip).Allow() {
			wsRejectedTotal.WithLabelValues("rate_limit").Inc()
			s.warn("ws rejected: connection rate exceeded", "ip", ip)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case s.connSlots <- struct{}{}:
		wsActiveConnections.Inc()
		defer func() {
			<-s.connSlots
			wsActiveConnections.Dec()
		}()
	default:
		wsRejectedTotal.WithLabelValues("connection_limit").Inc()
		s.warn("ws rejected: connection limit reached", "max", s.maxConns)
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(uuid.New().String())
	s.hub.Register(client)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()
}

// writePump drains the client's deliveries onto the wire and keeps the
// connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Deliveries():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.warn("ws write failed", "client_id", client.id, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames. Subscribe/unsubscribe commands adjust
// the client's topics; everything else only resets the read deadline.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.warn("ws read failed", "client_id", client.id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		switch cmd.Op {
		case opSubscribe:
			client.Subscribe(cmd.Topics...)
		case opUnsubscribe:
			client.Unsubscribe(cmd.Topics...)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"dropped": s.hub.Dropped(),
	})
}

// ClientCount reports how many clients the hub currently serves.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) warn(msg string, kv ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, kv...)
	}
}

// remoteIP trusts only RemoteAddr; forwarding headers are spoofable.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	if v, ok := s.limiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}
	lim, _ := s.limiters.LoadOrStore(ip, rate.NewLimiter(s.connLimit, s.connBurst))
	return lim.(*rate.Limiter)
}
