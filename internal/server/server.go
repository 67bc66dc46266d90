// Package server accepts TCP clients, upgrades them to WebSockets and wires
// every established connection into the pub/sub fanout.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/b-xiang/redis-websocket-pubsub/internal/pubsub"
)

// Server owns the listening socket, the connection registry and the fanout
// manager.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics
	registry *prometheus.Registry
	fanout   *pubsub.Manager
	mux      *chi.Mux

	allowedOrigins  []string
	allowAllOrigins bool

	baseCtx context.Context

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// New constructs a Server with routes configured on top of the given broker.
func New(cfg Config, logger *slog.Logger, broker pubsub.Broker) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	registry := prometheus.NewRegistry()
	srv := &Server{
		cfg:            cfg,
		logger:         logger,
		metrics:        newMetrics(registry),
		registry:       registry,
		fanout:         pubsub.NewManager(broker, logger),
		mux:            chi.NewRouter(),
		allowedOrigins: cfg.AllowedOrigins,
		baseCtx:        context.Background(),
		conns:          make(map[*conn]struct{}),
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			srv.allowAllOrigins = true
		}
	}

	srv.routes()
	return srv, nil
}

// Router exposes the HTTP surface, primarily for tests.
func (s *Server) Router() http.Handler {
	return s.mux
}

// HandleBrokerMessage is the broker's inbound message callback; it fans the
// payload out to every locally subscribed connection.
func (s *Server) HandleBrokerMessage(channel string, payload []byte) {
	sent := s.fanout.HandleMessage(channel, payload)
	s.metrics.fanoutMessages.Add(float64(sent))
}

func (s *Server) routes() {
	s.mux.Use(s.loggingMiddleware)
	s.mux.Get("/healthz", s.handleHealth)
	s.mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.mux.Get("/*", s.handleWebSocket)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rw.status), slog.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Hijack allows the WebSocket handler to take over the connection through the
// wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && s.matchOrigin(origin) == "" {
		s.metrics.handshakesTotal.WithLabelValues(strconv.Itoa(http.StatusForbidden)).Inc()
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	logger := s.logger.With(slog.String("conn", uuid.NewString()), slog.String("peer", r.RemoteAddr))
	c := newConn(s, logger)

	status, header := c.engine.AcceptHTTPRequest(r)
	if cookie := r.Header.Get("Cookie"); cookie != "" {
		header.Set("Cookie", cookie)
	}
	s.metrics.handshakesTotal.WithLabelValues(strconv.Itoa(status)).Inc()

	if status != http.StatusSwitchingProtocols {
		logger.Warn("websocket upgrade rejected", slog.Int("status", status))
		for key, vals := range header {
			w.Header()[key] = vals
		}
		w.WriteHeader(status)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket not supported", http.StatusInternalServerError)
		return
	}
	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		logger.Error("hijack failed", slog.String("error", err.Error()))
		return
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n"
	for key, vals := range header {
		response += key + ": " + strings.Join(vals, ", ") + "\r\n"
	}
	response += "\r\n"

	if _, err := bufrw.WriteString(response); err != nil {
		logger.Error("write handshake", slog.String("error", err.Error()))
		netConn.Close()
		return
	}
	if err := bufrw.Flush(); err != nil {
		logger.Error("flush handshake", slog.String("error", err.Error()))
		netConn.Close()
		return
	}

	c.attach(netConn, bufrw.Reader)
	s.register(c)
	defer c.destroy()

	logger.Info("websocket established")
	go c.pingLoop()

	// Block in the read loop so cleanup executes reliably.
	c.readLoop()
}

func (s *Server) matchOrigin(origin string) string {
	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return allowed
		}
	}
	if s.allowAllOrigins {
		return "*"
	}
	return ""
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	peers := len(s.conns)
	s.mu.Unlock()

	s.metrics.connectionsActive.Inc()
	s.logger.Info("connection registered", slog.Int("peers", peers))
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	_, present := s.conns[c]
	delete(s.conns, c)
	peers := len(s.conns)
	s.mu.Unlock()

	if present {
		s.metrics.connectionsActive.Dec()
		s.logger.Info("connection removed", slog.Int("peers", peers))
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.destroy()
	}
}

// Run binds the listening socket and serves until ctx is cancelled. A bind
// failure is returned immediately so the caller can exit non-zero.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr(), err)
	}
	if s.cfg.TLS {
		tlsCfg, err := s.cfg.TLSConfig()
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	httpSrv := &http.Server{Handler: s.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		s.closeConns()
	}()

	s.logger.Info("starting server", slog.String("addr", s.cfg.Addr()), slog.Bool("tls", s.cfg.TLS))
	if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
