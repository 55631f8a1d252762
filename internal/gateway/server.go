package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openchat/gateway/internal/limits"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Server-side ping cadence on the write pump. Client liveness is
	// sweep-driven; these pings keep intermediaries from idling the
	// TCP path out.
	pingPeriod = 25 * time.Second
)

// ServerConfig tunes the transport layer.
type ServerConfig struct {
	Addr string

	// ReadTimeout bounds one blocking read. Set a bit above the
	// gateway connection timeout so the sweep, not the socket, decides
	// liveness.
	ReadTimeout time.Duration
}

// Server terminates WebSocket transports and feeds frames into the
// gateway. The gateway itself is transport-agnostic; everything
// WebSocket-specific lives here.
type Server struct {
	config  ServerConfig
	logger  zerolog.Logger
	gateway *Gateway
	guard   *limits.ResourceGuard

	listener     net.Listener
	httpServer   *http.Server
	shuttingDown atomic.Bool
	startedAt    time.Time
}

// NewServer wires the transport around an assembled gateway. guard may
// be nil to disable overload protection.
func NewServer(config ServerConfig, g *Gateway, guard *limits.ResourceGuard, logger zerolog.Logger) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 90 * time.Second
	}
	return &Server{
		config:  config,
		logger:  logger.With().Str("component", "server").Logger(),
		gateway: g,
		guard:   guard,
	}
}

// Start begins listening and serving. Non-blocking.
func (s *Server) Start() error {
	if err := s.gateway.Start(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}
	s.startedAt = time.Now()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Str("server_identity", s.gateway.Identity()).
		Msg("Gateway server listening")
	return nil
}

// Addr returns the bound listen address (useful when Addr was ":0").
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown drains the server: stop accepting, tear down the gateway,
// close the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.gateway.Stop()
	if s.guard != nil {
		s.guard.Stop()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.guard != nil {
		if ok, reason := s.guard.ShouldAccept(); !ok {
			s.logger.Warn().
				Str("client_ip", clientIP).
				Str("reason", reason).
				Msg("Connection rejected by resource guard")
			http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Msg("WebSocket upgrade failed")
		return
	}

	conn, err := s.gateway.OnConnect(netConn, clientIP)
	if err != nil {
		// OnConnect already closed the transport; admission rejections
		// leave no record behind.
		s.logger.Warn().
			Err(err).
			Str("client_ip", clientIP).
			Msg("Connection refused after upgrade")
		return
	}

	go s.writePump(conn)
	go s.readPump(conn)
}

// readPump reads frames from the transport until it fails, feeding each
// into the gateway dispatch. The deferred disconnect makes transport
// close and forced disconnect converge on the same cleanup.
func (s *Server) readPump(c *Conn) {
	defer s.gateway.Disconnect(c, DisconnectReasonReadError)

	ctx := context.Background()

	for {
		c.netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		msg, op, err := wsutil.ReadClientData(c.netConn)
		if err != nil {
			return
		}

		switch op {
		case ws.OpText:
			s.gateway.HandleFrame(ctx, c, msg)
		case ws.OpPing:
			// wsutil answers pings itself; still counts as liveness.
			c.Touch()
		case ws.OpClose:
			return
		}
	}
}

// writePump drains the send buffer, batching queued frames behind one
// flush to cut syscalls, and pings the peer periodically.
func (s *Server) writePump(c *Conn) {
	writer := bufio.NewWriter(c.netConn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.gateway.Disconnect(c, DisconnectReasonWriteError)
				return
			}

			// Batch whatever else is queued before flushing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.gateway.Disconnect(c, DisconnectReasonWriteError)
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.gateway.Disconnect(c, DisconnectReasonWriteError)
				return
			}

		case <-ticker.C:
			c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.netConn, ws.OpPing, nil); err != nil {
				s.gateway.Disconnect(c, DisconnectReasonWriteError)
				return
			}

		case <-c.done:
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"status":          "healthy",
		"server_identity": s.gateway.Identity(),
		"connections":     s.gateway.Registry().Size(),
		"users_online":    s.gateway.Presence().OnlineCount(),
		"acks_pending":    s.gateway.Acks().PendingCount(),
		"bus_connected":   s.gateway.bus.Connected(),
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// clientIP extracts the admission-control source address, preferring
// X-Forwarded-For when a load balancer fronts the gateway.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
