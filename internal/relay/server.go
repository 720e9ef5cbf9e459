package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/sigrelay/internal/graceful"
	"github.com/philsphicas/sigrelay/internal/metrics"
)

const (
	// DefaultAddr matches the port the peers are configured with.
	DefaultAddr = ":8888"
	// DefaultMaxMessageSize bounds a single signalling message. SDP offers
	// with many candidates run to tens of kilobytes, well past the
	// websocket package's 32 KiB default.
	DefaultMaxMessageSize = 1 << 20

	// Subprotocol is offered during the upgrade. Browser peers open the
	// socket with it and fail the handshake if the server does not echo it.
	Subprotocol = "json"

	// QueryParam carries the role label on the upgrade request.
	QueryParam = "client_id"

	// DefaultPingInterval and DefaultPingTimeout drive the keepalive. A
	// peer that misses a pong is dropped and its role slot released.
	DefaultPingInterval = 30 * time.Second
	DefaultPingTimeout  = 10 * time.Second
)

// Config holds relay server configuration.
type Config struct {
	Addr           string
	MaxMessageSize int64
	MaxConnections int // 0 = unlimited
	PingInterval   time.Duration
	PingTimeout    time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional; nil disables metrics

	// OriginPatterns lists extra host patterns allowed to open the socket
	// from a browser (see websocket.AcceptOptions). Same-host origins are
	// always allowed.
	OriginPatterns []string
}

func (cfg *Config) setDefaults() {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// Server accepts peer WebSocket connections and dispatches their events
// into a Relay.
type Server struct {
	relay *Relay
	cfg   Config
	mux   *http.ServeMux
	sem   *connSemaphore
	conns sync.WaitGroup
}

// NewServer returns a Server dispatching into r.
func NewServer(r *Relay, cfg Config) *Server {
	cfg.setDefaults()
	s := &Server{
		relay: r,
		cfg:   cfg,
		mux:   http.NewServeMux(),
		sem:   newConnSemaphore(cfg.MaxConnections),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("/", s.handleSignal)
	return s
}

// Relay returns the relay the server dispatches into.
func (s *Server) Relay() *Relay { return s.relay }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":    true,
		"roles": s.relay.Snapshot(),
	})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	s.conns.Add(1)
	defer s.conns.Done()

	logger := s.cfg.Logger
	label := r.URL.Query().Get(QueryParam)

	if !s.sem.tryAcquire() {
		logger.Warn("max connections reached, refusing peer", "remote", r.RemoteAddr, "client_id", label)
		s.cfg.Metrics.AdmissionError(metrics.ReasonTooManyConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.release()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		s.cfg.Metrics.AdmissionError(metrics.ReasonUpgradeFailed)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &wsConn{ctx: ctx, ws: ws}
	role, err := s.relay.Admit(label, conn)
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer s.relay.OnClose(role, conn)

	tracker := s.cfg.Metrics.ConnectionOpened(role.String())
	start := time.Now()
	defer func() { tracker.Done(time.Since(start).Seconds()) }()

	logger = logger.With("role", role, "remote", r.RemoteAddr)
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	go keepalive(ctx, ws, s.cfg.PingInterval, s.cfg.PingTimeout, logger, cancel)

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if isNormalClose(err) || ctx.Err() != nil {
				logger.Debug("peer disconnected", "error", err)
			} else {
				logger.Info("peer connection lost", "error", err)
			}
			return
		}
		s.relay.OnMessage(role, Message{Type: typ, Data: data})
	}
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully and waits for peer handlers to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler: s,
		// Peer sockets are long-lived; only the header read is bounded.
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.cfg.Logger.Info("signalling server listening", "addr", ln.Addr())
	if err := graceful.Serve(ctx, srv, ln, 0); err != nil {
		return err
	}
	// Hijacked peer connections are not tracked by http.Server; their
	// request contexts derive from ctx so they are already unwinding.
	s.conns.Wait()
	return nil
}

// ListenAndServe binds cfg.Addr and serves a fresh Relay on it. It blocks
// until ctx is cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	cfg.setDefaults()
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	s := NewServer(New(cfg.Logger, cfg.Metrics), cfg)
	return s.Serve(ctx, ln)
}

// wsConn adapts a peer WebSocket to Conn. Writes are bound to the
// connection's own lifetime rather than the sender's, so a departing
// source cannot abort a write to the target midway.
type wsConn struct {
	ctx context.Context
	ws  *websocket.Conn
}

func (c *wsConn) Send(msg Message) error {
	return c.ws.Write(c.ctx, msg.Type, msg.Data)
}

// keepalive pings the peer periodically. A failed ping cancels the
// connection so its read loop exits and the role slot is released.
func keepalive(ctx context.Context, ws *websocket.Conn, interval, timeout time.Duration, logger *slog.Logger, cancel context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, timeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				logger.Warn("ping failed, dropping peer", "error", err)
				cancel()
				return
			}
		}
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
