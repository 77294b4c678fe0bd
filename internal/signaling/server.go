package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beaconlabs/beacon/internal/auth"
	"github.com/beaconlabs/beacon/internal/metrics"
	"github.com/beaconlabs/beacon/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the signaling relay.
type Config struct {
	Verifier auth.Verifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Clock drives the per-connection message rate limiter. Nil means wall
	// clock; tests substitute a fake.
	Clock ratelimit.Clock

	// AuthTimeout bounds how long an unauthenticated connection may sit idle
	// before being dropped.
	AuthTimeout time.Duration

	// IdleTimeout closes connections that stop answering pings.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int
	MaxPeers          int

	// AllowedOrigins restricts browser connections by the Origin header.
	// Empty means any origin is accepted.
	AllowedOrigins []string
}

// Server implements the GET /rtc/signal WebSocket endpoint: clients
// authenticate, join the shared room, and every offer/answer/candidate frame
// they send is relayed verbatim to all other connected peers.
type Server struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics
	hub *Hub
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg: cfg,
		log: log,
		m:   cfg.Metrics,
		hub: NewHub(cfg.MaxPeers, cfg.Metrics, log),
	}
}

// Hub exposes the peer room, mainly for observability and tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /rtc/signal", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) verifier() auth.Verifier {
	if s.cfg.Verifier == nil {
		return auth.AllowAllVerifier{}
	}
	return s.cfg.Verifier
}

func (s *Server) clock() ratelimit.Clock {
	if s.cfg.Clock == nil {
		return ratelimit.RealClock{}
	}
	return s.cfg.Clock
}

func (s *Server) authTimeout() time.Duration {
	if s.cfg.AuthTimeout <= 0 {
		return 2 * time.Second
	}
	return s.cfg.AuthTimeout
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.IdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.cfg.IdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.PingInterval <= 0 {
		return 20 * time.Second
	}
	return s.cfg.PingInterval
}

func (s *Server) maxMessageBytes() int64 {
	if s.cfg.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxMessageBytes
}

func (s *Server) messagesPerSecond() int {
	if s.cfg.MessagesPerSecond <= 0 {
		return 50
	}
	return s.cfg.MessagesPerSecond
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &wsPeer{
		srv:  s,
		conn: conn,
		done: make(chan struct{}),
		limiter: ratelimit.NewTokenBucket(
			s.clock(),
			int64(s.messagesPerSecond()),
			int64(s.messagesPerSecond()),
		),
	}
	p.run(r)
}

type wsPeer struct {
	srv  *Server
	conn *websocket.Conn

	limiter *ratelimit.TokenBucket

	principal auth.Principal

	writeMu   sync.Mutex
	joined    bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ sender = (*wsPeer)(nil)

func (p *wsPeer) run(r *http.Request) {
	defer p.Close()

	p.conn.SetReadLimit(p.srv.maxMessageBytes())

	authorized := false
	cred, credErr := auth.CredentialFromRequest(r)
	if credErr == nil {
		principal, err := p.srv.verifier().Verify(cred)
		if err != nil {
			p.srv.m.Inc(metrics.AuthFailure)
			p.fail("unauthorized", "invalid credentials", websocket.ClosePolicyViolation, "unauthorized")
			return
		}
		p.principal = principal
		authorized = true
	} else if !auth.IsMissing(credErr) {
		p.fail("unauthorized", "invalid credentials", websocket.ClosePolicyViolation, "unauthorized")
		return
	} else if principal, err := p.srv.verifier().Verify(""); err == nil {
		// Open mode admits anonymous peers without a handshake.
		p.principal = principal
		authorized = true
	}

	if authorized {
		if !p.join() {
			return
		}
	} else {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.srv.authTimeout()))
	}

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if !authorized && isTimeout(err) {
				p.srv.m.Inc(metrics.AuthFailure)
				p.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		// Apply the rate limit after reading so bytes already buffered by the
		// OS are consumed; closing with unread data risks an abortive close
		// that hides the close reason from the client.
		if !p.limiter.Allow(1) {
			p.srv.m.Inc(metrics.SignalRateLimited)
			p.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			p.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseSignalMessage(data)
		if err != nil {
			p.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !authorized {
			if msg.Type != messageTypeAuth {
				p.srv.m.Inc(metrics.AuthFailure)
				p.fail("unauthorized", "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			principal, err := p.srv.verifier().Verify(msg.Token)
			if err != nil {
				p.srv.m.Inc(metrics.AuthFailure)
				p.fail("unauthorized", "invalid credentials", websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			p.principal = principal
			authorized = true
			_ = p.conn.SetReadDeadline(time.Time{})
			if !p.join() {
				return
			}
			continue
		}

		switch msg.Type {
		case messageTypeAuth:
			// Tolerate a redundant auth from clients that also sent a bearer
			// token on the request.
			continue
		case messageTypeOffer, messageTypeAnswer, messageTypeCandidate:
			p.srv.m.Inc(metrics.SignalMessagesIn)
			p.srv.hub.Broadcast(p, data)
		case messageTypeClose:
			return
		default:
			p.fail("bad_message", fmt.Sprintf("unexpected message type %q", msg.Type), websocket.ClosePolicyViolation, "bad message")
			return
		}
	}
}

// join registers the peer with the hub and starts the keepalive loop. It is
// called exactly once, after authentication succeeds.
func (p *wsPeer) join() bool {
	if err := p.srv.hub.Add(p); err != nil {
		p.fail("too_many_peers", "too many peers", websocket.CloseTryAgainLater, "too many peers")
		return false
	}
	p.joined = true

	idle := p.srv.idleTimeout()
	_ = p.conn.SetReadDeadline(time.Now().Add(idle))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(idle))
	})
	go p.pingLoop()
	return true
}

func (p *wsPeer) pingLoop() {
	ticker := time.NewTicker(p.srv.pingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			p.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (p *wsPeer) deliver(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *wsPeer) disconnect() {
	p.Close()
}

func (p *wsPeer) label() string {
	if p.principal.ID != "" {
		return p.principal.ID
	}
	return p.conn.RemoteAddr().String()
}

func (p *wsPeer) send(msg signalMessage) error {
	data, err := msg.marshal()
	if err != nil {
		return err
	}
	return p.deliver(data)
}

func (p *wsPeer) fail(code, message string, closeCode int, closeReason string) {
	_ = p.send(signalMessage{
		Type:    messageTypeError,
		Code:    code,
		Message: message,
	})
	p.closeWith(closeCode, closeReason)
}

func (p *wsPeer) closeWith(code int, reason string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (p *wsPeer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.joined {
			p.srv.hub.Remove(p)
		}
		_ = p.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
