// Package hub is the accepting side of the relay. It upgrades inbound HTTP
// connections to WebSockets, requires every session to authenticate with the
// pre-shared key, keeps authenticated sessions alive with pings, and routes
// popup requests to the most recently authenticated session.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/treykane/approval-relay/internal/events"
	"github.com/treykane/approval-relay/internal/executor"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/pending"
	"github.com/treykane/approval-relay/internal/protocol"
	"github.com/treykane/approval-relay/internal/security"
	"github.com/treykane/approval-relay/internal/util"
	"github.com/treykane/approval-relay/internal/wsconn"
)

const source = "hub"

var (
	ErrNoSessions    = errors.New("no authenticated session")
	ErrSessionClosed = errors.New("session closed before answering")
)

// Config controls the server role.
type Config struct {
	Listen         string
	Port           int
	APIKey         string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	AuthTimeout    time.Duration
	RequestTimeout time.Duration
	// FallbackLocal lets Dispatch run the executor here when no session is
	// authenticated.
	FallbackLocal bool
}

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.PingInterval, util.PingInterval)
	def(&c.PongTimeout, util.PongTimeout)
	def(&c.AuthTimeout, util.AuthTimeout)
	def(&c.RequestTimeout, util.RequestTimeout)
	if c.Port == 0 {
		c.Port = util.DefaultPort
	}
	return c
}

// Hub tracks inbound sessions. The zero value is not usable; use New.
type Hub struct {
	cfg      Config
	exec     executor.Executor
	bus      *events.Bus
	pending  *pending.Correlator
	metrics  *Collector
	registry *prometheus.Registry
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	running  bool
	addr     string
	started  time.Time
	wg       sync.WaitGroup
}

type session struct {
	id          string
	conn        *wsconn.Conn
	remote      string
	connectedAt time.Time
	dispatcher  *wsconn.Dispatcher
	ctx         context.Context
	cancel      context.CancelFunc

	mu        sync.Mutex
	auth      model.AuthStatus
	authAt    time.Time
	clientID  string
	authTimer *time.Timer
}

func (s *session) authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth == model.Authenticated
}

func (s *session) info() model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SessionInfo{
		ID:          s.id,
		ClientID:    s.clientID,
		RemoteAddr:  s.remote,
		Auth:        s.auth,
		ConnectedAt: s.connectedAt,
		LastPong:    s.conn.LastSeen(),
	}
}

// New builds a hub. exec answers popup requests sent by sessions and backs
// the local fallback; bus may be nil.
func New(cfg Config, exec executor.Executor, bus *events.Bus) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		exec:     exec,
		bus:      bus,
		pending:  pending.New(),
		registry: prometheus.NewRegistry(),
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: util.HandshakeTimeout,
			// Peers are CLI programs and reverse tunnels, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	h.metrics = NewMetricsCollector(h)
	h.registry.MustRegister(h.metrics)
	if cfg.APIKey != "" {
		security.RegisterSecret(cfg.APIKey)
	}
	h.engine = h.newEngine()
	return h
}

// Engine returns the gin engine serving the hub, so callers can mount
// extra routes before serving.
func (h *Hub) Engine() *gin.Engine { return h.engine }

// Registry is the prometheus registry exposed on /metrics.
func (h *Hub) Registry() *prometheus.Registry { return h.registry }

// ListenAndServe listens on the configured address and serves until ctx ends.
func (h *Hub) ListenAndServe(ctx context.Context) error {
	addr := util.ListenAddr(h.cfg.Listen, h.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return h.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then closes every session.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: h.engine, ReadHeaderTimeout: util.HandshakeTimeout}

	h.mu.Lock()
	h.running = true
	h.addr = ln.Addr().String()
	h.started = time.Now()
	h.mu.Unlock()
	if h.cfg.APIKey == "" {
		slog.Warn("hub has no api key configured; every connection will be refused")
		h.bus.Log(source, events.SeverityWarn, "no api key configured: refusing all connections")
	}
	slog.Info("hub listening", "addr", h.addr)
	h.bus.Status(source, "running", h.addr, events.SeverityInfo)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	h.wg.Add(1)
	go h.heartbeat(sweepCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
		<-errCh
	case err = <-errCh:
	}
	stopSweep()
	h.closeSessions()
	h.wg.Wait()

	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
	h.bus.Status(source, "stopped", "", events.SeverityInfo)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeWS upgrades one connection and runs its session until it ends.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := wsconn.New(ws)
	h.metrics.connectionAccepted()

	if h.cfg.APIKey == "" {
		h.metrics.authFailure("no_key")
		_ = conn.Send(protocol.NewError("server has no api key configured; connection refused"))
		conn.Close(websocket.ClosePolicyViolation, "no credential configured")
		slog.Warn("refused connection: no api key configured", "remote", r.RemoteAddr)
		return
	}

	s := h.addSession(conn, r.RemoteAddr)
	s.mu.Lock()
	s.authTimer = time.AfterFunc(h.cfg.AuthTimeout, func() { h.authExpired(s) })
	s.mu.Unlock()

	h.run(s)
	h.removeSession(s)
	s.dispatcher.Wait()
}

func (h *Hub) addSession(conn *wsconn.Conn, remote string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          uuid.NewString(),
		conn:        conn,
		remote:      remote,
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		auth:        model.Unauthenticated,
	}
	s.dispatcher = &wsconn.Dispatcher{Executor: h.exec, Pending: h.pending, Owner: s.id, Component: source}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	slog.Info("session opened", "session", s.id, "remote", remote)
	h.bus.Publish(events.Event{Source: source, Kind: events.KindSession, State: "opened", Message: remote})
	return s
}

func (h *Hub) removeSession(s *session) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.mu.Unlock()
	s.cancel()
	s.conn.Close(websocket.CloseNormalClosure, "")
	if n := h.pending.FailOwner(s.id, ErrSessionClosed); n > 0 {
		slog.Warn("session closed with requests in flight", "session", s.id, "requests", n)
	}
	slog.Info("session closed", "session", s.id, "remote", s.remote)
	h.bus.Publish(events.Event{Source: source, Kind: events.KindSession, State: "closed", Message: s.remote})
}

// run reads frames in arrival order until the socket ends.
func (h *Hub) run(s *session) {
	for {
		msg, err := s.conn.Read()
		if err != nil {
			var perr *wsconn.ProtocolError
			if errors.As(err, &perr) {
				h.protocolError(s, perr)
				continue
			}
			if !wsconn.IsClose(err) {
				slog.Debug("session read ended", "session", s.id, "error", err)
			}
			return
		}
		if !h.handle(s, msg) {
			return
		}
	}
}

func (h *Hub) protocolError(s *session, perr *wsconn.ProtocolError) {
	slog.Warn("dropping malformed frame", "session", s.id, "error", perr.Err, "raw", perr.Raw)
	if perr.Type == protocol.TypeRegister && s.authenticated() && errors.Is(perr, protocol.ErrMissingField) {
		_ = s.conn.Send(protocol.NewRegisterError("client_id is required"))
	}
}

// handle processes one message and reports whether the session continues.
func (h *Hub) handle(s *session, msg protocol.Message) bool {
	if auth, ok := msg.(protocol.Auth); ok {
		return h.authenticate(s, auth)
	}
	if !s.authenticated() {
		_ = s.conn.Send(protocol.NewError("please authenticate first"))
		return true
	}
	if s.dispatcher.Handle(s.ctx, s.conn, msg) {
		return true
	}
	switch v := msg.(type) {
	case protocol.Register:
		h.register(s, v)
	default:
		slog.Debug("dropping unexpected message", "session", s.id, "type", msg.MessageType())
	}
	return true
}

// authenticate checks the key on every auth frame, including a repeat on an
// authenticated session; a wrong key ends the session either way.
func (h *Hub) authenticate(s *session, msg protocol.Auth) bool {
	if !security.CredentialsMatch(h.cfg.APIKey, msg.APIKey) {
		h.metrics.authFailure("mismatch")
		_ = s.conn.Send(protocol.NewAuthResponse(false, "invalid api key"))
		_ = s.conn.Send(protocol.NewError("authentication failed"))
		s.conn.Close(websocket.ClosePolicyViolation, "authentication failed")
		slog.Warn("session failed authentication", "session", s.id, "remote", s.remote)
		h.bus.Log(source, events.SeverityWarn, "authentication failed from "+s.remote)
		return false
	}
	if s.authenticated() {
		_ = s.conn.Send(protocol.NewAuthResponse(true, "already authenticated"))
		return true
	}

	s.mu.Lock()
	s.auth = model.Authenticated
	s.authAt = time.Now()
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	s.mu.Unlock()
	s.conn.Touch()

	if err := s.conn.Send(protocol.NewAuthResponse(true, "authenticated")); err != nil {
		slog.Warn("failed to confirm authentication", "session", s.id, "error", err)
		return false
	}
	slog.Info("session authenticated", "session", s.id, "remote", s.remote)
	h.bus.Publish(events.Event{Source: source, Kind: events.KindSession, State: string(model.Authenticated), Message: s.remote})
	return true
}

func (h *Hub) authExpired(s *session) {
	if s.authenticated() {
		return
	}
	h.metrics.authFailure("timeout")
	slog.Warn("session did not authenticate in time", "session", s.id, "remote", s.remote)
	_ = s.conn.Send(protocol.NewError("authentication timeout"))
	s.conn.Close(websocket.ClosePolicyViolation, "authentication timeout")
}

// register names the session. An older session announcing the same client
// id is closed in favour of the new one.
func (h *Hub) register(s *session, msg protocol.Register) {
	if msg.ClientID == "" {
		_ = s.conn.Send(protocol.NewRegisterError("client_id is required"))
		return
	}
	var replaced []*session
	h.mu.Lock()
	for _, other := range h.sessions {
		if other == s {
			continue
		}
		other.mu.Lock()
		if other.clientID == msg.ClientID {
			replaced = append(replaced, other)
		}
		other.mu.Unlock()
	}
	h.mu.Unlock()
	for _, other := range replaced {
		slog.Info("replacing session with duplicate client id", "client_id", msg.ClientID, "old", other.id, "new", s.id)
		other.conn.Close(websocket.CloseNormalClosure, "replaced by a newer connection")
	}

	s.mu.Lock()
	s.clientID = msg.ClientID
	s.mu.Unlock()
	_ = s.conn.Send(protocol.NewRegisterAck("registered as " + msg.ClientID))
}

// heartbeat pings authenticated sessions every PingInterval.
func (h *Hub) heartbeat(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep drops authenticated sessions whose last pong is older than
// PongTimeout or that cannot be pinged. Unauthenticated sessions are left to
// the auth timeout.
func (h *Hub) sweep() {
	now := time.Now()
	for _, s := range h.snapshot() {
		if !s.authenticated() {
			continue
		}
		if idle := now.Sub(s.conn.LastSeen()); idle > h.cfg.PongTimeout {
			slog.Warn("session heartbeat timeout", "session", s.id, "idle", idle)
			h.metrics.heartbeatDrop()
			s.conn.Close(websocket.CloseGoingAway, "heartbeat timeout")
			h.removeSession(s)
			continue
		}
		if err := s.conn.Ping(); err != nil {
			slog.Warn("session ping failed", "session", s.id, "error", err)
			h.metrics.heartbeatDrop()
			s.conn.Close(websocket.CloseGoingAway, "ping failed")
			h.removeSession(s)
		}
	}
}

func (h *Hub) snapshot() []*session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *Hub) closeSessions() {
	for _, s := range h.snapshot() {
		s.conn.Close(websocket.CloseGoingAway, "server shutting down")
		h.removeSession(s)
	}
}

// pick returns the most recently authenticated session.
func (h *Hub) pick() *session {
	var best *session
	var bestAt time.Time
	for _, s := range h.snapshot() {
		s.mu.Lock()
		ok := s.auth == model.Authenticated
		at := s.authAt
		s.mu.Unlock()
		if ok && (best == nil || at.After(bestAt)) {
			best, bestAt = s, at
		}
	}
	return best
}

// SendPopupRequest forwards req to the most recently authenticated session
// and waits for its answer, bounded by the request timeout. An empty request
// id is filled in.
func (h *Hub) SendPopupRequest(ctx context.Context, req protocol.PopupRequest) (string, error) {
	s := h.pick()
	if s == nil {
		h.metrics.request("no_session", 0)
		return "", ErrNoSessions
	}
	if req.RequestID == "" {
		req.RequestID = pending.NewID()
	}
	w, err := h.pending.Register(req.RequestID, s.id)
	if err != nil {
		return "", err
	}
	start := time.Now()
	if err := s.conn.Send(req); err != nil {
		w.Cancel()
		h.metrics.request("send_failed", 0)
		return "", fmt.Errorf("send popup request: %w", err)
	}
	slog.Info("popup request sent", "request_id", req.RequestID, "session", s.id)
	h.bus.Publish(events.Event{Source: source, Kind: events.KindRequest, State: "sent", Message: req.RequestID})

	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()
	resp, err := w.Wait(ctx)
	switch {
	case err == nil:
		h.metrics.request("answered", time.Since(start))
	case errors.Is(err, pending.ErrTimeout):
		h.metrics.request("timeout", time.Since(start))
	default:
		h.metrics.request("failed", time.Since(start))
	}
	return resp, err
}

// DispatchResult says who answered a dispatched request.
type DispatchResult struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
	Via       string `json:"via"`
}

const (
	ViaSession = "session"
	ViaLocal   = "local"
)

// Dispatch sends req to a session, or runs the executor locally when no
// session is authenticated and FallbackLocal is set.
func (h *Hub) Dispatch(ctx context.Context, req protocol.PopupRequest) (DispatchResult, error) {
	if req.RequestID == "" {
		req.RequestID = pending.NewID()
	}
	resp, err := h.SendPopupRequest(ctx, req)
	if err == nil {
		return DispatchResult{RequestID: req.RequestID, Response: resp, Via: ViaSession}, nil
	}
	if !errors.Is(err, ErrNoSessions) || !h.cfg.FallbackLocal || h.exec == nil {
		return DispatchResult{RequestID: req.RequestID}, err
	}
	slog.Info("no session connected; answering locally", "request_id", req.RequestID)
	resp, err = h.exec.Execute(ctx, req)
	if err != nil {
		return DispatchResult{RequestID: req.RequestID}, err
	}
	return DispatchResult{RequestID: req.RequestID, Response: resp, Via: ViaLocal}, nil
}

// Status reports the hub's outward state.
func (h *Hub) Status() model.HubStatus {
	sessions := h.snapshot()
	st := model.HubStatus{
		Sessions:       len(sessions),
		PendingCount:   h.pending.Len(),
		CredentialSet:  h.cfg.APIKey != "",
		RequestTimeout: int(h.cfg.RequestTimeout / time.Second),
	}
	for _, s := range sessions {
		if s.authenticated() {
			st.Authenticated++
		}
	}
	h.mu.Lock()
	st.Running = h.running
	st.Address = h.addr
	if h.running {
		st.UptimeSec = int64(time.Since(h.started).Seconds())
	}
	h.mu.Unlock()
	return st
}

// Sessions lists sessions, oldest first.
func (h *Hub) Sessions() []model.SessionInfo {
	sessions := h.snapshot()
	out := make([]model.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
