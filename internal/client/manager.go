// Package client is the initiating side of the relay. A Manager keeps one
// Connection per configured target, each an independent state machine with
// its own heartbeat watchdog and reconnect backoff.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/treykane/approval-relay/internal/events"
	"github.com/treykane/approval-relay/internal/executor"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/pending"
	"github.com/treykane/approval-relay/internal/protocol"
	"github.com/treykane/approval-relay/internal/security"
	"github.com/treykane/approval-relay/internal/util"
	"github.com/treykane/approval-relay/internal/wsconn"
)

var (
	ErrUnknownTarget   = errors.New("unknown target")
	ErrDuplicateTarget = errors.New("target already registered")
	ErrNotConnected    = errors.New("target not connected")
	ErrAuthFailed      = errors.New("authentication rejected")
	ErrRegisterFailed  = errors.New("registration rejected")
	// ErrAborted means a connect attempt lost a race with Disconnect or removal.
	ErrAborted = errors.New("connect aborted")
)

// Config tunes every connection of a Manager. Zero durations take the
// package defaults.
type Config struct {
	ClientID          string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	HandshakeTimeout  time.Duration
	RequestTimeout    time.Duration

	// Sleep waits between reconnect attempts. Tests replace it to observe
	// the backoff schedule.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnConnected runs after each successful handshake.
	OnConnected func(target model.TargetConfig)
}

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.HeartbeatInterval, util.HeartbeatCheckInterval)
	def(&c.HeartbeatTimeout, util.HeartbeatTimeout)
	def(&c.BackoffMin, util.BackoffInitial)
	def(&c.BackoffMax, util.BackoffMax)
	def(&c.HandshakeTimeout, util.HandshakeTimeout)
	def(&c.RequestTimeout, util.RequestTimeout)
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = c.BackoffMin
	}
	if c.ClientID == "" {
		c.ClientID = util.DefaultClientID()
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c
}

// TargetState is one row of Statuses.
type TargetState struct {
	Target   model.TargetConfig     `json:"target"`
	Status   model.ConnectionStatus `json:"status"`
	LastSeen time.Time              `json:"last_seen"`
}

// Manager owns the target connections.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	exec   executor.Executor
	bus    *events.Bus
	dialer *websocket.Dialer
	conns  map[string]*Connection
	wg     sync.WaitGroup
	closed bool
}

// NewManager creates an empty manager. exec answers popup requests that
// arrive from targets; bus may be nil.
func NewManager(cfg Config, exec executor.Executor, bus *events.Bus) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		exec:   exec,
		bus:    bus,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		conns:  make(map[string]*Connection),
	}
}

// Connection is the client-side state of one target.
type Connection struct {
	mu     sync.Mutex
	target model.TargetConfig
	status model.ConnectionStatus

	conn   *wsconn.Conn
	owner  string // pending owner tag of the current socket
	reader context.CancelFunc

	// auto is the auto-reconnect flag: set by a successful connect, cleared by
	// Disconnect and removal. epoch changes with it so an in-flight connect
	// can tell it was overtaken.
	auto    bool
	epoch   uint64
	removed bool

	watchdog     context.CancelFunc
	watchdogID   uint64
	life         context.Context
	cancelLife   context.CancelFunc
	connectMu    sync.Mutex
	backoff      *backoff.Backoff
	pending      *pending.Correlator
	lastSeenSnap time.Time
}

func (c *Connection) source() string { return "target:" + c.target.ID }

// AddTarget registers cfg in the Disconnected state.
func (m *Manager) AddTarget(cfg model.TargetConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("add target: empty id")
	}
	if cfg.Host == "" {
		return fmt.Errorf("add target %s: empty host", cfg.ID)
	}
	if err := util.ValidatePort(cfg.Port); err != nil {
		return fmt.Errorf("add target %s: %w", cfg.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("add target %s: manager closed", cfg.ID)
	}
	if _, ok := m.conns[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, cfg.ID)
	}
	life, cancel := context.WithCancel(context.Background())
	c := &Connection{
		target:     cfg,
		status:     model.ConnectionStatus{State: model.ConnDisconnected},
		life:       life,
		cancelLife: cancel,
		backoff: &backoff.Backoff{
			Min:    m.cfg.BackoffMin,
			Max:    m.cfg.BackoffMax,
			Factor: 2,
			Jitter: false,
		},
		pending: pending.New(),
	}
	m.conns[cfg.ID] = c
	slog.Info("target added", "target", cfg.ID, "addr", cfg.Addr())
	return nil
}

// RemoveTarget disconnects and forgets id. Any backoff wait is cancelled.
func (m *Manager) RemoveTarget(id string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}

	c.mu.Lock()
	c.removed = true
	c.auto = false
	c.epoch++
	conn, owner := c.detachLocked()
	c.stopWatchdogLocked()
	c.cancelLife()
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.CloseNormalClosure, "target removed")
	}
	c.pending.FailOwner(owner, ErrNotConnected)
	slog.Info("target removed", "target", id)
	m.bus.Status(c.source(), "removed", "", events.SeverityInfo)
	return nil
}

// UpdateTarget replaces a target's configuration. The connection restarts
// from Disconnected.
func (m *Manager) UpdateTarget(cfg model.TargetConfig) error {
	if err := m.RemoveTarget(cfg.ID); err != nil && !errors.Is(err, ErrUnknownTarget) {
		return err
	}
	return m.AddTarget(cfg)
}

// Connect performs one connection attempt to id.
func (m *Manager) Connect(ctx context.Context, id string) error {
	c, err := m.get(id)
	if err != nil {
		return err
	}
	return m.connect(ctx, c)
}

// Disconnect disables auto-reconnect first, then tears the socket down.
func (m *Manager) Disconnect(id string) error {
	c, err := m.get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.auto = false
	c.epoch++
	conn, owner := c.detachLocked()
	c.stopWatchdogLocked()
	changed := c.status.State != model.ConnDisconnected
	c.status = model.ConnectionStatus{State: model.ConnDisconnected}
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.CloseNormalClosure, "client disconnect")
	}
	c.pending.FailOwner(owner, ErrNotConnected)
	if changed {
		slog.Info("target disconnected", "target", id)
		m.bus.Status(c.source(), string(model.ConnDisconnected), "", events.SeverityInfo)
	}
	return nil
}

// DisconnectAll disconnects every target.
func (m *Manager) DisconnectAll() {
	for _, id := range m.ids() {
		_ = m.Disconnect(id)
	}
}

// AutoConnect connects every enabled target marked auto_connect. Targets
// that fail their first attempt stay on the reconnect schedule. It returns
// the joined first-attempt errors.
func (m *Manager) AutoConnect(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range m.ids() {
		c, err := m.get(id)
		if err != nil {
			continue
		}
		c.mu.Lock()
		t := c.target
		c.mu.Unlock()
		if !t.Enabled || !t.AutoConnect {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.connect(ctx, c); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", t.ID, err))
				mu.Unlock()
				c.mu.Lock()
				if !c.removed {
					c.auto = true
					m.startWatchdogLocked(c)
				}
				c.mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// SendPopupRequest sends req to id and waits for the answer, bounded by the
// configured request timeout. An empty request id is filled in.
func (m *Manager) SendPopupRequest(ctx context.Context, id string, req protocol.PopupRequest) (string, error) {
	c, err := m.get(id)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	conn, owner := c.conn, c.owner
	connected := c.status.State == model.ConnConnected
	c.mu.Unlock()
	if conn == nil || !connected {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, id)
	}

	if req.RequestID == "" {
		req.RequestID = pending.NewID()
	}
	w, err := c.pending.Register(req.RequestID, owner)
	if err != nil {
		return "", err
	}
	if err := conn.Send(req); err != nil {
		w.Cancel()
		return "", fmt.Errorf("send popup request to %s: %w", id, err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	return w.Wait(ctx)
}

func (m *Manager) Status(id string) (model.ConnectionStatus, error) {
	c, err := m.get(id)
	if err != nil {
		return model.ConnectionStatus{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, nil
}

// Statuses lists every target sorted by id.
func (m *Manager) Statuses() []TargetState {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	out := make([]TargetState, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		st := TargetState{Target: c.target, Status: c.status, LastSeen: c.lastSeenSnap}
		if c.conn != nil {
			st.LastSeen = c.conn.LastSeen()
		}
		c.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target.ID < out[j].Target.ID })
	return out
}

// Close removes every target and waits for background goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	for _, id := range m.ids() {
		_ = m.RemoveTarget(id)
	}
	m.wg.Wait()
}

func (m *Manager) get(id string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return c, nil
}

func (m *Manager) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// connect tears down any previous socket, dials and completes the
// handshake. Attempts on one target are serialized.
func (m *Manager) connect(ctx context.Context, c *Connection) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return ErrAborted
	}
	epoch := c.epoch
	prev, prevOwner := c.detachLocked()
	target := c.target
	c.status = model.ConnectionStatus{State: model.ConnConnecting}
	c.mu.Unlock()

	if prev != nil {
		prev.Close(websocket.CloseNormalClosure, "reconnecting")
		c.pending.FailOwner(prevOwner, ErrNotConnected)
	}
	m.bus.Status(c.source(), string(model.ConnConnecting), "", events.SeverityInfo)
	slog.Info("connecting to target", "target", target.ID, "url", target.URL())

	conn, err := m.dial(ctx, target)
	if err != nil {
		m.fail(c, epoch, err)
		return err
	}

	c.mu.Lock()
	if c.removed || c.epoch != epoch {
		c.mu.Unlock()
		conn.Close(websocket.CloseNormalClosure, "connect aborted")
		return ErrAborted
	}
	readerCtx, cancel := context.WithCancel(c.life)
	c.conn = conn
	c.owner = uuid.NewString()
	c.reader = cancel
	// Each socket gets its own dispatcher: the old reader only waits for
	// executions it started, and only this socket can answer its requests.
	disp := &wsconn.Dispatcher{Executor: m.exec, Pending: c.pending, Owner: c.owner, Component: c.source()}
	c.status = model.ConnectionStatus{State: model.ConnConnected}
	c.auto = true
	c.backoff.Reset()
	m.wg.Add(1)
	go m.read(readerCtx, c, conn, disp)
	m.startWatchdogLocked(c)
	c.mu.Unlock()

	slog.Info("target connected", "target", target.ID)
	m.bus.Status(c.source(), string(model.ConnConnected), "", events.SeverityInfo)
	if m.cfg.OnConnected != nil {
		m.cfg.OnConnected(target)
	}
	return nil
}

// dial opens the socket and runs auth (when the target has a key) or
// register.
func (m *Manager) dial(ctx context.Context, target model.TargetConfig) (*wsconn.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	ws, _, err := m.dialer.DialContext(dctx, target.URL(), nil)
	if err != nil {
		return nil, wsconn.Friendly(err)
	}
	conn := wsconn.New(ws)
	if err := m.handshake(conn, target); err != nil {
		conn.Close(websocket.CloseNormalClosure, "handshake failed")
		return nil, err
	}
	return conn, nil
}

func (m *Manager) handshake(conn *wsconn.Conn, target model.TargetConfig) error {
	var hello protocol.Message = protocol.NewRegister(m.cfg.ClientID)
	if target.APIKey != "" {
		hello = protocol.NewAuth(target.APIKey)
	}
	if err := conn.Send(hello); err != nil {
		return err
	}
	deadline := time.Now().Add(m.cfg.HandshakeTimeout)
	for {
		msg, err := conn.ReadWithin(time.Until(deadline))
		if err != nil {
			return wsconn.Friendly(err)
		}
		switch v := msg.(type) {
		case protocol.AuthResponse:
			if !v.Success {
				return fmt.Errorf("%w: %s", ErrAuthFailed, util.DefaultString(v.Message, "invalid key"))
			}
			return nil
		case protocol.RegisterAck:
			return nil
		case protocol.RegisterError:
			return fmt.Errorf("%w: %s", ErrRegisterFailed, v.Error)
		case protocol.Error:
			return security.Classify(util.DefaultString(v.Message, "rejected by peer"), fmt.Errorf("peer error frame: %s", v.Message))
		default:
			slog.Debug("ignoring message during handshake", "target", target.ID, "type", msg.MessageType())
		}
	}
}

func (m *Manager) fail(c *Connection, epoch uint64, err error) {
	reason := security.UserMessage(err, true)
	c.mu.Lock()
	if c.removed || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.status = model.ConnectionStatus{State: model.ConnError, Reason: reason}
	c.mu.Unlock()
	slog.Warn("target connect failed", "target", c.target.ID, "error", security.DebugMessage(err))
	m.bus.Status(c.source(), string(model.ConnError), reason, events.SeverityWarn)
}

// read is the single reader of conn. It ends when the socket fails or is
// closed; only the current socket may change the connection status.
func (m *Manager) read(ctx context.Context, c *Connection, conn *wsconn.Conn, disp *wsconn.Dispatcher) {
	defer m.wg.Done()
	for {
		msg, err := conn.Read()
		if err != nil {
			var perr *wsconn.ProtocolError
			if errors.As(err, &perr) {
				slog.Warn("dropping malformed frame", "target", c.target.ID, "error", perr.Err, "raw", perr.Raw)
				continue
			}
			m.readerDone(c, conn, err)
			disp.Wait()
			return
		}
		if disp.Handle(ctx, conn, msg) {
			continue
		}
		switch v := msg.(type) {
		case protocol.AuthResponse:
			slog.Info("auth response", "target", c.target.ID, "success", v.Success, "message", v.Message)
		case protocol.Error:
			slog.Warn("error from target", "target", c.target.ID, "message", v.Message)
			m.bus.Log(c.source(), events.SeverityWarn, v.Message)
		default:
			slog.Debug("dropping unexpected message", "target", c.target.ID, "type", msg.MessageType())
		}
	}
}

func (m *Manager) readerDone(c *Connection, conn *wsconn.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	_, owner := c.detachLocked()
	var st model.ConnectionStatus
	sev := events.SeverityInfo
	if wsconn.IsClose(err) {
		st = model.ConnectionStatus{State: model.ConnDisconnected}
	} else {
		st = model.ConnectionStatus{State: model.ConnError, Reason: security.UserMessage(wsconn.Friendly(err), true)}
		sev = events.SeverityWarn
	}
	c.status = st
	c.mu.Unlock()

	conn.Close(websocket.CloseNormalClosure, "")
	c.pending.FailOwner(owner, ErrNotConnected)
	slog.Info("target connection ended", "target", c.target.ID, "status", st.String())
	m.bus.Status(c.source(), string(st.State), st.Reason, sev)
}

// detachLocked drops the current socket and cancels its reader. The caller
// closes the returned conn outside the lock.
func (c *Connection) detachLocked() (*wsconn.Conn, string) {
	conn, owner := c.conn, c.owner
	if c.reader != nil {
		c.reader()
		c.reader = nil
	}
	if conn != nil {
		c.lastSeenSnap = conn.LastSeen()
	}
	c.conn = nil
	c.owner = ""
	return conn, owner
}

func (c *Connection) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog()
		c.watchdog = nil
	}
}

// startWatchdogLocked starts the target's watchdog unless one is running.
func (m *Manager) startWatchdogLocked(c *Connection) {
	if c.watchdog != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.life)
	c.watchdogID++
	c.watchdog = cancel
	m.wg.Add(1)
	go m.watch(ctx, c, c.watchdogID)
}

// watch checks the connection every heartbeat interval. A stale Connected
// socket is failed with "heartbeat timeout"; a Disconnected or Error
// connection is reconnected with backoff. It exits once auto-reconnect is
// off or the target is gone.
func (m *Manager) watch(ctx context.Context, c *Connection, id uint64) {
	defer m.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.watchdogID == id && c.watchdog != nil {
			c.watchdog()
			c.watchdog = nil
		}
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if !c.auto || c.removed {
			c.mu.Unlock()
			return
		}
		state, conn := c.status.State, c.conn
		c.mu.Unlock()

		switch state {
		case model.ConnConnected:
			if conn == nil {
				continue
			}
			if time.Since(conn.LastSeen()) > m.cfg.HeartbeatTimeout {
				m.expire(c, conn)
				m.reconnect(ctx, c)
				continue
			}
			if err := conn.Ping(); err != nil {
				slog.Debug("ping failed", "target", c.target.ID, "error", err)
			}
		case model.ConnDisconnected, model.ConnError:
			m.reconnect(ctx, c)
		}
	}
}

// expire fails conn after a heartbeat timeout.
func (m *Manager) expire(c *Connection, conn *wsconn.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	_, owner := c.detachLocked()
	st := model.ConnectionStatus{State: model.ConnError, Reason: "heartbeat timeout"}
	c.status = st
	c.mu.Unlock()

	conn.Close(websocket.CloseGoingAway, "heartbeat timeout")
	c.pending.FailOwner(owner, ErrNotConnected)
	slog.Warn("target heartbeat timeout", "target", c.target.ID, "last_seen", conn.LastSeen())
	m.bus.Status(c.source(), string(st.State), st.Reason, events.SeverityWarn)
}

// reconnect retries connect until it succeeds, auto-reconnect is disabled,
// or ctx ends. The delay doubles per failure up to BackoffMax and resets on
// success.
func (m *Manager) reconnect(ctx context.Context, c *Connection) {
	for {
		c.mu.Lock()
		if !c.auto || c.removed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		err := m.connect(ctx, c)
		if err == nil || errors.Is(err, ErrAborted) {
			return
		}

		c.mu.Lock()
		delay := c.backoff.Duration()
		c.mu.Unlock()
		slog.Info("reconnect scheduled", "target", c.target.ID, "delay", delay, "error", security.UserMessage(err, true))
		if err := m.cfg.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
