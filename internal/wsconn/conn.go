// Package wsconn is the connection abstraction shared by the hub (acceptor)
// and the client manager (initiator). It wraps a gorilla WebSocket with
// serialized writes, liveness tracking and protocol-aware reads, and
// Dispatcher handles the popup traffic both roles exchange.
package wsconn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/treykane/approval-relay/internal/protocol"
	"github.com/treykane/approval-relay/internal/util"
)

// Conn is one live socket. Reads must come from a single goroutine; every
// write, including pings and pongs, goes through writeMu.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	lastSeen  atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

// New wraps ws. Any inbound frame, ping or pong counts as liveness.
func New(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, done: make(chan struct{})}
	c.Touch()
	ws.SetPingHandler(func(appData string) error {
		c.Touch()
		c.writeMu.Lock()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(util.WriteWait))
		c.writeMu.Unlock()
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	ws.SetPongHandler(func(string) error {
		c.Touch()
		return nil
	})
	return c
}

// Touch records liveness now.
func (c *Conn) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen is the time of the last inbound frame, ping or pong.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Send writes one JSON message as a text frame.
func (c *Conn) Send(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(util.WriteWait)); err != nil {
		return Friendly(err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return Friendly(err)
	}
	return nil
}

// Ping sends a protocol-level ping control frame.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(util.WriteWait)); err != nil {
		return Friendly(err)
	}
	return nil
}

// Read blocks for the next application message. Control frames are handled
// inside gorilla's read loop. A frame that fails to decode is returned as a
// *ProtocolError so the caller can log it and keep reading; any other error
// means the socket is finished.
func (c *Conn) Read() (protocol.Message, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.Touch()
		if kind != websocket.TextMessage {
			continue
		}
		m, err := protocol.Decode(data)
		if err != nil {
			return nil, &ProtocolError{Err: err, Type: protocol.PeekType(data), Raw: truncateRaw(data)}
		}
		return m, nil
	}
}

// ReadWithin reads one message under a deadline, for handshakes.
func (c *Conn) ReadWithin(d time.Duration) (protocol.Message, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	defer c.ws.SetReadDeadline(time.Time{})
	for {
		m, err := c.Read()
		var perr *ProtocolError
		if errors.As(err, &perr) {
			continue
		}
		return m, err
	}
}

// Close sends a best-effort close frame with code and reason, then closes the
// socket. Safe to call more than once.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		close(c.done)
	})
}

// Done is closed once Close has run.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// ProtocolError wraps a frame that could not be decoded. Type is the frame's
// type field when it could be read.
type ProtocolError struct {
	Err  error
	Type string
	Raw  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func truncateRaw(b []byte) string {
	return util.Truncate(string(b), 120)
}
