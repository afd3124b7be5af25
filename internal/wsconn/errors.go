package wsconn

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/treykane/approval-relay/internal/security"
)

// Friendly maps transport errors onto short human-readable categories. The
// original error stays reachable through errors.Is/As and in the debug detail.
func Friendly(err error) error {
	if err == nil {
		return nil
	}
	var ce *security.ClassifiedError
	if errors.As(err, &ce) {
		return err
	}
	var closeErr *websocket.CloseError
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return security.Classify("connection refused", err)
	case errors.Is(err, syscall.ECONNRESET):
		return security.Classify("connection reset by peer", err)
	case errors.Is(err, syscall.ECONNABORTED):
		return security.Classify("connection aborted", err)
	case errors.Is(err, syscall.EPIPE):
		return security.Classify("broken pipe", err)
	case errors.Is(err, net.ErrClosed), errors.Is(err, websocket.ErrCloseSent):
		return security.Classify("connection already closed", err)
	case errors.Is(err, websocket.ErrBadHandshake):
		return security.Classify("handshake rejected by server", err)
	case errors.As(err, &closeErr):
		return security.Classify(fmt.Sprintf("closed by peer (%d)", closeErr.Code), err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return security.Classify("connection timed out", err)
	}
	return err
}

// IsClose reports whether err is the peer closing the socket, as opposed to a
// transport failure.
func IsClose(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
