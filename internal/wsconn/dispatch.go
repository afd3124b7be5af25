package wsconn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/treykane/approval-relay/internal/executor"
	"github.com/treykane/approval-relay/internal/pending"
	"github.com/treykane/approval-relay/internal/protocol"
	"github.com/treykane/approval-relay/internal/security"
)

// Sender is the write half a Dispatcher answers through.
type Sender interface {
	Send(m protocol.Message) error
}

// Dispatcher handles the popup traffic common to both ends of a connection:
// inbound requests run the executor, inbound responses complete a waiter.
type Dispatcher struct {
	Executor executor.Executor
	Pending  *pending.Correlator
	// Owner, when set, limits responses to requests registered with that
	// owner tag, so one peer cannot answer a request sent to another.
	Owner string
	// Component labels log records, e.g. "hub" or "target:abc".
	Component string

	wg sync.WaitGroup
}

// Handle processes one decoded message. It reports false for message types
// the caller must handle itself (handshake and error frames).
func (d *Dispatcher) Handle(ctx context.Context, out Sender, m protocol.Message) bool {
	switch v := m.(type) {
	case protocol.PopupRequest:
		d.handleRequest(ctx, out, v)
		return true
	case protocol.PopupResponse:
		d.handleResponse(v)
		return true
	}
	return false
}

// handleRequest runs the executor off the read loop so pings and further
// frames keep flowing while a human decides.
func (d *Dispatcher) handleRequest(ctx context.Context, out Sender, req protocol.PopupRequest) {
	if d.Executor == nil {
		_ = out.Send(protocol.NewPopupFailure(req.RequestID, "no approval program configured"))
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		slog.Info("running approval program", "component", d.Component, "request_id", req.RequestID)
		answer, err := d.Executor.Execute(ctx, req)
		var reply protocol.Message
		if err != nil {
			slog.Warn("approval program failed", "component", d.Component, "request_id", req.RequestID, "error", security.DebugMessage(err))
			reply = protocol.NewPopupFailure(req.RequestID, security.UserMessage(err, true))
		} else {
			reply = protocol.NewPopupResponse(req.RequestID, answer)
		}
		if err := out.Send(reply); err != nil {
			slog.Warn("failed to send popup response", "component", d.Component, "request_id", req.RequestID, "error", err)
		}
	}()
}

func (d *Dispatcher) handleResponse(resp protocol.PopupResponse) {
	if d.Pending == nil {
		return
	}
	var ok bool
	switch {
	case resp.Error != "" && d.Owner != "":
		ok = d.Pending.FailFrom(resp.RequestID, d.Owner, fmt.Errorf("%w: %s", pending.ErrRemote, resp.Error))
	case resp.Error != "":
		ok = d.Pending.Fail(resp.RequestID, fmt.Errorf("%w: %s", pending.ErrRemote, resp.Error))
	case d.Owner != "":
		ok = d.Pending.ResolveFrom(resp.RequestID, d.Owner, resp.Response)
	default:
		ok = d.Pending.Resolve(resp.RequestID, resp.Response)
	}
	if !ok {
		slog.Debug("dropping response for unknown request", "component", d.Component, "request_id", resp.RequestID)
	}
}

// Wait blocks until every in-flight executor run has replied.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
