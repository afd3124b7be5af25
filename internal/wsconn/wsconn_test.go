package wsconn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/treykane/approval-relay/internal/executor"
	"github.com/treykane/approval-relay/internal/pending"
	"github.com/treykane/approval-relay/internal/protocol"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// pair returns a client-side and a server-side Conn joined over httptest.
func pair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	serverSide := make(chan *Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		serverSide <- New(ws)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	client := New(ws)
	server := <-serverSide
	t.Cleanup(func() {
		client.Close(websocket.CloseNormalClosure, "")
		server.Close(websocket.CloseNormalClosure, "")
	})
	return client, server
}

func TestSendAndRead(t *testing.T) {
	client, server := pair(t)
	if err := client.Send(protocol.NewRegister("laptop")); err != nil {
		t.Fatal(err)
	}
	m, err := server.ReadWithin(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	reg, ok := m.(protocol.Register)
	if !ok || reg.ClientID != "laptop" {
		t.Fatalf("unexpected message %#v", m)
	}
}

func TestReadReportsProtocolErrorAndContinues(t *testing.T) {
	client, server := pair(t)
	client.writeMu.Lock()
	err := client.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
	client.writeMu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Send(protocol.NewError("after")); err != nil {
		t.Fatal(err)
	}

	_, err = server.Read()
	var perr *ProtocolError
	if !errors.As(err, &perr) || !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	m, err := server.Read()
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := m.(protocol.Error); !ok || e.Message != "after" {
		t.Fatalf("expected the next frame, got %#v", m)
	}
}

func TestPingRefreshesPeerLiveness(t *testing.T) {
	client, server := pair(t)

	done := make(chan error, 1)
	go func() {
		_, err := server.Read()
		done <- err
	}()
	go func() {
		_, _ = client.Read()
	}()

	time.Sleep(10 * time.Millisecond)
	before := time.Now()
	if err := server.Ping(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !server.LastSeen().After(before) || !client.LastSeen().After(before) {
		if time.Now().After(deadline) {
			t.Fatal("ping/pong did not refresh liveness")
		}
		time.Sleep(5 * time.Millisecond)
	}
	client.Close(websocket.CloseNormalClosure, "bye")
	select {
	case err := <-done:
		if !IsClose(err) {
			t.Fatalf("expected close error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not observe close")
	}
}

func TestFriendly(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{syscall.ECONNREFUSED, "connection refused"},
		{syscall.ECONNRESET, "connection reset by peer"},
		{syscall.EPIPE, "broken pipe"},
		{websocket.ErrCloseSent, "connection already closed"},
		{websocket.ErrBadHandshake, "handshake rejected by server"},
		{&websocket.CloseError{Code: 1008}, "closed by peer (1008)"},
	}
	for _, tc := range cases {
		got := Friendly(tc.err)
		if got.Error() != tc.want {
			t.Fatalf("Friendly(%v) = %q, want %q", tc.err, got, tc.want)
		}
		if !errors.Is(got, tc.err) {
			t.Fatalf("Friendly(%v) lost the cause", tc.err)
		}
	}
	plain := errors.New("something else")
	if Friendly(plain) != plain {
		t.Fatal("unknown errors pass through unchanged")
	}
}

type recorder struct {
	mu   sync.Mutex
	sent []protocol.Message
	ch   chan struct{}
}

func (r *recorder) Send(m protocol.Message) error {
	r.mu.Lock()
	r.sent = append(r.sent, m)
	r.mu.Unlock()
	r.ch <- struct{}{}
	return nil
}

func TestDispatcherAnswersRequests(t *testing.T) {
	d := &Dispatcher{Executor: executor.Func(func(_ context.Context, req protocol.PopupRequest) (string, error) {
		if req.Message == "fail" {
			return "", errors.New("no display")
		}
		return "approved", nil
	})}
	out := &recorder{ch: make(chan struct{}, 2)}

	if !d.Handle(context.Background(), out, protocol.NewPopupRequest("a", "ok?", nil, false)) {
		t.Fatal("popup_request should be handled")
	}
	d.Handle(context.Background(), out, protocol.NewPopupRequest("b", "fail", nil, false))
	d.Wait()

	byID := map[string]protocol.PopupResponse{}
	for _, m := range out.sent {
		r := m.(protocol.PopupResponse)
		byID[r.RequestID] = r
	}
	if byID["a"].Response != "approved" || byID["a"].Error != "" {
		t.Fatalf("unexpected answer %#v", byID["a"])
	}
	if byID["b"].Error != "no display" {
		t.Fatalf("failure should carry the reason, got %#v", byID["b"])
	}
	if d.Handle(context.Background(), out, protocol.NewAuth("k")) {
		t.Fatal("auth is not a dispatcher message")
	}
}

func TestDispatcherResolvesResponses(t *testing.T) {
	corr := pending.New()
	d := &Dispatcher{Pending: corr}
	ok, err := corr.Register("r1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	bad, err := corr.Register("r2", "s1")
	if err != nil {
		t.Fatal(err)
	}

	d.Handle(context.Background(), nil, protocol.NewPopupResponse("r1", "yes"))
	d.Handle(context.Background(), nil, protocol.NewPopupFailure("r2", "crashed"))
	d.Handle(context.Background(), nil, protocol.NewPopupResponse("unknown", "ignored"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if got, err := ok.Wait(ctx); err != nil || got != "yes" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := bad.Wait(ctx); !errors.Is(err, pending.ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if corr.Len() != 0 {
		t.Fatalf("expected no leftover entries, got %d", corr.Len())
	}
}

func TestDispatcherOwnerLimitsResponses(t *testing.T) {
	corr := pending.New()
	w, err := corr.Register("r1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	stranger := &Dispatcher{Pending: corr, Owner: "s2"}
	stranger.Handle(context.Background(), nil, protocol.NewPopupResponse("r1", "forged"))
	stranger.Handle(context.Background(), nil, protocol.NewPopupFailure("r1", "forged"))
	if corr.Len() != 1 {
		t.Fatalf("response from another owner must be dropped, len=%d", corr.Len())
	}

	owner := &Dispatcher{Pending: corr, Owner: "s1"}
	owner.Handle(context.Background(), nil, protocol.NewPopupResponse("r1", "yes"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if got, err := w.Wait(ctx); err != nil || got != "yes" {
		t.Fatalf("got %q, %v", got, err)
	}
}
