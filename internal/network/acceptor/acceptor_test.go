package acceptor

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-garden-go/internal/json"
	"github.com/lk2023060901/chat-garden-go/internal/network/connector"
	"github.com/lk2023060901/chat-garden-go/internal/network/session"
)

// echoHandler 原样回写收到的每一帧。
type echoHandler struct {
	NopHandler
	mu       sync.Mutex
	accepted int
	closed   chan error
	timeouts int
}

func newEchoHandler() *echoHandler {
	return &echoHandler{closed: make(chan error, 8)}
}

func (h *echoHandler) OnAccept(session.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepted++
	return nil
}

func (h *echoHandler) OnMessage(sess session.Session, payload []byte) {
	_ = sess.Send(json.RawMessage(payload))
}

func (h *echoHandler) OnSessionClosed(_ session.Session, err error) {
	h.closed <- err
}

func (h *echoHandler) OnTimeout(session.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeouts++
	return context.DeadlineExceeded
}

func startTCP(t *testing.T, cfg Config, h Handler) (*BaseAcceptor, context.CancelFunc) {
	a, err := NewTCPAcceptor("127.0.0.1:0", cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("acceptor did not stop")
		}
	})
	return a, cancel
}

func recvJSON(t *testing.T, c connector.ClientConn) string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	payload, err := c.Recv(ctx)
	require.NoError(t, err)
	return string(payload)
}

func TestTCPAcceptorEchoInOrder(t *testing.T) {
	h := newEchoHandler()
	a, _ := startTCP(t, Config{}, h)

	c, err := connector.NewTCPConnector(connector.Config{}).Dial(context.Background(), a.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Send(map[string]int{"msgid": 15, "id": i}))
	}
	for i := 0; i < 20; i++ {
		v, ok := json.PeekInt([]byte(recvJSON(t, c)), "id")
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 1, a.Sessions())

	require.NoError(t, c.Close())
	select {
	case err := <-h.closed:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session close not observed")
	}
	assert.Eventually(t, func() bool { return a.Sessions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTCPAcceptorIdleTimeout(t *testing.T) {
	h := newEchoHandler()
	a, _ := startTCP(t, Config{ReadTimeout: 50 * time.Millisecond}, h)

	c, err := connector.NewTCPConnector(connector.Config{}).Dial(context.Background(), a.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	select {
	case err := <-h.closed:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("idle session was not closed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = c.Recv(ctx)
	assert.ErrorIs(t, err, connector.ErrClosed)
}

func TestTCPAcceptorCloseStopsSessions(t *testing.T) {
	h := newEchoHandler()
	a, cancel := startTCP(t, Config{}, h)

	c, err := connector.NewTCPConnector(connector.Config{}).Dial(context.Background(), a.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Send(map[string]int{"msgid": 15}))
	recvJSON(t, c)

	cancel()
	select {
	case err := <-h.closed:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session not closed on shutdown")
	}
}

func TestWSAcceptorEcho(t *testing.T) {
	h := newEchoHandler()
	a := NewWSAcceptor(Config{})
	srv := httptest.NewServer(a)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, h) }()
	defer func() {
		cancel()
		<-done
	}()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	var c connector.ClientConn
	require.Eventually(t, func() bool {
		var err error
		c, err = connector.NewWSConnector(connector.Config{}).Dial(context.Background(), url)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
	defer c.Close()

	require.NoError(t, c.Send(map[string]any{"msgid": 15, "id": 7}))
	assert.JSONEq(t, `{"msgid":15,"id":7}`, recvJSON(t, c))

	require.NoError(t, c.Close())
	select {
	case <-h.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("ws session close not observed")
	}
}
