package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-garden-go/internal/network/session"
	"github.com/lk2023060901/chat-garden-go/pkg/util/conc"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

type stubSession struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
}

func newStubSession() *stubSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &stubSession{id: session.NextID(), ctx: ctx, cancel: cancel}
}

func (s *stubSession) ID() uint64               { return s.id }
func (s *stubSession) Context() context.Context { return s.ctx }
func (s *stubSession) RemoteAddr() net.Addr     { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000} }
func (s *stubSession) LocalAddr() net.Addr      { return nil }
func (s *stubSession) Send(any) error           { return nil }
func (s *stubSession) Close() error             { s.cancel(); return nil }
func (s *stubSession) OnConnected()             {}
func (s *stubSession) OnDisconnected(error)     {}

type recordService struct {
	mu       sync.Mutex
	payloads []string
	closed   []uint64
	closeErr error
}

func (r *recordService) Handle(ctx context.Context, sess session.Session, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(payload))
}

func (r *recordService) OnSessionClosed(ctx context.Context, sess session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, sess.ID())
	r.closeErr = ctx.Err()
}

func TestSessionHandlerOrder(t *testing.T) {
	svc := &recordService{}
	workers := conc.NewPool[struct{}](4)
	defer workers.Release()
	h := newSessionHandler(svc, workers, time.Minute)

	sess := newStubSession()
	require.NoError(t, h.OnAccept(sess))
	for _, p := range []string{"a", "b", "c", "d"} {
		h.OnMessage(sess, []byte(p))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, svc.payloads)
}

func TestSessionHandlerClosedUsesLiveContext(t *testing.T) {
	svc := &recordService{}
	workers := conc.NewPool[struct{}](1)
	defer workers.Release()
	h := newSessionHandler(svc, workers, time.Minute)

	sess := newStubSession()
	require.NoError(t, h.OnAccept(sess))
	_ = sess.Close()
	h.OnSessionClosed(sess, nil)

	assert.Equal(t, []uint64{sess.ID()}, svc.closed)
	assert.NoError(t, svc.closeErr)
	_, ok := h.contexts.Load(sess.ID())
	assert.False(t, ok)
}

func TestSessionHandlerTimeout(t *testing.T) {
	h := newSessionHandler(&recordService{}, nil, 30*time.Second)
	err := h.OnTimeout(newStubSession())
	require.Error(t, err)
	assert.True(t, errors.Is(err, merr.ErrNetworkTimeout))
}
