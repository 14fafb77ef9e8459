package acceptor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	network "github.com/lk2023060901/chat-garden-go/internal/network"
	"github.com/lk2023060901/chat-garden-go/internal/network/session"
)

// WSAcceptor 通过 HTTP 升级接入 WebSocket 客户端，每条文本消息为一帧 JSON。
// 它本身是一个 http.Handler，由管理端路由挂载到 "/ws"。
type WSAcceptor struct {
	cfg      Config
	upgrader *websocket.Upgrader
	sessions *session.BaseSessionManager

	mu      sync.RWMutex
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ Acceptor     = (*WSAcceptor)(nil)
	_ http.Handler = (*WSAcceptor)(nil)
)

func NewWSAcceptor(cfg Config) *WSAcceptor {
	cfg = cfg.withDefaults()
	up := cfg.Upgrader
	if up == nil {
		up = &websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// 客户端不是浏览器页面，不校验 Origin。
			CheckOrigin: func(*http.Request) bool { return true },
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSAcceptor{
		cfg:      cfg,
		upgrader: up,
		sessions: session.NewBaseSessionManager(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Serve 设置回调并阻塞直至 ctx 取消或 Close 被调用。Serve 之前的升级请求会被拒绝。
func (a *WSAcceptor) Serve(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("acceptor: handler is nil")
	}
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-a.ctx.Done():
	}
	_ = a.Close()
	a.wg.Wait()
	return nil
}

func (a *WSAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()
	if h == nil || a.ctx.Err() != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误响应。
		h.OnError(nil, network.StageHandshake, errors.Mark(err, network.ErrHandshakeFailed))
		return
	}

	a.wg.Add(1)
	defer a.wg.Done()

	sess := session.NewWSSession(a.ctx, session.NextID(), conn, a.cfg.WriteTimeout, a.cfg.sessionOptions())
	read := func() ([]byte, error) {
		if a.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout)); err != nil {
				return nil, err
			}
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return nil, err
			}
			if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
				return data, nil
			}
		}
	}
	serveSession(sess, a.sessions, h, read, a.cfg.InboundQueueSize, false)
}

func (a *WSAcceptor) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		a.sessions.CloseAll()
	})
	return nil
}

func (a *WSAcceptor) Sessions() int {
	return a.sessions.Count()
}
