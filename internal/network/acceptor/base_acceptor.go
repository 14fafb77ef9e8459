package acceptor

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/network/session"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
)

// BaseAcceptor 是 Acceptor 接口的 TCP 实现。
//
// 每个连接使用独立的 goroutine 串行处理消息，保证同一 Session 上 Handler 串行执行。
type BaseAcceptor struct {
	ln       net.Listener
	cfg      Config
	sessions *session.BaseSessionManager

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

var _ Acceptor = (*BaseAcceptor)(nil)

// NewBaseAcceptor 使用已有的 Listener 创建接入器。
func NewBaseAcceptor(ln net.Listener, cfg Config) (*BaseAcceptor, error) {
	if ln == nil {
		return nil, errors.New("acceptor: listener is nil")
	}
	return &BaseAcceptor{
		ln:       ln,
		cfg:      cfg.withDefaults(),
		sessions: session.NewBaseSessionManager(),
		closed:   make(chan struct{}),
	}, nil
}

// NewTCPAcceptor 在给定地址上监听 TCP，例如 "0.0.0.0:6000"。
func NewTCPAcceptor(addr string, cfg Config) (*BaseAcceptor, error) {
	if addr == "" {
		return nil, errors.New("acceptor: addr is empty")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewBaseAcceptor(ln, cfg)
}

// Addr 返回实际监听地址，监听 ":0" 时可用于获取分配的端口。
func (a *BaseAcceptor) Addr() net.Addr {
	return a.ln.Addr()
}

func (a *BaseAcceptor) Serve(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("acceptor: handler is nil")
	}

	stop := context.AfterFunc(ctx, func() { _ = a.Close() })
	defer stop()
	defer a.wg.Wait()

	log.Ctx(ctx).Info("tcp acceptor serving", zap.Stringer("addr", a.ln.Addr()))
	var tempDelay time.Duration
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.closed:
				return nil
			default:
			}

			// 与 net/http 一致：临时错误退避后重试。
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				log.Ctx(ctx).Warn("accept error, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		a.wg.Add(1)
		go func(conn net.Conn) {
			defer a.wg.Done()
			a.handleConnection(ctx, conn, h)
		}(conn)
	}
}

func (a *BaseAcceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		err = a.ln.Close()
		a.sessions.CloseAll()
	})
	return err
}

func (a *BaseAcceptor) Sessions() int {
	return a.sessions.Count()
}

func (a *BaseAcceptor) handleConnection(ctx context.Context, conn net.Conn, h Handler) {
	transport := session.NewConnTransport(conn, a.cfg.Codec, a.cfg.WriteTimeout)
	sess := session.NewBaseSession(ctx, session.NextID(), transport, a.cfg.Codec, a.cfg.sessionOptions())

	br := bufio.NewReader(conn)
	read := func() ([]byte, error) {
		if a.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout)); err != nil {
				return nil, err
			}
		}
		return a.cfg.Codec.DecodeRaw(br)
	}
	serveSession(sess, a.sessions, h, read, a.cfg.InboundQueueSize, true)
}
