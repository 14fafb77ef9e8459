package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/network/codec"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

const (
	// DefaultSendQueueSize 为每个会话的发送队列容量。
	DefaultSendQueueSize = 1024
	// DefaultSendTimeout 为发送队列满时 Send 的最长等待时间。
	DefaultSendTimeout = 3 * time.Second
)

// ErrSessionClosed 为主动 Close 时的关闭原因。
var ErrSessionClosed = errors.New("session closed")

// Options 控制会话发送队列的行为。
type Options struct {
	SendQueueSize int
	SendTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	return o
}

// BaseSession 提供了 Session 接口的基础实现。
//
// Send 在调用方协程内完成序列化，只把字节投递到 sendQueue；
// 独立的发送协程按顺序写出，避免多协程并发写同一连接导致报文交叉。
type BaseSession struct {
	id uint64

	ctx    context.Context
	cancel context.CancelCauseFunc

	transport Transport
	codec     codec.Codec

	// sendQueue 从不关闭，退出信号统一走 ctx，避免 Send 与 Close 竞争写已关闭的 channel。
	sendQueue   chan []byte
	sendTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

var _ Session = (*BaseSession)(nil)

// NewBaseSession 创建会话并启动发送协程，parent 为 nil 时使用 context.Background()。
func NewBaseSession(parent context.Context, id uint64, t Transport, c codec.Codec, opts Options) *BaseSession {
	if parent == nil {
		parent = context.Background()
	}
	if c == nil {
		c = codec.Default()
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancelCause(parent)

	s := &BaseSession{
		id:          id,
		ctx:         ctx,
		cancel:      cancel,
		transport:   t,
		codec:       c,
		sendQueue:   make(chan []byte, opts.SendQueueSize),
		sendTimeout: opts.SendTimeout,
	}
	go s.sendLoop()
	return s
}

func (s *BaseSession) ID() uint64 {
	return s.id
}

func (s *BaseSession) Context() context.Context {
	return s.ctx
}

func (s *BaseSession) RemoteAddr() net.Addr {
	return s.transport.RemoteAddr()
}

func (s *BaseSession) LocalAddr() net.Addr {
	return s.transport.LocalAddr()
}

func (s *BaseSession) Send(msg any) error {
	if s.ctx.Err() != nil {
		return merr.WrapErrNetworkSendFailed(s.id, "session closed")
	}
	payload, err := s.codec.Marshal(msg)
	if err != nil {
		return merr.WrapErrNetworkSendFailed(s.id, err.Error())
	}

	// 快路径：队列未满时不创建定时器。
	select {
	case s.sendQueue <- payload:
		return nil
	default:
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return merr.WrapErrNetworkSendFailed(s.id, "session closed")
	case s.sendQueue <- payload:
		return nil
	case <-timer.C:
		return merr.WrapErrNetworkSendFailed(s.id, "send queue full")
	}
}

func (s *BaseSession) Close() error {
	return s.closeWithCause(ErrSessionClosed)
}

func (s *BaseSession) closeWithCause(cause error) error {
	s.closeOnce.Do(func() {
		s.cancel(cause)
		s.closeErr = s.transport.Close()
	})
	return s.closeErr
}

// OnConnected 默认实现为空，方便在自定义 Session 中覆写。
func (s *BaseSession) OnConnected() {}

// OnDisconnected 默认实现为空，方便在自定义 Session 中覆写。
func (s *BaseSession) OnDisconnected(error) {}

func (s *BaseSession) sendLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.sendQueue:
			if err := s.transport.WriteFrame(payload); err != nil {
				log.Ctx(s.ctx).Debug("session write failed, closing",
					zap.Uint64("session", s.id),
					zap.Error(err))
				_ = s.closeWithCause(err)
				return
			}
		}
	}
}
