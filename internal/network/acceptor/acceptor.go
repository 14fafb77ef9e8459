package acceptor

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	network "github.com/lk2023060901/chat-garden-go/internal/network"
	"github.com/lk2023060901/chat-garden-go/internal/network/codec"
	"github.com/lk2023060901/chat-garden-go/internal/network/session"
)

// Config 描述接入层在会话层面的配置。
//
// 说明：
//   - ReadTimeout 为读空闲超时，超时后回调 Handler.OnTimeout（为 0 表示不设置 deadline）；
//   - WriteTimeout 为单帧写超时；
//   - SendQueueSize/SendTimeout 透传给会话的发送队列；
//   - InboundQueueSize 为读协程与处理协程之间的帧队列大小。
type Config struct {
	Codec codec.Codec

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	SendQueueSize    int
	SendTimeout      time.Duration
	InboundQueueSize int

	// Upgrader 允许调用方自定义 WebSocket 升级行为，nil 时使用默认值。
	Upgrader *websocket.Upgrader
}

const defaultInboundQueueSize = 1024

func (c Config) withDefaults() Config {
	if c.Codec == nil {
		c.Codec = codec.Default()
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = defaultInboundQueueSize
	}
	return c
}

func (c Config) sessionOptions() session.Options {
	return session.Options{
		SendQueueSize: c.SendQueueSize,
		SendTimeout:   c.SendTimeout,
	}
}

// Handler 由业务层实现，在会话生命周期的各个阶段被回调。
//
// 同一会话上的 OnMessage 串行调用，调用顺序与帧到达顺序一致。
type Handler interface {
	// OnAccept 在会话创建后、开始读取前调用，返回错误时直接关闭连接。
	OnAccept(sess session.Session) error

	// OnMessage 在读到一帧明文后调用。
	OnMessage(sess session.Session, payload []byte)

	// OnSessionClosed 在会话生命周期结束时调用一次，正常关闭时 err 为 nil。
	OnSessionClosed(sess session.Session, err error)

	// OnError 在各阶段出现错误时调用，sess 在握手失败时为 nil。
	OnError(sess session.Session, stage network.Stage, err error)

	// OnTimeout 在读空闲超时时调用，返回非 nil 时关闭会话。
	OnTimeout(sess session.Session) error
}

// Acceptor 抽象了服务器侧接入层。
type Acceptor interface {
	// Serve 阻塞直至 ctx 取消、Close 被调用或出现致命错误，正常退出时返回 nil。
	Serve(ctx context.Context, h Handler) error

	// Close 停止接入并关闭所有会话。
	Close() error

	// Sessions 返回当前活跃会话数。
	Sessions() int
}

// NopHandler 为 Handler 的空实现，可嵌入后只覆写需要的回调。
type NopHandler struct{}

func (NopHandler) OnAccept(session.Session) error                { return nil }
func (NopHandler) OnMessage(session.Session, []byte)             {}
func (NopHandler) OnSessionClosed(session.Session, error)        {}
func (NopHandler) OnError(session.Session, network.Stage, error) {}
func (NopHandler) OnTimeout(session.Session) error               { return context.DeadlineExceeded }
