package session

import (
	"context"
	"net"

	"go.uber.org/atomic"
)

// Session 抽象了一条客户端连接（TCP 或 WebSocket）。
//
// 约定：
//   - Session ID 使用 64 位无符号整型，进程内唯一，由 NextID 分配；
//   - 接入层只关心会话本身，用户与会话的绑定关系由业务层维护。
type Session interface {
	// ID 返回该会话在进程内的唯一标识。
	ID() uint64

	// Context 在会话关闭时被取消，context.Cause 为关闭原因。
	Context() context.Context

	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Send 序列化 msg 并投递到会话的发送队列，由发送协程按投递顺序写出。
	// 会话已关闭或发送队列持续满载时返回 ErrNetworkSendFailed。
	Send(msg any) error

	// Close 关闭底层连接并取消 Context，可重复调用。
	Close() error

	// OnConnected 在接入层完成 OnAccept 后调用一次。
	OnConnected()

	// OnDisconnected 在读循环退出后调用一次，正常关闭时 err 为 nil。
	OnDisconnected(err error)
}

// Transport 是会话底层的帧写出端，只会被发送协程调用。
type Transport interface {
	WriteFrame(payload []byte) error
	Close() error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

var idGen = atomic.NewUint64(0)

// NextID 分配一个新的会话 ID，从 1 开始递增。
func NextID() uint64 {
	return idGen.Inc()
}
