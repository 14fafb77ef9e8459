// Package network 是聊天服务的接入层：帧编解码、会话、按 msgid 路由以及 TCP/WebSocket 接入器。
package network

import "github.com/cockroachdb/errors"

// Stage 标记 Handler.OnError 回调时错误发生在链路的哪一段。
type Stage string

const (
	// StageHandshake 覆盖 WebSocket 升级、OnAccept 与会话注册。
	StageHandshake Stage = "handshake"
	// StageRecvRaw 覆盖读帧与解码，一条连接只会上报一次，随后会话结束。
	StageRecvRaw Stage = "recv_raw"
)

// 接入层的错误标记，通过 errors.Is 判断，具体原因保留在被标记的错误里。
var (
	ErrHandshakeFailed = errors.New("network: handshake failed")
	ErrRecvFailed      = errors.New("network: recv failed")
)
