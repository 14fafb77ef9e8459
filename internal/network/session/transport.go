package session

import (
	"context"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/chat-garden-go/internal/network/codec"
)

type connTransport struct {
	conn         net.Conn
	codec        codec.Codec
	writeTimeout time.Duration
}

// NewConnTransport 基于 net.Conn 构造 Transport，每次写出前设置写超时（<= 0 表示不设置）。
func NewConnTransport(conn net.Conn, c codec.Codec, writeTimeout time.Duration) Transport {
	if c == nil {
		c = codec.Default()
	}
	return &connTransport{conn: conn, codec: c, writeTimeout: writeTimeout}
}

func (t *connTransport) WriteFrame(payload []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.codec.EncodeRaw(t.conn, payload)
}

func (t *connTransport) Close() error {
	return t.conn.Close()
}

func (t *connTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

func (t *connTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// wsCloseGrace 为发送关闭帧的最长等待时间。
const wsCloseGrace = time.Second

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWSTransport 基于 WebSocket 连接构造 Transport，每条消息为一个文本帧。
func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration) Transport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) WriteFrame(payload []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) Close() error {
	// WriteControl 可与 WriteMessage 并发调用。
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseGrace))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

func (t *wsTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// NewWSSession 创建基于 WebSocket 连接的会话，每条消息一个文本帧。
func NewWSSession(parent context.Context, id uint64, conn *websocket.Conn, writeTimeout time.Duration, opts Options) *BaseSession {
	return NewBaseSession(parent, id, NewWSTransport(conn, writeTimeout), codec.Default(), opts)
}
