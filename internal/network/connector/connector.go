package connector

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/lk2023060901/chat-garden-go/internal/network/codec"
	"github.com/lk2023060901/chat-garden-go/pkg/util/conc"
)

// ErrClosed 表示连接已关闭且接收队列已读空。
var ErrClosed = errors.New("connector: connection closed")

// Config 描述客户端连接的基础配置。
type Config struct {
	RecvQueueSize int
	WriteTimeout  time.Duration

	// Codec 只用于 TCP 连接，nil 时使用按行分隔的 JSON。
	Codec codec.Codec
}

const defaultRecvQueueSize = 1024

func (c Config) withDefaults() Config {
	if c.RecvQueueSize <= 0 {
		c.RecvQueueSize = defaultRecvQueueSize
	}
	if c.Codec == nil {
		c.Codec = codec.Default()
	}
	return c
}

// ClientConn 抽象了客户端侧的一条连接，客户端连接不包含会话 ID 概念。
type ClientConn interface {
	Context() context.Context
	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Send 同步序列化并写出一条消息。
	Send(msg any) error
	// Recv 阻塞直至收到一帧、ctx 结束或连接关闭。
	Recv(ctx context.Context) ([]byte, error)

	Close() error
}

// Connector 抽象了客户端的拨号器。
type Connector interface {
	Dial(ctx context.Context, addr string) (ClientConn, error)
}

// frameIO 是 TCP 与 WebSocket 连接的差异部分。
type frameIO interface {
	writeFrame(payload []byte) error
	readFrame() ([]byte, error)
	close() error
	remoteAddr() net.Addr
	localAddr() net.Addr
}

type clientConn struct {
	io    frameIO
	codec codec.Codec

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	recv    chan []byte

	closeOnce sync.Once
}

func newClientConn(ctx context.Context, fio frameIO, cfg Config) *clientConn {
	connCtx, cancel := context.WithCancel(ctx)
	c := &clientConn{
		io:     fio,
		codec:  cfg.Codec,
		ctx:    connCtx,
		cancel: cancel,
		recv:   make(chan []byte, cfg.RecvQueueSize),
	}
	conc.Go(func() (struct{}, error) {
		c.readLoop()
		return struct{}{}, nil
	})
	return c
}

func (c *clientConn) Context() context.Context { return c.ctx }
func (c *clientConn) RemoteAddr() net.Addr     { return c.io.remoteAddr() }
func (c *clientConn) LocalAddr() net.Addr      { return c.io.localAddr() }

func (c *clientConn) Send(msg any) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	payload, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.io.writeFrame(payload)
}

func (c *clientConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-c.recv:
		if !ok {
			return nil, ErrClosed
		}
		return payload, nil
	}
}

func (c *clientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.io.close()
	})
	return err
}

func (c *clientConn) readLoop() {
	defer close(c.recv)
	defer c.Close()
	for {
		payload, err := c.io.readFrame()
		if err != nil {
			return
		}
		select {
		case c.recv <- payload:
		case <-c.ctx.Done():
			return
		}
	}
}

type tcpConnector struct {
	cfg Config
}

// NewTCPConnector 创建 TCP 拨号器，addr 形如 "127.0.0.1:6000"。
func NewTCPConnector(cfg Config) Connector {
	return &tcpConnector{cfg: cfg.withDefaults()}
}

func (t *tcpConnector) Dial(ctx context.Context, addr string) (ClientConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	fio := &tcpIO{conn: conn, br: bufio.NewReader(conn), codec: t.cfg.Codec, writeTimeout: t.cfg.WriteTimeout}
	return newClientConn(ctx, fio, t.cfg), nil
}

type tcpIO struct {
	conn         net.Conn
	br           *bufio.Reader
	codec        codec.Codec
	writeTimeout time.Duration
}

func (t *tcpIO) writeFrame(payload []byte) error {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.codec.EncodeRaw(t.conn, payload)
}

func (t *tcpIO) readFrame() ([]byte, error) { return t.codec.DecodeRaw(t.br) }
func (t *tcpIO) close() error               { return t.conn.Close() }
func (t *tcpIO) remoteAddr() net.Addr       { return t.conn.RemoteAddr() }
func (t *tcpIO) localAddr() net.Addr        { return t.conn.LocalAddr() }

type wsConnector struct {
	cfg Config
}

// NewWSConnector 创建 WebSocket 拨号器，addr 形如 "ws://127.0.0.1:9091/ws"。
func NewWSConnector(cfg Config) Connector {
	return &wsConnector{cfg: cfg.withDefaults()}
}

func (w *wsConnector) Dial(ctx context.Context, addr string) (ClientConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	cfg := w.cfg
	// WebSocket 自带消息边界，只需要 JSON 序列化。
	cfg.Codec = codec.Default()
	return newClientConn(ctx, &wsIO{conn: conn, writeTimeout: cfg.WriteTimeout}, cfg), nil
}

type wsIO struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsIO) writeFrame(payload []byte) error {
	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsIO) readFrame() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsIO) close() error         { return w.conn.Close() }
func (w *wsIO) remoteAddr() net.Addr { return w.conn.RemoteAddr() }
func (w *wsIO) localAddr() net.Addr  { return w.conn.LocalAddr() }
