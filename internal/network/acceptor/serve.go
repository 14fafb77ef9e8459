package acceptor

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	network "github.com/lk2023060901/chat-garden-go/internal/network"
	"github.com/lk2023060901/chat-garden-go/internal/network/session"
)

// readFunc 读取下一帧明文，每次调用前由实现自行设置读超时。
type readFunc func() ([]byte, error)

// serveSession 驱动单个会话的生命周期。
//
// 流程：
//  1. 回调 OnAccept，失败则关闭会话；
//  2. 注册到 SessionManager 并调用 sess.OnConnected()；
//  3. 读协程循环读帧投递到 frames，当前协程按顺序回调 OnMessage；
//  4. 读失败或会话被关闭后，调用 sess.OnDisconnected 与 OnSessionClosed。
func serveSession(sess session.Session, sm *session.BaseSessionManager, h Handler, read readFunc, queueSize int, resumable bool) {
	if err := h.OnAccept(sess); err != nil {
		h.OnError(sess, network.StageHandshake, err)
		_ = sess.Close()
		return
	}
	if err := sm.Register(sess); err != nil {
		h.OnError(sess, network.StageHandshake, err)
		_ = sess.Close()
		return
	}
	defer sm.Unregister(sess.ID())

	sess.OnConnected()

	frames := make(chan []byte, queueSize)
	var (
		cause error
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(frames)
		cause = readLoop(sess, h, read, frames, resumable)
	}()

	for payload := range frames {
		h.OnMessage(sess, payload)
	}
	wg.Wait()

	// 会话被主动关闭时读操作会返回连接已关闭的错误，此时以关闭原因为准。
	if sess.Context().Err() != nil && cause != nil && isClosedErr(cause) {
		cause = nil
		if c := context.Cause(sess.Context()); c != nil && !errors.Is(c, session.ErrSessionClosed) && !errors.Is(c, context.Canceled) {
			cause = c
		}
	}

	_ = sess.Close()
	sess.OnDisconnected(cause)
	h.OnSessionClosed(sess, cause)
}

// readLoop 返回 nil 表示对端正常关闭。
// resumable 为 false 时超时后连接不可再读（例如 WebSocket），无论 OnTimeout 返回什么都结束会话。
func readLoop(sess session.Session, h Handler, read readFunc, frames chan<- []byte, resumable bool) error {
	ctx := sess.Context()
	for {
		payload, err := read()
		if err != nil {
			if isClosedErr(err) {
				if ctx.Err() != nil {
					return err
				}
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				terr := h.OnTimeout(sess)
				if terr != nil {
					return terr
				}
				if !resumable {
					return err
				}
				continue
			}
			h.OnError(sess, network.StageRecvRaw, err)
			return errors.Mark(err, network.ErrRecvFailed)
		}

		select {
		case frames <- payload:
		case <-ctx.Done():
			return nil
		}
	}
}

func isClosedErr(err error) bool {
	if errors.IsAny(err, io.EOF, io.ErrUnexpectedEOF, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure)
}
