package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	network "github.com/lk2023060901/chat-garden-go/internal/network"
	"github.com/lk2023060901/chat-garden-go/internal/network/acceptor"
	"github.com/lk2023060901/chat-garden-go/internal/network/session"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/util/conc"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// closeTimeout 断线清理（置 offline、退订）可用的最长时间。
const closeTimeout = 5 * time.Second

// messageService 是接入层回调需要的业务能力，由 chat.Service 实现。
type messageService interface {
	Handle(ctx context.Context, sess session.Session, payload []byte)
	OnSessionClosed(ctx context.Context, sess session.Session)
}

// sessionHandler 把接入层的回调桥接到聊天服务。
//
// 每帧请求提交到有界协程池执行，读协程等待其完成后再读下一帧，
// 因此同一连接上的请求严格按到达顺序处理，而全局并发受协程池容量约束。
type sessionHandler struct {
	svc         messageService
	workers     *conc.Pool[struct{}]
	readTimeout time.Duration

	// contexts 保存每个会话携带 traceID 的日志上下文。
	contexts sync.Map
}

var _ acceptor.Handler = (*sessionHandler)(nil)

func newSessionHandler(svc messageService, workers *conc.Pool[struct{}], readTimeout time.Duration) *sessionHandler {
	return &sessionHandler{
		svc:         svc,
		workers:     workers,
		readTimeout: readTimeout,
	}
}

func (h *sessionHandler) contextOf(sess session.Session) context.Context {
	if v, ok := h.contexts.Load(sess.ID()); ok {
		return v.(context.Context)
	}
	return sess.Context()
}

func (h *sessionHandler) OnAccept(sess session.Session) error {
	ctx := log.WithTraceID(sess.Context(), uuid.NewString())
	ctx = log.WithSession(ctx, sess.ID())
	h.contexts.Store(sess.ID(), ctx)
	log.Ctx(ctx).Debug("session accepted", zap.Stringer("remote", sess.RemoteAddr()))
	return nil
}

func (h *sessionHandler) OnMessage(sess session.Session, payload []byte) {
	ctx := h.contextOf(sess)
	_, err := h.workers.Submit(func() (struct{}, error) {
		h.svc.Handle(ctx, sess, payload)
		return struct{}{}, nil
	}).Await()
	if err != nil {
		log.Ctx(ctx).Warn("request task failed", zap.Error(err))
	}
}

func (h *sessionHandler) OnSessionClosed(sess session.Session, err error) {
	ctx := h.contextOf(sess)
	h.contexts.Delete(sess.ID())

	// 会话 ctx 此时已取消，清理工作使用独立的超时。
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	h.svc.OnSessionClosed(cleanupCtx, sess)
	log.Ctx(ctx).Debug("session closed", zap.Error(err))
}

func (h *sessionHandler) OnError(sess session.Session, stage network.Stage, err error) {
	if sess == nil {
		log.Warn("network error before session", zap.String("stage", string(stage)), zap.Error(err))
		return
	}
	log.Ctx(h.contextOf(sess)).Warn("network error", zap.String("stage", string(stage)), zap.Error(err))
}

// OnTimeout 读空闲超时直接断开，客户端应按周期发送 HEART_CHECK。
func (h *sessionHandler) OnTimeout(sess session.Session) error {
	addr := ""
	if remote := sess.RemoteAddr(); remote != nil {
		addr = remote.String()
	}
	err := merr.WrapErrNetworkTimeout(addr, h.readTimeout)
	log.Ctx(h.contextOf(sess)).Info("session idle timeout", zap.Error(err))
	return err
}
