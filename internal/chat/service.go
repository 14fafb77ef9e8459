package chat

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/bridge"
	"github.com/lk2023060901/chat-garden-go/internal/network/router"
	"github.com/lk2023060901/chat-garden-go/internal/network/session"
	"github.com/lk2023060901/chat-garden-go/internal/store"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/metrics"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
	"github.com/lk2023060901/chat-garden-go/pkg/util/retry"
	"github.com/lk2023060901/chat-garden-go/pkg/util/typeutil"
)

const (
	// DefaultOfflineRetryInterval 是后台补写 offline 状态的间隔。
	DefaultOfflineRetryInterval = 5 * time.Second

	offlineWriteAttempts = 3
	offlineWriteSleep    = 50 * time.Millisecond
)

// Store 是聊天服务依赖的持久化接口，由 store.Store 实现。
type Store interface {
	QueryUserByID(ctx context.Context, id int64) (store.User, bool, error)
	InsertUser(ctx context.Context, user store.User) (int64, error)
	UpdateUserState(ctx context.Context, id int64, state string) error
	UpdatePassword(ctx context.Context, id int64, hash, salt string) error
	MarkOnline(ctx context.Context, id int64) (bool, error)
	ResetStates(ctx context.Context) (int64, error)
	QueryFriends(ctx context.Context, id int64) ([]store.User, error)
	InsertFriendEdge(ctx context.Context, userID, friendID int64) error
	CreateGroup(ctx context.Context, group store.Group, creatorID int64) (int64, error)
	AddMembership(ctx context.Context, userID, groupID int64, role string) error
	QueryGroups(ctx context.Context, userID int64) ([]store.GroupWithMembers, error)
	QueryGroupMemberIDs(ctx context.Context, groupID, excluding int64) ([]int64, error)
	QueryOfflineMessages(ctx context.Context, id int64) ([]string, error)
	DeleteOfflineMessages(ctx context.Context, id int64) error
	TakeOfflineMessages(ctx context.Context, id int64) ([]string, error)
	InsertOfflineMessage(ctx context.Context, id int64, payload string) error
}

var _ Store = (*store.Store)(nil)

type Option func(*Service)

// WithMaxMessageLength 设置单条聊天内容的字节上限。
func WithMaxMessageLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxMessageLength = n
		}
	}
}

// WithNodeName 设置日志中的节点名。
func WithNodeName(name string) Option {
	return func(s *Service) {
		s.nodeName = name
	}
}

// WithOfflineRetryInterval 设置后台补写 offline 状态的间隔。
func WithOfflineRetryInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.offlineRetryInterval = d
		}
	}
}

// Service 是聊天业务的入口：持有在线用户表，按 msgid 分发请求，并决定每条消息的投递路径。
type Service struct {
	log.Binder

	store  Store
	bridge bridge.Bridge
	dir    *Directory
	router router.Router

	maxMessageLength     int
	nodeName             string
	offlineRetryInterval time.Duration

	// pendingOffline 记录已离开本节点、但 offline 状态没能写入存储的用户。
	// 其中的用户保持桥接订阅，发给他们的消息转为离线存储。
	pendingOffline *typeutil.ConcurrentSet[int64]

	shutdownOnce sync.Once
}

// NewService 创建服务并注册全部协议路由。
func NewService(st Store, br bridge.Bridge, opts ...Option) *Service {
	s := &Service{
		store:                st,
		bridge:               br,
		dir:                  NewDirectory(),
		router:               router.New(nil),
		maxMessageLength:     DefaultMaxMessageLength,
		offlineRetryInterval: DefaultOfflineRetryInterval,
		pendingOffline:       typeutil.NewConcurrentSet[int64](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.SetLogger(log.With(log.FieldComponent("chat"), zap.String("node", s.nodeName)))

	s.router.Use(observe)
	s.mustRegister(MsgLogin, func() any { return &LoginRequest{} }, s.login)
	s.mustRegister(MsgReg, func() any { return &RegRequest{} }, s.register)
	s.mustRegister(MsgOneChat, func() any { return &ChatRequest{} }, s.oneChat)
	s.mustRegister(MsgAddFriend, func() any { return &AddFriendRequest{} }, s.addFriend)
	s.mustRegister(MsgCreateGroup, func() any { return &CreateGroupRequest{} }, s.createGroup)
	s.mustRegister(MsgAddGroup, func() any { return &AddGroupRequest{} }, s.addGroup)
	s.mustRegister(MsgGroupChat, func() any { return &ChatRequest{} }, s.groupChat)
	s.mustRegister(MsgLogout, func() any { return &IDRequest{} }, s.logout)
	s.mustRegister(MsgHeartCheck, func() any { return &IDRequest{} }, s.heartCheck)
	s.mustRegister(MsgChangePwd, func() any { return &ChangePwdRequest{} }, s.changePassword)
	return s
}

func (s *Service) mustRegister(msgID int, newReq func() any, h router.Handler) {
	if err := s.router.Register(msgID, router.Route{NewRequest: newReq, Handler: h}); err != nil {
		panic(err)
	}
}

// Directory 返回本节点的在线用户表。
func (s *Service) Directory() *Directory {
	return s.dir
}

// Handle 处理一帧客户端请求。未知 msgid 与无法解析的报文只记录日志，不回复。
func (s *Service) Handle(ctx context.Context, sess session.Session, payload []byte) {
	err := s.router.Handle(ctx, sess, payload)
	if err == nil {
		return
	}
	logger := s.Logger().With(log.FieldSession(sess.ID()))
	switch {
	case errors.Is(err, router.ErrUnknownMsgID):
		logger.Warn("unknown msgid, request ignored", zap.Error(err))
	case errors.Is(err, merr.ErrJSONParse):
		logger.Warn("malformed request ignored", zap.Error(err))
	case merr.GetErrorType(err) == merr.InputError:
		logger.Debug("request rejected", zap.Error(err))
	default:
		logger.Error("request failed", zap.Error(err))
	}
}

// OnSessionClosed 在连接断开时清理该会话绑定的用户。
func (s *Service) OnSessionClosed(ctx context.Context, sess session.Session) {
	uid, ok := s.dir.UserOf(sess)
	if !ok {
		return
	}
	if err := s.detach(ctx, uid, sess); err != nil {
		s.Logger().Warn("failed to mark user offline after disconnect", log.FieldUser(uid), zap.Error(err))
	}
}

// ResetStates 把所有 online 用户置为 offline，单节点部署在启动时调用。
func (s *Service) ResetStates(ctx context.Context) (int64, error) {
	n, err := s.store.ResetStates(ctx)
	if err != nil {
		return 0, err
	}
	s.Logger().Info("user states reset", zap.Int64("count", n))
	return n, nil
}

// Run 消费桥接器的入站通知直至 ctx 结束或桥接器关闭，并定期补写失败的 offline 状态。
func (s *Service) Run(ctx context.Context) error {
	inbound := s.bridge.Messages()
	ticker := time.NewTicker(s.offlineRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			s.deliverInbound(ctx, msg)
		case <-ticker.C:
			s.flushPendingOffline(ctx)
		}
	}
}

// Shutdown 将本节点持有的全部用户置为 offline、取消订阅并关闭其会话。
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		var errs []error
		uids := s.dir.UserIDs()
		for _, uid := range uids {
			sess, ok := s.dir.Get(uid)
			if !ok {
				continue
			}
			errs = append(errs, s.detach(ctx, uid, sess))
			_ = sess.Close()
		}
		if left := s.flushPendingOffline(ctx); left > 0 {
			errs = append(errs, errors.Newf("%d users left online in store", left))
		}
		err = merr.Combine(errs...)
		s.Logger().Info("chat service shut down", zap.Int("users", len(uids)), zap.Error(err))
	})
	return err
}

// authorize 要求请求来自绑定了 claimed 的会话。
func (s *Service) authorize(sess session.Session, claimed int64) error {
	bound, ok := s.dir.UserOf(sess)
	if !ok || bound != claimed {
		return merr.WrapErrNotAuthenticated(claimed, bound)
	}
	return nil
}

// detach 解除用户与会话的绑定；sess 已不是该用户的当前会话时什么也不做。
func (s *Service) detach(ctx context.Context, uid int64, sess session.Session) error {
	unlock := s.dir.LockUser(uid)
	defer unlock()

	if !s.dir.Remove(uid, sess) {
		return nil
	}
	return s.markOffline(ctx, uid)
}

// markOffline 把 uid 的持久化状态写为 offline 并退订，调用方持有 uid 的用户锁。
// 短暂重试后仍失败时保留订阅并记入 pendingOffline，由 Run 补写。
func (s *Service) markOffline(ctx context.Context, uid int64) error {
	err := retry.Do(ctx, func() error {
		err := s.store.UpdateUserState(ctx, uid, store.StateOffline)
		if err != nil && merr.GetErrorType(err) == merr.InputError {
			return retry.Unrecoverable(err)
		}
		return err
	}, retry.Attempts(offlineWriteAttempts), retry.Sleep(offlineWriteSleep))
	if err != nil && !errors.Is(err, merr.ErrUserNotFound) {
		s.pendingOffline.Insert(uid)
		s.Logger().Warn("failed to mark user offline, retry in background", log.FieldUser(uid), zap.Error(err))
		return err
	}
	s.pendingOffline.TryRemove(uid)
	if uerr := s.bridge.Unsubscribe(ctx, uid); uerr != nil {
		s.Logger().Warn("bridge unsubscribe failed", log.FieldUser(uid), zap.Error(uerr))
	}
	return err
}

// flushPendingOffline 补写 pendingOffline 中的用户，返回仍未成功的数量。
func (s *Service) flushPendingOffline(ctx context.Context) int {
	for _, uid := range s.pendingOffline.Collect() {
		s.flushOffline(ctx, uid)
	}
	return s.pendingOffline.Len()
}

func (s *Service) flushOffline(ctx context.Context, uid int64) {
	unlock := s.dir.LockUser(uid)
	defer unlock()

	// 等锁期间可能已在本节点重新登录并接管了 online 状态。
	if !s.pendingOffline.Contain(uid) {
		return
	}
	err := s.store.UpdateUserState(ctx, uid, store.StateOffline)
	if err != nil && !errors.Is(err, merr.ErrUserNotFound) {
		s.Logger().Warn("retry mark user offline failed", log.FieldUser(uid), zap.Error(err))
		return
	}
	s.pendingOffline.TryRemove(uid)
	if err := s.bridge.Unsubscribe(ctx, uid); err != nil {
		s.Logger().Warn("bridge unsubscribe failed", log.FieldUser(uid), zap.Error(err))
	}
	s.Logger().Info("user marked offline after retry", log.FieldUser(uid))
}

// observe 记录每类请求的次数与耗时。
func observe(msgID int, next router.Handler) router.Handler {
	label := strconv.Itoa(msgID)
	return func(ctx context.Context, sess session.Session, req *router.Request) (any, error) {
		start := time.Now()
		resp, err := next(ctx, sess, req)
		result := metrics.SuccessLabel
		if err != nil {
			result = metrics.FailLabel
		}
		metrics.RequestTotal.WithLabelValues(label, result).Inc()
		metrics.RequestLatency.WithLabelValues(label).Observe(float64(time.Since(start).Milliseconds()))
		return resp, err
	}
}
