package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/network/router"
	"github.com/lk2023060901/chat-garden-go/internal/network/session"
	"github.com/lk2023060901/chat-garden-go/internal/store"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// login 的应答在持有用户锁时直接发送，保证 LOGIN_ACK 先于任何投递到达客户端。
func (s *Service) login(ctx context.Context, sess session.Session, req *router.Request) (any, error) {
	if err := s.doLogin(ctx, sess, req.Body.(*LoginRequest)); err != nil {
		return LoginAck{Ack: newAck(MsgLoginAck, err)}, err
	}
	return nil, nil
}

func (s *Service) doLogin(ctx context.Context, sess session.Session, r *LoginRequest) error {
	if err := ValidateUserID(r.ID); err != nil {
		return err
	}
	if bound, ok := s.dir.UserOf(sess); ok {
		return merr.WrapErrUserAlreadyOnline(bound)
	}

	unlock := s.dir.LockUser(r.ID)
	defer unlock()

	user, found, err := s.store.QueryUserByID(ctx, r.ID)
	if err != nil {
		return err
	}
	if !found {
		return merr.WrapErrUserNotFound(r.ID)
	}
	if !VerifyPassword(r.Password, user.Password, user.Salt) {
		return merr.WrapErrInvalidPassword(r.ID)
	}
	if _, ok := s.dir.Get(r.ID); ok {
		return merr.WrapErrUserAlreadyOnline(r.ID)
	}

	// 持久化状态先行：CAS 失败说明其他节点已持有该用户，本地什么都不改。
	marked, err := s.store.MarkOnline(ctx, r.ID)
	if err != nil {
		return err
	}
	// 本节点没能写回 offline 的用户，存储中的 online 就是本节点留下的，直接接管。
	if !marked && s.pendingOffline.TryRemove(r.ID) {
		s.Logger().Info("reclaim pending offline user on login", log.FieldUser(r.ID))
		marked = true
	}
	if !marked {
		return merr.WrapErrUserAlreadyOnline(r.ID)
	}

	ack, err := s.attach(ctx, sess, user)
	if err != nil {
		s.rollbackLogin(ctx, sess, r.ID)
		return err
	}
	if err := sess.Send(ack); err != nil {
		// 离线消息已经取出，只能记录下来。
		s.Logger().Warn("failed to send login ack", log.FieldUser(r.ID), zap.Int("offline", len(ack.OfflineMsg)), zap.Error(err))
	}
	s.Logger().Info("user logged in", log.FieldUser(r.ID), log.FieldSession(sess.ID()), zap.Stringer("remote", sess.RemoteAddr()))
	return nil
}

func (s *Service) attach(ctx context.Context, sess session.Session, user store.User) (LoginAck, error) {
	if err := s.dir.Add(user.ID, sess); err != nil {
		return LoginAck{}, err
	}
	if err := s.bridge.Subscribe(ctx, user.ID); err != nil {
		return LoginAck{}, merr.WrapErrBridgeSubscribeFailed(user.ID, err)
	}
	friends, err := s.store.QueryFriends(ctx, user.ID)
	if err != nil {
		return LoginAck{}, err
	}
	groups, err := s.store.QueryGroups(ctx, user.ID)
	if err != nil {
		return LoginAck{}, err
	}
	// 最后再取离线消息，之前任何一步失败都不会丢消息。
	offline, err := s.store.TakeOfflineMessages(ctx, user.ID)
	if err != nil {
		return LoginAck{}, err
	}
	return LoginAck{
		Ack:        Ack{MsgID: MsgLoginAck},
		ID:         user.ID,
		Name:       user.Name,
		Friends:    friends,
		Groups:     groups,
		OfflineMsg: offline,
	}, nil
}

// rollbackLogin 撤销 attach 的部分结果，调用方持有 uid 的用户锁。
func (s *Service) rollbackLogin(ctx context.Context, sess session.Session, uid int64) {
	s.dir.Remove(uid, sess)
	if err := s.markOffline(ctx, uid); err != nil {
		s.Logger().Error("failed to roll back user state", log.FieldUser(uid), zap.Error(err))
	}
}

func (s *Service) register(ctx context.Context, _ session.Session, req *router.Request) (any, error) {
	r := req.Body.(*RegRequest)
	id, err := s.doRegister(ctx, r)
	if err != nil {
		return RegAck{Ack: newAck(MsgRegAck, err)}, err
	}
	return RegAck{Ack: Ack{MsgID: MsgRegAck}, ID: id}, nil
}

func (s *Service) doRegister(ctx context.Context, r *RegRequest) (int64, error) {
	if err := ValidateUsername(r.Name); err != nil {
		return 0, err
	}
	if err := ValidatePassword(r.Password); err != nil {
		return 0, err
	}
	hash, salt, err := HashPassword(r.Password)
	if err != nil {
		return 0, err
	}
	id, err := s.store.InsertUser(ctx, store.User{Name: r.Name, Password: hash, Salt: salt, State: store.StateOffline})
	if err != nil {
		return 0, err
	}
	s.Logger().Info("user registered", log.FieldUser(id), zap.String("name", r.Name))
	return id, nil
}

// oneChat 只在失败时回复 ONE_CHAT_ACK，成功时原始报文原样投递给接收方。
func (s *Service) oneChat(ctx context.Context, sess session.Session, req *router.Request) (any, error) {
	r := req.Body.(*ChatRequest)
	err := s.authorize(sess, r.ID)
	if err == nil {
		err = ValidateUserID(r.ToID)
	}
	if err == nil {
		err = ValidateMessage(r.Msg, s.maxMessageLength)
	}
	if err == nil {
		_, err = s.deliver(ctx, r.ToID, req.Payload)
	}
	if err != nil {
		return newAck(MsgOneChatAck, err), err
	}
	return nil, nil
}

// groupChat 投递给除发送者外的全部成员，单个成员失败不影响其他成员。
func (s *Service) groupChat(ctx context.Context, sess session.Session, req *router.Request) (any, error) {
	r := req.Body.(*ChatRequest)
	err := s.authorize(sess, r.ID)
	if err == nil {
		err = ValidateGroupID(r.GroupID)
	}
	if err == nil {
		err = ValidateMessage(r.Msg, s.maxMessageLength)
	}
	if err != nil {
		return newAck(MsgOneChatAck, err), err
	}

	members, err := s.store.QueryGroupMemberIDs(ctx, r.GroupID, r.ID)
	if err != nil {
		return newAck(MsgOneChatAck, err), err
	}
	var errs []error
	for _, uid := range members {
		if _, err := s.deliver(ctx, uid, req.Payload); err != nil {
			s.Logger().Warn("group message delivery failed",
				zap.Int64("group", r.GroupID),
				log.FieldUser(uid),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return newAck(MsgOneChatAck, errs[0]), merr.Combine(errs...)
	}
	return nil, nil
}

func (s *Service) addFriend(ctx context.Context, sess session.Session, req *router.Request) (any, error) {
	r := req.Body.(*AddFriendRequest)
	err := s.authorize(sess, r.ID)
	if err == nil {
		err = ValidateUserID(r.FriendID)
	}
	if err == nil && r.FriendID == r.ID {
		err = merr.WrapErrCannotAddSelf(r.ID)
	}
	if err == nil {
		err = s.store.InsertFriendEdge(ctx, r.ID, r.FriendID)
	}
	return newAck(MsgAddFriendAck, err), err
}

func (s *Service) createGroup(ctx context.Context, sess session.Session, req *router.Request) (any, error) {
	r := req.Body.(*CreateGroupRequest)
	err := s.authorize(sess, r.ID)
	if err == nil {
		err = ValidateGroupName(r.GroupName)
	}
	var gid int64
	if err == nil {
		gid, err = s.store.CreateGroup(ctx, store.Group{Name: r.GroupName, Desc: r.GroupDesc}, r.ID)
	}
	return CreateGroupAck{Ack: newAck(MsgCreateGroupAck, err), GroupID: gid}, err
}

func (s *Service) addGroup(ctx context.Context, sess session.Session, req *router.Request) (any, error) {
	r := req.Body.(*AddGroupRequest)
	err := s.authorize(sess, r.ID)
	if err == nil {
		err = ValidateGroupID(r.GroupID)
	}
	if err == nil {
		err = s.store.AddMembership(ctx, r.ID, r.GroupID, store.RoleNormal)
	}
	return newAck(MsgAddGroupAck, err), err
}

// logout 解除绑定但不关闭连接，客户端可以继续用该连接登录其他账号。
func (s *Service) logout(ctx context.Context, sess session.Session, req *router.Request) (any, error) {
	r := req.Body.(*IDRequest)
	err := s.authorize(sess, r.ID)
	if err == nil {
		err = s.detach(ctx, r.ID, sess)
	}
	if err == nil {
		s.Logger().Info("user logged out", log.FieldUser(r.ID), log.FieldSession(sess.ID()))
	}
	return newAck(MsgLogoutAck, err), err
}

// changePassword 校验旧密码后以新的盐重新生成哈希。
func (s *Service) changePassword(ctx context.Context, sess session.Session, req *router.Request) (any, error) {
	r := req.Body.(*ChangePwdRequest)
	err := s.authorize(sess, r.ID)
	if err == nil {
		err = ValidatePassword(r.Password)
	}
	if err == nil {
		err = s.doChangePassword(ctx, r)
	}
	return newAck(MsgChangePwdAck, err), err
}

func (s *Service) doChangePassword(ctx context.Context, r *ChangePwdRequest) error {
	user, found, err := s.store.QueryUserByID(ctx, r.ID)
	if err != nil {
		return err
	}
	if !found {
		return merr.WrapErrUserNotFound(r.ID)
	}
	if !VerifyPassword(r.OldPassword, user.Password, user.Salt) {
		return merr.WrapErrInvalidPassword(r.ID)
	}
	hash, salt, err := HashPassword(r.Password)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, r.ID, hash, salt); err != nil {
		return err
	}
	s.Logger().Info("password changed", log.FieldUser(r.ID))
	return nil
}

func (s *Service) heartCheck(context.Context, session.Session, *router.Request) (any, error) {
	return Ack{MsgID: MsgHeartCheckAck}, nil
}
