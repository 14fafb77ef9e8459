package chat

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/bridge"
	"github.com/lk2023060901/chat-garden-go/internal/json"
	"github.com/lk2023060901/chat-garden-go/internal/store"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/metrics"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// Path 是一条消息最终的投递路径，同时作为 chat_delivery_total 的 path 标签。
type Path string

const (
	PathLocal   Path = "local"
	PathRemote  Path = "remote"
	PathOffline Path = "offline"
	PathDropped Path = "dropped"
)

// deliver 把 payload 投递给 toID，每次调用恰好走一条路径：
//  1. 本节点在线：写入会话；会话已并发关闭时转为离线存储，不再发布；
//  2. 持久化状态为 online：发布到桥接器，失败时丢弃并计数；
//  3. 否则写入离线消息。
//
// 路径决策、本地写入与离线写入在接收方的用户锁内完成，与登录取离线消息互斥；
// 发布在锁外进行。本地写入留在锁内以保证同一接收方的消息顺序，
// 代价是接收方发送队列满时 Send 最多阻塞一个发送超时，
// 期间落在同一分段的其他用户的投递与登录也要等待。
func (s *Service) deliver(ctx context.Context, toID int64, payload []byte) (Path, error) {
	p, err := s.route(ctx, toID, payload)
	if p != PathRemote {
		return p, err
	}
	if err := s.bridge.Publish(ctx, toID, payload); err != nil {
		if !errors.Is(err, merr.ErrBridgePublishFailed) {
			err = merr.WrapErrBridgePublishFailed(toID, err)
		}
		s.Logger().Warn("bridge publish failed, message dropped", log.FieldUser(toID), zap.Error(err))
		return s.count(PathDropped), err
	}
	return s.count(PathRemote), nil
}

// route 在用户锁内决定投递路径。返回 PathRemote 时尚未发布也尚未计数，其余路径已经完成。
func (s *Service) route(ctx context.Context, toID int64, payload []byte) (Path, error) {
	unlock := s.dir.LockUser(toID)
	defer unlock()

	if sess, ok := s.dir.Get(toID); ok {
		err := sess.Send(json.RawMessage(payload))
		if err == nil {
			return s.count(PathLocal), nil
		}
		s.Logger().Debug("local send failed, storing offline", log.FieldUser(toID), zap.Error(err))
		return s.storeOffline(ctx, toID, payload)
	}

	user, found, err := s.store.QueryUserByID(ctx, toID)
	if err != nil {
		return s.count(PathDropped), err
	}
	if !found {
		return s.count(PathDropped), merr.WrapErrUserNotFound(toID)
	}
	if user.State == store.StateOnline {
		return PathRemote, nil
	}
	return s.storeOffline(ctx, toID, payload)
}

// deliverInbound 处理桥接器送来的通知：本地在线则写入会话，否则转为离线存储。
// 入站计数只在这里进行，桥接器本身不计 received。
func (s *Service) deliverInbound(ctx context.Context, msg bridge.Message) {
	metrics.BridgeInboundTotal.WithLabelValues(metrics.ReceivedLabel).Inc()

	unlock := s.dir.LockUser(msg.Channel)
	defer unlock()

	if sess, ok := s.dir.Get(msg.Channel); ok {
		if err := sess.Send(json.RawMessage(msg.Payload)); err == nil {
			s.count(PathLocal)
			return
		}
	}
	if _, err := s.storeOffline(ctx, msg.Channel, msg.Payload); err != nil {
		metrics.BridgeInboundTotal.WithLabelValues(metrics.DroppedLabel).Inc()
		s.Logger().Error("inbound message lost", log.FieldUser(msg.Channel), zap.Error(err))
	}
}

func (s *Service) storeOffline(ctx context.Context, toID int64, payload []byte) (Path, error) {
	if err := s.store.InsertOfflineMessage(ctx, toID, string(payload)); err != nil {
		return s.count(PathDropped), err
	}
	return s.count(PathOffline), nil
}

func (s *Service) count(p Path) Path {
	metrics.DeliveryTotal.WithLabelValues(string(p)).Inc()
	return p
}
