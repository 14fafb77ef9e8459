package bridge

import (
	"context"
	"sync"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// Hub 是进程内的消息总线，同一进程内的多个 LocalBridge 通过它互通。
// 单节点部署与测试使用。
type Hub struct {
	mu   sync.RWMutex
	subs map[int64]map[*LocalBridge]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[*LocalBridge]struct{})}
}

// LocalBridge 是挂在 Hub 上的一个节点。
type LocalBridge struct {
	hub  *Hub
	out  chan Message
	done chan struct{}
	once sync.Once
}

var _ Bridge = (*LocalBridge)(nil)

// NewLocalBridge 在 hub 上创建一个入站队列容量为 queueSize 的节点。
func NewLocalBridge(hub *Hub, queueSize int) *LocalBridge {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &LocalBridge{
		hub:  hub,
		out:  make(chan Message, queueSize),
		done: make(chan struct{}),
	}
}

// Publish 把消息交给订阅了 channel 的每个节点；目标入站队列满时阻塞，直到 ctx 结束。
func (b *LocalBridge) Publish(ctx context.Context, channel int64, payload []byte) error {
	if b.isClosed() {
		return merr.ErrBridgeClosed
	}

	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for target := range b.hub.subs[channel] {
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case target.out <- msg:
		case <-target.done:
		case <-ctx.Done():
			return merr.WrapErrBridgePublishFailed(channel, ctx.Err())
		}
	}
	return nil
}

func (b *LocalBridge) Subscribe(_ context.Context, channel int64) error {
	if b.isClosed() {
		return merr.ErrBridgeClosed
	}
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	set, ok := b.hub.subs[channel]
	if !ok {
		set = make(map[*LocalBridge]struct{})
		b.hub.subs[channel] = set
	}
	set[b] = struct{}{}
	return nil
}

func (b *LocalBridge) Unsubscribe(_ context.Context, channel int64) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.hub.removeLocked(channel, b)
	return nil
}

func (b *LocalBridge) Messages() <-chan Message {
	return b.out
}

// Close 退订全部频道并关闭入站通道，可重复调用。
func (b *LocalBridge) Close() error {
	b.once.Do(func() {
		close(b.done)
		b.hub.mu.Lock()
		for channel := range b.hub.subs {
			b.hub.removeLocked(channel, b)
		}
		b.hub.mu.Unlock()
		// 发布方都在读锁内向 out 写入，拿到写锁之后不会再有写入者。
		close(b.out)
	})
	return nil
}

func (b *LocalBridge) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (h *Hub) removeLocked(channel int64, b *LocalBridge) {
	set, ok := h.subs[channel]
	if !ok {
		return
	}
	delete(set, b)
	if len(set) == 0 {
		delete(h.subs, channel)
	}
}
