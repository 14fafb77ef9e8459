// Package bridge 在多个聊天节点之间转发发往某个用户的消息。
//
// 每个用户 id 即一个频道：节点在用户登录时订阅其频道，下线时退订；
// 其他节点向该频道发布的消息经 Messages() 交给本节点的路由协程。
package bridge

import (
	"context"
)

// DefaultQueueSize 是入站消息通道的默认容量。
const DefaultQueueSize = 1024

// Message 是从其他节点收到的一条通知。
type Message struct {
	Channel int64
	Payload []byte
}

// Bridge 是节点间的发布/订阅总线。
type Bridge interface {
	// Publish 向频道发布一条消息，没有订阅者时消息被丢弃。
	Publish(ctx context.Context, channel int64, payload []byte) error
	Subscribe(ctx context.Context, channel int64) error
	Unsubscribe(ctx context.Context, channel int64) error
	// Messages 返回有界的入站消息通道，Close 之后通道被关闭。
	Messages() <-chan Message
	Close() error
}
