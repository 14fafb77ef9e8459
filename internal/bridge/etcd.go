package bridge

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/metrics"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
	"github.com/lk2023060901/chat-garden-go/pkg/util/typeutil"
)

const (
	// DefaultRoot 是桥接器在 etcd 中使用的默认根路径。
	DefaultRoot = "chat"
	// DefaultLeaseTTL 为发布键绑定的租约时长，单位秒。
	DefaultLeaseTTL = 30

	channelDir = "channels"
)

var errKeepAliveClosed = errors.New("keep alive channel closed")

// EtcdOption 配置 EtcdBridge。
type EtcdOption func(*EtcdBridge)

// WithRoot 设置 etcd 根路径。
func WithRoot(root string) EtcdOption {
	return func(b *EtcdBridge) {
		b.root = root
	}
}

// WithLeaseTTL 设置发布键的租约时长。
func WithLeaseTTL(ttl int64) EtcdOption {
	return func(b *EtcdBridge) {
		b.leaseTTL = ttl
	}
}

// WithQueueSize 设置入站通道容量。
func WithQueueSize(n int) EtcdOption {
	return func(b *EtcdBridge) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// EtcdBridge 通过 etcd 的 watch 实现跨节点发布/订阅。
//
// 发布即写入 <root>/channels/<id>；每个节点以前缀 watch 该目录，只把本节点订阅了的
// 频道的 PUT 事件放入入站通道。键绑定在发布方的租约上，节点退出后自动清理。
type EtcdBridge struct {
	log.Binder

	cli       *clientv3.Client
	root      string
	leaseTTL  int64
	queueSize int
	leaseID   clientv3.LeaseID

	subs   *typeutil.ConcurrentSet[int64]
	out    chan Message
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Bridge = (*EtcdBridge)(nil)

// NewEtcdBridge 申请租约并启动 watch 与续约协程。
func NewEtcdBridge(ctx context.Context, cli *clientv3.Client, opts ...EtcdOption) (*EtcdBridge, error) {
	b := &EtcdBridge{
		cli:       cli,
		root:      DefaultRoot,
		leaseTTL:  DefaultLeaseTTL,
		queueSize: DefaultQueueSize,
		subs:      typeutil.NewConcurrentSet[int64](),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.SetLogger(log.With(log.FieldComponent("bridge")))

	resp, err := cli.Grant(ctx, b.leaseTTL)
	if err != nil {
		return nil, merr.WrapErrBridgeConnectionFailed(cli.Endpoints(), err)
	}
	b.leaseID = resp.ID
	b.out = make(chan Message, b.queueSize)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	// watch 从当前 revision 之后开始，避免重放历史发布。
	getResp, err := cli.Get(ctx, b.channelPrefix(), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		b.cancel()
		return nil, merr.WrapErrBridgeConnectionFailed(cli.Endpoints(), err)
	}

	b.wg.Add(2)
	go b.keepAliveLoop()
	go b.watchLoop(getResp.Header.Revision + 1)
	b.Logger().Info("etcd bridge started",
		zap.String("root", b.root),
		zap.Int64("leaseID", int64(b.leaseID)))
	return b, nil
}

func (b *EtcdBridge) channelPrefix() string {
	return path.Join(b.root, channelDir) + "/"
}

func (b *EtcdBridge) channelKey(channel int64) string {
	return b.channelPrefix() + strconv.FormatInt(channel, 10)
}

func (b *EtcdBridge) Publish(ctx context.Context, channel int64, payload []byte) error {
	if b.closed.Load() {
		return merr.ErrBridgeClosed
	}
	_, err := b.cli.Put(ctx, b.channelKey(channel), string(payload), clientv3.WithLease(b.leaseID))
	return merr.WrapErrBridgePublishFailed(channel, err)
}

func (b *EtcdBridge) Subscribe(_ context.Context, channel int64) error {
	if b.closed.Load() {
		return merr.ErrBridgeClosed
	}
	b.subs.Insert(channel)
	return nil
}

func (b *EtcdBridge) Unsubscribe(_ context.Context, channel int64) error {
	b.subs.TryRemove(channel)
	return nil
}

func (b *EtcdBridge) Messages() <-chan Message {
	return b.out
}

// Close 停止后台协程、撤销租约并关闭入站通道。
func (b *EtcdBridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	close(b.out)
	return nil
}

// watchLoop 持续 watch 频道目录；watch 通道被关闭或出错时按指数退避重建，
// 并从上次处理过的 revision 之后继续。
func (b *EtcdBridge) watchLoop(rev int64) {
	defer b.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		wctx, wcancel := context.WithCancel(b.ctx)
		wch := b.cli.Watch(wctx, b.channelPrefix(), clientv3.WithPrefix(), clientv3.WithRev(rev))
		for wresp := range wch {
			if wresp.CompactRevision != 0 {
				b.Logger().Warn("bridge watch compacted, notifications lost",
					zap.Int64("from", rev),
					zap.Int64("compactRevision", wresp.CompactRevision))
				rev = wresp.CompactRevision
				break
			}
			if err := wresp.Err(); err != nil {
				b.Logger().Warn("bridge watch error", zap.Error(err))
				break
			}
			for _, ev := range wresp.Events {
				rev = ev.Kv.ModRevision + 1
				if ev.Type != mvccpb.PUT {
					continue
				}
				if !b.dispatch(ev.Kv) {
					wcancel()
					return
				}
			}
			bo.Reset()
		}
		wcancel()

		if b.ctx.Err() != nil {
			return
		}
		interval := bo.NextBackOff()
		b.Logger().Warn("bridge watch closed, rewatch", zap.Int64("revision", rev), zap.Duration("backoff", interval))
		select {
		case <-time.After(interval):
		case <-b.ctx.Done():
			return
		}
	}
}

// dispatch 把本节点订阅了的频道消息放入入站通道，ctx 结束时返回 false。
func (b *EtcdBridge) dispatch(kv *mvccpb.KeyValue) bool {
	channel, err := strconv.ParseInt(path.Base(string(kv.Key)), 10, 64)
	if err != nil {
		b.Logger().Warn("unexpected bridge key", zap.ByteString("key", kv.Key))
		return true
	}
	if !b.subs.Contain(channel) {
		return true
	}
	select {
	case b.out <- Message{Channel: channel, Payload: kv.Value}:
		return true
	case <-b.ctx.Done():
		metrics.BridgeInboundTotal.WithLabelValues(metrics.DroppedLabel).Inc()
		return false
	}
}

// keepAliveLoop 为租约续约；续约通道关闭时按指数退避重建，退出时撤销租约。
func (b *EtcdBridge) keepAliveLoop() {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := b.cli.Revoke(ctx, b.leaseID); err != nil {
			b.Logger().Warn("failed to revoke bridge lease", zap.Error(err), zap.Int64("leaseID", int64(b.leaseID)))
		}
		b.wg.Done()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for {
		if b.ctx.Err() != nil {
			return
		}
		if lastErr != nil {
			interval := bo.NextBackOff()
			b.Logger().Warn("bridge keep alive failed, wait for retry", zap.Error(lastErr), zap.Duration("backoff", interval))
			select {
			case <-time.After(interval):
			case <-b.ctx.Done():
				return
			}
		}

		ch, err := b.cli.KeepAlive(b.ctx, b.leaseID)
		if err != nil {
			lastErr = err
			continue
		}
		// 阻塞直到续约通道关闭。
		received := false
		for range ch {
			received = true
		}
		if received {
			bo.Reset()
		}
		lastErr = errKeepAliveClosed
	}
}
