// Package pool 实现有界的存储连接池：启动时预建连接，按需由生产者补充，
// 回收器清理超出下限的空闲连接，Acquire 支持超时与 ctx 取消。
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/metrics"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// Conn 是池中连接需要满足的最小接口。
type Conn interface {
	// Ping 探活，取出连接时调用。
	Ping(ctx context.Context) error
	Close() error
}

// Factory 创建一个新连接。
type Factory[C Conn] func(ctx context.Context) (C, error)

type idleConn[C Conn] struct {
	conn      C
	idleSince time.Time
}

// Stats 是连接池某一时刻的快照。
type Stats struct {
	Live    int
	Idle    int
	Waiting int
}

// Pool 是泛型的有界连接池。
//
// 不变式：live <= MaxSize；回收器不会让 live 低于 InitSize；
// idle 队列按归还时间排序，队首空闲最久。
type Pool[C Conn] struct {
	log.Binder

	cfg     Config
	opt     *options
	factory Factory[C]

	mu      sync.Mutex
	idle    []idleConn[C]
	live    int
	waiting int
	closed  bool
	// changed 在 idle 入队或关闭时被 close 并替换，等待者据此实现带超时的条件等待。
	changed chan struct{}
	// produce 唤醒生产者，容量为 1，重复信号会被合并。
	produce chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 同步创建 InitSize 个连接并启动生产者与回收器。
// InitSize > 0 但一个连接都建不起来时返回 merr.ErrPoolUnhealthy，不启动任何后台任务。
func New[C Conn](cfg Config, factory Factory[C], opts ...Option) (*Pool[C], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opt := defaultOptions()
	for _, o := range opts {
		o(opt)
	}

	p := &Pool[C]{
		cfg:     cfg,
		opt:     opt,
		factory: factory,
		changed: make(chan struct{}),
		produce: make(chan struct{}, 1),
	}
	p.SetLogger(log.With(log.FieldComponent("pool"), zap.String("pool", opt.name)))

	var lastErr error
	for i := 0; i < cfg.InitSize; i++ {
		conn, err := p.dial(context.Background())
		if err != nil {
			lastErr = err
			continue
		}
		p.idle = append(p.idle, idleConn[C]{conn: conn, idleSince: time.Now()})
		p.live++
	}
	if cfg.InitSize > 0 && p.live == 0 {
		p.Logger().Error("no store connection could be created", zap.Int("initsize", cfg.InitSize), zap.Error(lastErr))
		return nil, merr.WrapErrPoolUnhealthy(cfg.InitSize, lastErr)
	}
	if lastErr != nil {
		p.Logger().Warn("pool started below initsize",
			zap.Int("initsize", cfg.InitSize),
			zap.Int("live", p.live),
			zap.Error(lastErr))
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(2)
	go p.produceLoop()
	go p.reapLoop()

	p.mu.Lock()
	p.reportLocked()
	p.mu.Unlock()
	p.Logger().Info("pool started",
		zap.Int("live", p.live),
		zap.Int("maxsize", cfg.MaxSize),
		zap.Duration("maxIdletime", cfg.MaxIdleTime),
		zap.Duration("connectiontimeout", cfg.ConnectionTimeout))
	return p, nil
}

func (p *Pool[C]) dial(ctx context.Context) (C, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opt.dialTimeout)
	defer cancel()
	conn, err := p.factory(ctx)
	if err != nil {
		metrics.PoolDialTotal.WithLabelValues(metrics.FailLabel).Inc()
		return conn, err
	}
	metrics.PoolDialTotal.WithLabelValues(metrics.SuccessLabel).Inc()
	return conn, nil
}

// Acquire 取出一个空闲连接，没有时最多等待 ConnectionTimeout。
//
// 取出的连接会先 Ping；探活失败时关闭它并同步重建一个，所以重连路径上
// Acquire 的总耗时可能超过 ConnectionTimeout（额外最多一次建连超时）。
// 重建失败时存活数减一并返回建连错误。
//
// 等待超时返回可重试的 merr.ErrPoolExhausted，ctx 结束返回 ctx.Err()，
// 池已关闭返回 merr.ErrPoolClosed。
func (p *Pool[C]) Acquire(ctx context.Context) (*Handle[C], error) {
	start := time.Now()
	timer := time.NewTimer(p.cfg.ConnectionTimeout)
	defer timer.Stop()

	p.mu.Lock()
	for len(p.idle) == 0 {
		if p.closed {
			p.mu.Unlock()
			metrics.PoolAcquireTotal.WithLabelValues(metrics.ClosedLabel).Inc()
			return nil, merr.ErrPoolClosed
		}
		if p.live < p.cfg.MaxSize {
			p.wakeProducer()
		}
		p.waiting++
		p.reportLocked()
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			p.mu.Lock()
			p.waiting--
			live := p.live
			p.reportLocked()
			p.mu.Unlock()
			metrics.PoolAcquireTotal.WithLabelValues(metrics.TimeoutLabel).Inc()
			return nil, merr.WrapErrPoolExhausted(time.Since(start), live)
		case <-ctx.Done():
			p.mu.Lock()
			p.waiting--
			p.reportLocked()
			p.mu.Unlock()
			metrics.PoolAcquireTotal.WithLabelValues(metrics.FailLabel).Inc()
			return nil, ctx.Err()
		}

		p.mu.Lock()
		p.waiting--
	}
	if p.closed {
		p.mu.Unlock()
		metrics.PoolAcquireTotal.WithLabelValues(metrics.ClosedLabel).Inc()
		return nil, merr.ErrPoolClosed
	}

	front := p.idle[0]
	p.idle[0] = idleConn[C]{}
	p.idle = p.idle[1:]
	if len(p.idle) == 0 && p.live < p.cfg.MaxSize {
		p.wakeProducer()
	}
	p.reportLocked()
	p.mu.Unlock()

	conn := front.conn
	if err := conn.Ping(ctx); err != nil {
		p.Logger().Warn("pooled connection failed liveness check, reconnecting", zap.Error(err))
		_ = conn.Close()
		fresh, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.wakeProducer()
			p.reportLocked()
			p.mu.Unlock()
			metrics.PoolAcquireTotal.WithLabelValues(metrics.FailLabel).Inc()
			return nil, merr.WrapErrDatabaseConnectionFailed(err)
		}
		conn = fresh
	}

	metrics.PoolAcquireTotal.WithLabelValues(metrics.SuccessLabel).Inc()
	metrics.PoolAcquireLatency.Observe(float64(time.Since(start).Milliseconds()))
	return &Handle[C]{pool: p, conn: conn}, nil
}

// With 在 fn 执行期间持有一个连接，任何退出路径（包括 panic）都会归还且只归还一次。
func (p *Pool[C]) With(ctx context.Context, fn func(conn C) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h.Conn())
}

func (p *Pool[C]) put(conn C) {
	p.mu.Lock()
	if p.closed {
		p.live--
		p.reportLocked()
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.idle = append(p.idle, idleConn[C]{conn: conn, idleSince: time.Now()})
	p.notifyLocked()
	p.reportLocked()
	p.mu.Unlock()
}

func (p *Pool[C]) discard(conn C) {
	p.mu.Lock()
	p.live--
	if !p.closed {
		p.wakeProducer()
	}
	p.reportLocked()
	p.mu.Unlock()
	_ = conn.Close()
}

// notifyLocked 唤醒所有等待者，调用方需持有 p.mu。
func (p *Pool[C]) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool[C]) wakeProducer() {
	select {
	case p.produce <- struct{}{}:
	default:
	}
}

// produceLoop 在 idle 为空且未达上限时补充一个连接。
// 建连在锁外进行，入队前再次检查上限，失败按指数退避后重试。
func (p *Pool[C]) produceLoop() {
	defer p.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opt.backoffInitial
	bo.MaxInterval = p.opt.backoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	dialLog := log.With(log.FieldComponent("pool.producer")).WithRateGroup("pool.producer.dial", 1, 30)

	for {
		p.mu.Lock()
		need := !p.closed && len(p.idle) == 0 && p.live < p.cfg.MaxSize
		p.mu.Unlock()
		if !need {
			select {
			case <-p.produce:
				continue
			case <-p.ctx.Done():
				return
			}
		}

		conn, err := p.dial(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			dialLog.RatedWarn(1, "producer failed to create store connection",
				zap.Duration("backoff", wait), zap.Error(err))
			select {
			case <-time.After(wait):
			case <-p.ctx.Done():
				return
			}
			continue
		}
		bo.Reset()

		p.mu.Lock()
		if p.closed || p.live >= p.cfg.MaxSize {
			p.mu.Unlock()
			_ = conn.Close()
			continue
		}
		p.live++
		p.idle = append(p.idle, idleConn[C]{conn: conn, idleSince: time.Now()})
		p.notifyLocked()
		p.reportLocked()
		p.mu.Unlock()
	}
}

func (p *Pool[C]) reapLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.MaxIdleTime)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			p.reap(now)
		case <-p.ctx.Done():
			return
		}
	}
}

// reap 从队首开始回收空闲时间 >= MaxIdleTime 的连接，遇到第一个不满足的即停止，
// 且不会让 live 低于 InitSize。连接在锁外关闭。
func (p *Pool[C]) reap(now time.Time) int {
	var evicted []C
	p.mu.Lock()
	for p.live > p.cfg.InitSize && len(p.idle) > 0 {
		front := p.idle[0]
		if now.Sub(front.idleSince) < p.cfg.MaxIdleTime {
			break
		}
		p.idle[0] = idleConn[C]{}
		p.idle = p.idle[1:]
		p.live--
		evicted = append(evicted, front.conn)
	}
	if len(evicted) > 0 {
		p.reportLocked()
	}
	p.mu.Unlock()

	for _, conn := range evicted {
		_ = conn.Close()
	}
	if len(evicted) > 0 {
		p.Logger().Debug("reaped idle connections", zap.Int("count", len(evicted)))
	}
	return len(evicted)
}

// Stats 返回当前存活、空闲与等待数。
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Live: p.live, Idle: len(p.idle), Waiting: p.waiting}
}

func (p *Pool[C]) reportLocked() {
	metrics.PoolConnections.WithLabelValues(metrics.PoolStateLive).Set(float64(p.live))
	metrics.PoolConnections.WithLabelValues(metrics.PoolStateIdle).Set(float64(len(p.idle)))
	metrics.PoolConnections.WithLabelValues(metrics.PoolStateWaiting).Set(float64(p.waiting))
}

// Close 停止后台任务、关闭所有空闲连接，并让等待者返回 merr.ErrPoolClosed。
// 之后归还的连接会被直接关闭。重复调用是安全的。
func (p *Pool[C]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.notifyLocked()
	p.reportLocked()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	for _, ic := range idle {
		_ = ic.conn.Close()
	}
	p.Logger().Info("pool closed", zap.Int("closed", len(idle)))
}

// Handle 是一次借出的连接，必须且只会归还一次。
type Handle[C Conn] struct {
	pool *Pool[C]
	conn C
	once sync.Once
}

func (h *Handle[C]) Conn() C {
	return h.conn
}

// Release 把连接归还到空闲队列尾部，重复调用无副作用。
func (h *Handle[C]) Release() {
	h.once.Do(func() {
		h.pool.put(h.conn)
	})
}

// Discard 关闭连接而不归还，用于调用方确认连接已损坏的场景。
// 与 Release 共享同一个 once，先调用者生效。
func (h *Handle[C]) Discard() {
	h.once.Do(func() {
		h.pool.discard(h.conn)
	})
}
