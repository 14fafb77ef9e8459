package pool

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config 描述连接池容量与超时。
type Config struct {
	// InitSize 启动时同步创建的连接数，也是回收器保留的下限。
	InitSize int
	// MaxSize 存活连接数的硬上限。
	MaxSize int
	// MaxIdleTime 超出 InitSize 的连接空闲多久后被回收，同时是回收器的扫描周期。
	MaxIdleTime time.Duration
	// ConnectionTimeout Acquire 等待空闲连接的最长时间。
	ConnectionTimeout time.Duration
}

func (c Config) Validate() error {
	switch {
	case c.MaxSize <= 0:
		return errors.Newf("pool: maxsize must be positive, got %d", c.MaxSize)
	case c.InitSize < 0 || c.InitSize > c.MaxSize:
		return errors.Newf("pool: initsize must be within [0, %d], got %d", c.MaxSize, c.InitSize)
	case c.MaxIdleTime <= 0:
		return errors.Newf("pool: maxIdletime must be positive, got %s", c.MaxIdleTime)
	case c.ConnectionTimeout <= 0:
		return errors.Newf("pool: connectiontimeout must be positive, got %s", c.ConnectionTimeout)
	}
	return nil
}

type options struct {
	dialTimeout    time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	name           string
}

func defaultOptions() *options {
	return &options{
		dialTimeout:    5 * time.Second,
		backoffInitial: 50 * time.Millisecond,
		backoffMax:     5 * time.Second,
		name:           "store",
	}
}

// Option 调整连接池的非容量类参数。
type Option func(*options)

// WithDialTimeout 单次建连的超时时间。
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// WithDialBackoff 生产者建连失败后的指数退避区间。
func WithDialBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		o.backoffInitial = initial
		o.backoffMax = max
	}
}

// WithName 连接池名称，用于日志。
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}
