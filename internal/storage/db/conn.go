package db

import (
	"context"
	"database/sql"
	"database/sql/driver"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/chat-garden-go/internal/storage/pool"
)

// Conn 是池化的单条数据库连接。
type Conn struct {
	*sql.Conn
}

var _ pool.Conn = (*Conn)(nil)

func (c *Conn) Ping(ctx context.Context) error {
	return c.PingContext(ctx)
}

// ConnFactory 返回从 sqlDB 中取出一条独占物理连接的工厂。
func ConnFactory(sqlDB *sql.DB) pool.Factory[*Conn] {
	return func(ctx context.Context) (*Conn, error) {
		c, err := sqlDB.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return &Conn{Conn: c}, nil
	}
}

// Provider 为存储层提供执行 SQL 的句柄，调用期间句柄独占一条连接或一个事务。
type Provider interface {
	WithConn(ctx context.Context, fn func(ctx context.Context, q DBTX) error) error
	WithTx(ctx context.Context, fn func(ctx context.Context, q DBTX) error) error
}

// PooledProvider 通过连接池执行 SQL。
type PooledProvider struct {
	pool *pool.Pool[*Conn]
}

func NewPooledProvider(p *pool.Pool[*Conn]) *PooledProvider {
	return &PooledProvider{pool: p}
}

// WithConn 借出一条连接执行 fn；驱动报告连接已损坏时丢弃该连接而不是归还。
func (p *PooledProvider) WithConn(ctx context.Context, fn func(ctx context.Context, q DBTX) error) error {
	return p.withConn(ctx, func(c *Conn) error {
		return fn(ctx, c.Conn)
	})
}

func (p *PooledProvider) WithTx(ctx context.Context, fn func(ctx context.Context, q DBTX) error) error {
	return p.withConn(ctx, func(c *Conn) error {
		return WithTx(ctx, c.Conn, nil, fn)
	})
}

func (p *PooledProvider) withConn(ctx context.Context, fn func(c *Conn) error) (err error) {
	h, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if errors.Is(err, driver.ErrBadConn) {
			h.Discard()
			return
		}
		h.Release()
	}()
	return fn(h.Conn())
}

// Handle 是可以直接执行 SQL 也可以开启事务的句柄，例如 *sql.DB。
type Handle interface {
	DBTX
	TxBeginner
}

// DirectProvider 直接在 h 上执行 SQL，用于测试和不经过连接池的管理操作。
type DirectProvider struct {
	h Handle
}

func NewDirectProvider(h Handle) *DirectProvider {
	return &DirectProvider{h: h}
}

func (p *DirectProvider) WithConn(ctx context.Context, fn func(ctx context.Context, q DBTX) error) error {
	return fn(ctx, p.h)
}

func (p *DirectProvider) WithTx(ctx context.Context, fn func(ctx context.Context, q DBTX) error) error {
	return WithTx(ctx, p.h, nil, fn)
}
