// Package db 封装 PostgreSQL 的打开、迁移，以及把连接池中的 *sql.Conn
// 以统一的 DBTX 形式交给存储层使用。
package db

import (
	"context"
	"database/sql"
)

// DBTX 是存储层用到的 database/sql 子集，*sql.DB、*sql.Conn、*sql.Tx 都满足它。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxBeginner 可以开启事务，*sql.DB 与 *sql.Conn 都满足它。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// WithTx 在事务中执行 fn：fn 返回 nil 时提交，返回错误或 panic 时回滚，panic 会继续向上抛出。
//
//	err := db.WithTx(ctx, conn, nil, func(ctx context.Context, tx db.DBTX) error {
//	    _, err := tx.ExecContext(ctx, "UPDATE ...")
//	    return err
//	})
func WithTx(ctx context.Context, b TxBeginner, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := b.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}
