package db

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/storage/migrations"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
	"github.com/lk2023060901/chat-garden-go/pkg/util/retry"
)

// Config 是数据库连接参数，来自连接池的 key=value 配置文件。
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	// SSLMode 为空时使用 disable。
	SSLMode string
}

// DSN 返回 pgx 可识别的 postgres:// 连接串。
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

// Open 打开数据库并确认可连通。
//
// 物理连接的复用由上层连接池负责，所以这里把 database/sql 自身的空闲连接数设为 0：
// *sql.Conn 关闭时底层连接直接断开，而不是留在 database/sql 内部。
func Open(ctx context.Context, cfg Config, maxOpen int) (*sql.DB, error) {
	sqlDB, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, merr.WrapErrDatabaseConnectionFailed(err)
	}
	sqlDB.SetMaxIdleConns(0)
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}

	err = retry.Do(ctx, func() error {
		return sqlDB.PingContext(ctx)
	}, retry.Attempts(5))
	if err != nil {
		_ = sqlDB.Close()
		return nil, merr.WrapErrDatabaseConnectionFailed(err)
	}
	log.Ctx(ctx).Info("database opened",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("dbname", cfg.DBName))
	return sqlDB, nil
}

// Migrate 把内嵌的表结构迁移到最新版本。
func Migrate(ctx context.Context, sqlDB *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
