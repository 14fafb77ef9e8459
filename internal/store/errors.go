package store

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// pgError 返回 err 链上的 PostgreSQL 错误码与约束名。
func pgError(err error) (code string, constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName, true
	}
	return "", "", false
}

func isUniqueViolation(err error) bool {
	code, _, ok := pgError(err)
	return ok && code == pgUniqueViolation
}

// isForeignKeyViolation 判断是否违反外键；column 非空时还要求约束名包含该列名。
func isForeignKeyViolation(err error, column string) bool {
	code, constraint, ok := pgError(err)
	if !ok || code != pgForeignKeyViolation {
		return false
	}
	return column == "" || strings.Contains(constraint, column)
}
