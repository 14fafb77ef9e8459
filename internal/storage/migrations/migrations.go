// Package migrations 内嵌 goose 格式的 PostgreSQL 表结构迁移脚本。
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
