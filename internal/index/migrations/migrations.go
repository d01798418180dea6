// Package migrations embeds the cache index schema.
package migrations

import "embed"

// FS 包含按 golang-migrate 命名规则组织的 SQL 文件。
//
//go:embed *.sql
var FS embed.FS
