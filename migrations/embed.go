// Package migrations はQKD鍵管理のスキーマ定義SQLを埋め込む。
package migrations

import "embed"

// FS はマイグレーションSQLファイル群。ファイル名は {version}_{name}.sql。
//
//go:embed *.sql
var FS embed.FS
