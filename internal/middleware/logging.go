// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// 監査ログの結果。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteAuditLog は鍵操作の監査ログを出力する。
// 永続化される利用ログとは別に、HTTPの操作単位で1行出力する。鍵素材は含めない。
func WriteAuditLog(ctx context.Context, operation string, keyID string, result string) {
	slog.InfoContext(ctx, "key operation completed",
		"operation", operation,
		"key_id", keyID,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
