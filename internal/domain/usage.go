package domain

import "time"

// UsageAction は利用ログに記録する操作種別。
type UsageAction string

const (
	UsageActionGenerated UsageAction = "GENERATED"
	UsageActionAccessed  UsageAction = "ACCESSED"
	UsageActionConsumed  UsageAction = "CONSUMED"
)

// UsageLogEntry は鍵の利用ログを表す。追記のみで更新・削除はしない。
type UsageLogEntry struct {
	LogID     string
	KeyID     string
	Action    UsageAction
	Timestamp time.Time
	Details   string
}
