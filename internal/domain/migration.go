package domain

import "time"

// MigrationStatus はマイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration はスキーマのマイグレーション1件を表す
type Migration struct {
	Version   string          // 例: "001"
	Name      string          // 例: "create_qkd_keys"
	AppliedAt *time.Time      // 未適用の場合はnil
	Path      string          // マイグレーションFS内のパス
	Status    MigrationStatus
}
