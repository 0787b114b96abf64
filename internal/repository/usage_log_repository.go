package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"qkd-key-manager/internal/domain"
)

// UsageLogModel はusage_logテーブルのモデル。
type UsageLogModel struct {
	LogID     string    `gorm:"column:log_id;type:varchar(36);primaryKey"`
	KeyID     string    `gorm:"column:key_id;type:varchar(64);not null;index"`
	Action    string    `gorm:"column:action;type:varchar(16);not null"`
	Timestamp time.Time `gorm:"column:timestamp;type:datetime(6);not null"`
	Details   string    `gorm:"column:details;type:text"`
}

// TableName はテーブル名を返す。
func (UsageLogModel) TableName() string {
	return "usage_log"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *UsageLogModel) BeforeCreate(tx *gorm.DB) error {
	if m.LogID == "" {
		m.LogID = uuid.New().String()
	}
	return nil
}

// UsageLogRepository は追記専用の利用ログを提供する。更新・削除の操作は持たない。
type UsageLogRepository struct {
	db *gorm.DB
}

// NewUsageLogRepository は新しいUsageLogRepositoryを生成する。
func NewUsageLogRepository(db *gorm.DB) *UsageLogRepository {
	return &UsageLogRepository{db: db}
}

// Append はログを1件追記する。
func (r *UsageLogRepository) Append(ctx context.Context, entry *domain.UsageLogEntry) error {
	model := &UsageLogModel{
		LogID:     entry.LogID,
		KeyID:     entry.KeyID,
		Action:    string(entry.Action),
		Timestamp: entry.Timestamp,
		Details:   entry.Details,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to append usage log",
			"operation", "append",
			"key_id", entry.KeyID,
			"action", entry.Action,
			"error", err,
		)
		return err
	}
	entry.LogID = model.LogID
	return nil
}

// FindByKeyID は鍵IDのログを時系列順に取得する。
func (r *UsageLogRepository) FindByKeyID(ctx context.Context, keyID string) ([]*domain.UsageLogEntry, error) {
	var models []UsageLogModel
	err := r.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		Order("timestamp ASC").
		Order("log_id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find usage log",
			"operation", "find_by_key_id",
			"key_id", keyID,
			"error", err,
		)
		return nil, err
	}

	entries := make([]*domain.UsageLogEntry, len(models))
	for i, m := range models {
		entries[i] = &domain.UsageLogEntry{
			LogID:     m.LogID,
			KeyID:     m.KeyID,
			Action:    domain.UsageAction(m.Action),
			Timestamp: m.Timestamp.UTC(),
			Details:   m.Details,
		}
	}
	return entries, nil
}
