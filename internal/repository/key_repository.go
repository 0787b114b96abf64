// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"qkd-key-manager/internal/domain"
)

// KeyRecordModel はgorm用のモデル定義。
// KeyMaterial にはラップ済みの鍵素材が入る。
type KeyRecordModel struct {
	KeyID       string     `gorm:"column:key_id;type:varchar(64);primaryKey"`
	KeyMaterial []byte     `gorm:"column:key_material;type:blob;not null"`
	LengthBits  int        `gorm:"column:length_bits;not null"`
	Sender      string     `gorm:"column:sender;type:varchar(255);not null"`
	Recipient   string     `gorm:"column:recipient;type:varchar(255);not null"`
	Purpose     string     `gorm:"column:purpose;type:varchar(64);not null"`
	Status      string     `gorm:"column:status;type:varchar(16);not null;default:'active'"`
	CreatedAt   time.Time  `gorm:"column:created_at;type:datetime(6);not null"`
	ExpiresAt   time.Time  `gorm:"column:expires_at;type:datetime(6);not null"`
	ConsumedAt  *time.Time `gorm:"column:consumed_at;type:datetime(6)"`
}

// TableName はテーブル名を返す。
func (KeyRecordModel) TableName() string {
	return "qkd_keys"
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyRecordModel) toDomain() *domain.KeyRecord {
	rec := &domain.KeyRecord{
		KeyID:       m.KeyID,
		KeyMaterial: m.KeyMaterial,
		LengthBits:  m.LengthBits,
		Sender:      m.Sender,
		Recipient:   m.Recipient,
		Usage:       m.Purpose,
		Status:      domain.KeyStatus(m.Status),
		CreatedAt:   m.CreatedAt.UTC(),
		ExpiresAt:   m.ExpiresAt.UTC(),
	}
	if m.ConsumedAt != nil {
		t := m.ConsumedAt.UTC()
		rec.ConsumedAt = &t
	}
	return rec
}

// KeyRepository はQKD鍵テーブルへのアクセスを提供する。
// 状態遷移はすべて status = 'active' を条件とした条件付き更新で行い、
// 終端状態から戻る書き込みは発生しない。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Create は新しい鍵レコードを保存する。
func (r *KeyRepository) Create(ctx context.Context, key *domain.KeyRecord) error {
	model := &KeyRecordModel{
		KeyID:       key.KeyID,
		KeyMaterial: key.KeyMaterial,
		LengthBits:  key.LengthBits,
		Sender:      key.Sender,
		Recipient:   key.Recipient,
		Purpose:     key.Usage,
		Status:      string(key.Status),
		CreatedAt:   key.CreatedAt,
		ExpiresAt:   key.ExpiresAt,
		ConsumedAt:  key.ConsumedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key",
			"operation", "create",
			"key_id", key.KeyID,
			"error", err,
		)
		return err
	}
	return nil
}

// FindByKeyID は鍵IDで鍵を取得する。存在しない場合は nil を返す。
func (r *KeyRepository) FindByKeyID(ctx context.Context, keyID string) (*domain.KeyRecord, error) {
	var model KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key",
			"operation", "find_by_key_id",
			"key_id", keyID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindByOwner は送信者または受信者が owner の鍵を作成日時の降順で取得する。
func (r *KeyRepository) FindByOwner(ctx context.Context, owner string, limit int) ([]*domain.KeyRecord, error) {
	var models []KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("sender = ? OR recipient = ?", owner, owner).
		Order("created_at DESC").
		Order("key_id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find keys by owner",
			"operation", "find_by_owner",
			"owner", owner,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.KeyRecord, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return keys, nil
}

// MarkExpired は有効な鍵を期限切れにする。
// 今回の呼び出しで遷移した場合に true を返す。
func (r *KeyRepository) MarkExpired(ctx context.Context, keyID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("key_id = ? AND status = ?", keyID, string(domain.KeyStatusActive)).
		Update("status", string(domain.KeyStatusExpired))
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to mark key expired",
			"operation", "mark_expired",
			"key_id", keyID,
			"error", res.Error,
		)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkConsumed は有効な鍵を消費済みにする。
// 同時に呼ばれた場合でも true を返すのは1回だけ。
func (r *KeyRepository) MarkConsumed(ctx context.Context, keyID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("key_id = ? AND status = ?", keyID, string(domain.KeyStatusActive)).
		Updates(map[string]interface{}{
			"status":      string(domain.KeyStatusConsumed),
			"consumed_at": at,
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to mark key consumed",
			"operation", "mark_consumed",
			"key_id", keyID,
			"error", res.Error,
		)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ExpireDue は expires_at <= now の有効な鍵を最大 limit 件期限切れにし、遷移した件数を返す。
func (r *KeyRepository) ExpireDue(ctx context.Context, now time.Time, limit int) (int64, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("status = ? AND expires_at <= ?", string(domain.KeyStatusActive), now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("key_id", &ids).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find due keys",
			"operation", "expire_due",
			"error", err,
		)
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("key_id IN ? AND status = ?", ids, string(domain.KeyStatusActive)).
		Update("status", string(domain.KeyStatusExpired))
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to expire due keys",
			"operation", "expire_due",
			"count", len(ids),
			"error", res.Error,
		)
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
