// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// KeyStatus は鍵のライフサイクル状態を表す。
// active が初期状態で、expired と consumed は終端状態。
type KeyStatus string

const (
	// KeyStatusActive は利用可能な鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusExpired は有効期限を過ぎた鍵を表す。
	KeyStatusExpired KeyStatus = "expired"
	// KeyStatusConsumed は消費済みの鍵を表す。
	KeyStatusConsumed KeyStatus = "consumed"
)

// IsTerminal は終端状態かどうかを返す。
func (s KeyStatus) IsTerminal() bool {
	return s == KeyStatusExpired || s == KeyStatusConsumed
}

// 用途タグ。情報としてのみ保持する。
const (
	KeyUsageMessageAES = "message_aes"
	KeyUsageMessageOTP = "message_otp"
)

// KeyRecord は発行済みのQKD鍵を表す。
type KeyRecord struct {
	KeyID       string
	KeyMaterial []byte // 平文の鍵。保存時はラップされる
	LengthBits  int
	Sender      string
	Recipient   string
	Usage       string
	Status      KeyStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
}

// ExpiredAt は時刻 now において有効期限を過ぎているかを返す。
// 鍵は [CreatedAt, ExpiresAt) の間のみ有効。
func (k *KeyRecord) ExpiredAt(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}

// Metadata は鍵素材を含まないメタデータを返す。
func (k *KeyRecord) Metadata() *KeyMetadata {
	return &KeyMetadata{
		KeyID:      k.KeyID,
		LengthBits: k.LengthBits,
		Sender:     k.Sender,
		Recipient:  k.Recipient,
		Usage:      k.Usage,
		Status:     k.Status,
		CreatedAt:  k.CreatedAt,
		ExpiresAt:  k.ExpiresAt,
		ConsumedAt: k.ConsumedAt,
	}
}

// KeyMetadata は鍵のメタデータを表す（鍵素材を含まない）。
type KeyMetadata struct {
	KeyID      string
	LengthBits int
	Sender     string
	Recipient  string
	Usage      string
	Status     KeyStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// KeyRequest は鍵発行リクエストを表す。
// LengthBits と Usage はゼロ値の場合デフォルトが使われる。
type KeyRequest struct {
	Sender     string
	Recipient  string
	LengthBits int
	Usage      string
	Lifetime   time.Duration
}
