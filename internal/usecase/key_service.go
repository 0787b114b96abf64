// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"qkd-key-manager/internal/domain"
)

const (
	maxPartyLength = 255
	maxUsageLength = 64
	keyIDPrefix    = "qkd_"
)

// KeyRepository は鍵ストアのインターフェース。
// MarkExpired / MarkConsumed は status = active の場合のみ遷移させ、遷移したかどうかを返す。
type KeyRepository interface {
	Create(ctx context.Context, key *domain.KeyRecord) error
	FindByKeyID(ctx context.Context, keyID string) (*domain.KeyRecord, error)
	FindByOwner(ctx context.Context, owner string, limit int) ([]*domain.KeyRecord, error)
	MarkExpired(ctx context.Context, keyID string) (bool, error)
	MarkConsumed(ctx context.Context, keyID string, at time.Time) (bool, error)
	ExpireDue(ctx context.Context, now time.Time, limit int) (int64, error)
}

// UsageLog は追記専用の利用ログのインターフェース。
type UsageLog interface {
	Append(ctx context.Context, entry *domain.UsageLogEntry) error
	FindByKeyID(ctx context.Context, keyID string) ([]*domain.UsageLogEntry, error)
}

// KMSClient は保存時の鍵素材のラップ/アンラップのインターフェース。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Metrics は鍵操作のメトリクス記録先。
type Metrics interface {
	KeyRequested(usage string)
	KeyTransitioned(status domain.KeyStatus, n int)
	UsageLogFailed()
}

type noopMetrics struct{}

func (noopMetrics) KeyRequested(string)                   {}
func (noopMetrics) KeyTransitioned(domain.KeyStatus, int) {}
func (noopMetrics) UsageLogFailed()                       {}

// KeyDefaults は鍵発行と一覧取得のデフォルト値。
type KeyDefaults struct {
	LengthBits    int
	MaxLengthBits int
	Usage         string
	ListLimit     int
	MaxListLimit  int
}

// DefaultKeyDefaults はデフォルト値を返す。
func DefaultKeyDefaults() KeyDefaults {
	return KeyDefaults{
		LengthBits:    256,
		MaxLengthBits: 65536,
		Usage:         domain.KeyUsageMessageAES,
		ListLimit:     50,
		MaxListLimit:  500,
	}
}

// Option は KeyService の設定を変更する。
type Option func(*KeyService)

// WithClock は現在時刻の取得元を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *KeyService) { s.now = now }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m Metrics) Option {
	return func(s *KeyService) { s.metrics = m }
}

// WithDefaults は鍵発行のデフォルト値を設定する。
func WithDefaults(d KeyDefaults) Option {
	return func(s *KeyService) { s.defaults = d }
}

// WithReadRetry は読み取り操作のリトライ回数と初回待機時間を設定する。
func WithReadRetry(tries uint, initial time.Duration) Option {
	return func(s *KeyService) {
		s.readTries = tries
		s.readInitial = initial
	}
}

// KeyService はQKD鍵の発行・取得・消費を提供する。
// 期限切れの判定と状態遷移はすべてこのサービス内で行う。
type KeyService struct {
	repo        KeyRepository
	usage       UsageLog
	kmsClient   KMSClient
	metrics     Metrics
	now         func() time.Time
	defaults    KeyDefaults
	readTries   uint
	readInitial time.Duration
}

// NewKeyService は新しいKeyServiceを生成する。
func NewKeyService(repo KeyRepository, usage UsageLog, kmsClient KMSClient, opts ...Option) *KeyService {
	s := &KeyService{
		repo:        repo,
		usage:       usage,
		kmsClient:   kmsClient,
		metrics:     noopMetrics{},
		now:         time.Now,
		defaults:    DefaultKeyDefaults(),
		readTries:   3,
		readInitial: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock はDATETIME(6)の精度に揃えたUTCの現在時刻を返す。
func (s *KeyService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// newKeyID は "qkd_" + 32桁の16進数の鍵IDを生成する。
func newKeyID() string {
	id := uuid.New()
	return keyIDPrefix + hex.EncodeToString(id[:])
}

// generateKeyMaterial は bits ビット（バイト単位に切り上げ）の鍵素材を生成する。
func generateKeyMaterial(bits int) ([]byte, error) {
	material := make([]byte, (bits+7)/8)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}
	return material, nil
}

func (s *KeyService) normalizeRequest(req domain.KeyRequest) (domain.KeyRequest, error) {
	req.Sender = strings.TrimSpace(req.Sender)
	req.Recipient = strings.TrimSpace(req.Recipient)
	req.Usage = strings.TrimSpace(req.Usage)

	switch {
	case req.Sender == "":
		return req, fmt.Errorf("%w: sender is required", domain.ErrInvalidRequest)
	case req.Recipient == "":
		return req, fmt.Errorf("%w: recipient is required", domain.ErrInvalidRequest)
	case len(req.Sender) > maxPartyLength || len(req.Recipient) > maxPartyLength:
		return req, fmt.Errorf("%w: sender and recipient must be at most %d bytes", domain.ErrInvalidRequest, maxPartyLength)
	case req.Lifetime < time.Microsecond:
		// 保存精度がマイクロ秒のため、それ未満の有効期間は発行時点で失効してしまう
		return req, fmt.Errorf("%w: lifetime must be at least 1µs", domain.ErrInvalidRequest)
	}

	if req.LengthBits == 0 {
		req.LengthBits = s.defaults.LengthBits
	}
	if req.LengthBits < 0 || req.LengthBits > s.defaults.MaxLengthBits {
		return req, fmt.Errorf("%w: length_bits must be in (0, %d]", domain.ErrInvalidRequest, s.defaults.MaxLengthBits)
	}

	if req.Usage == "" {
		req.Usage = s.defaults.Usage
	}
	if len(req.Usage) > maxUsageLength {
		return req, fmt.Errorf("%w: usage must be at most %d bytes", domain.ErrInvalidRequest, maxUsageLength)
	}
	return req, nil
}

// RequestKey は新しい鍵を発行する。鍵素材を返すのはこの操作と GetKey（有効な鍵のみ）。
func (s *KeyService) RequestKey(ctx context.Context, req domain.KeyRequest) (*domain.KeyRecord, error) {
	req, err := s.normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	material, err := generateKeyMaterial(req.LengthBits)
	if err != nil {
		return nil, err
	}

	wrapped, err := s.kmsClient.Encrypt(ctx, material)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapping key material: %v", domain.ErrStorageFailure, err)
	}

	now := s.clock()
	key := &domain.KeyRecord{
		KeyID:      newKeyID(),
		LengthBits: req.LengthBits,
		Sender:     req.Sender,
		Recipient:  req.Recipient,
		Usage:      req.Usage,
		Status:     domain.KeyStatusActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(req.Lifetime).Truncate(time.Microsecond),
	}

	stored := *key
	stored.KeyMaterial = wrapped
	if err := s.repo.Create(ctx, &stored); err != nil {
		return nil, fmt.Errorf("%w: creating key: %v", domain.ErrStorageFailure, err)
	}

	s.metrics.KeyRequested(key.Usage)
	s.record(ctx, key.KeyID, domain.UsageActionGenerated,
		fmt.Sprintf("generated for %s -> %s (%d bits, %s)", key.Sender, key.Recipient, key.LengthBits, key.Usage))
	slog.InfoContext(ctx, "key generated",
		"key_id", key.KeyID,
		"length_bits", key.LengthBits,
		"usage", key.Usage,
		"expires_at", key.ExpiresAt,
	)

	key.KeyMaterial = material
	return key, nil
}

// GetKey は鍵を取得する。期限を過ぎた有効な鍵はここで expired に遷移させる。
// 状態に関わらずレコードを返すが、鍵素材は有効な鍵の場合のみ含まれる。
func (s *KeyService) GetKey(ctx context.Context, keyID string) (*domain.KeyRecord, error) {
	key, err := s.findKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if err := s.observeExpiry(ctx, key, s.clock()); err != nil {
		return nil, err
	}

	if key.Status != domain.KeyStatusActive {
		key.KeyMaterial = nil
		if key.Status == domain.KeyStatusConsumed {
			s.record(ctx, key.KeyID, domain.UsageActionAccessed, "key retrieved")
		}
		return key, nil
	}

	material, err := s.kmsClient.Decrypt(ctx, key.KeyMaterial)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping key material: %v", domain.ErrStorageFailure, err)
	}
	key.KeyMaterial = material

	s.record(ctx, key.KeyID, domain.UsageActionAccessed, "key retrieved")
	return key, nil
}

// GetActiveKey は有効な鍵のみを返す。暗号化・復号に鍵素材を使う経路はこちらを使う。
func (s *KeyService) GetActiveKey(ctx context.Context, keyID string) (*domain.KeyRecord, error) {
	key, err := s.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if err := terminalError(key.Status); err != nil {
		return nil, err
	}
	return key, nil
}

// ConsumeKey は鍵を消費済みにする。
// 同時に呼ばれた場合も成功するのは1回だけで、残りは ErrAlreadyConsumed となる。
func (s *KeyService) ConsumeKey(ctx context.Context, keyID string) (*domain.KeyMetadata, error) {
	key, err := s.findKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	if err := s.observeExpiry(ctx, key, now); err != nil {
		return nil, err
	}
	if err := terminalError(key.Status); err != nil {
		return nil, err
	}

	consumed, err := s.repo.MarkConsumed(ctx, keyID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: consuming key: %v", domain.ErrStorageFailure, err)
	}
	if !consumed {
		// 条件付き更新に負けた。現在の状態を返す
		latest, err := s.findKey(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if err := terminalError(latest.Status); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: consume of %s did not apply", domain.ErrStorageFailure, keyID)
	}

	key.Status = domain.KeyStatusConsumed
	key.ConsumedAt = &now
	s.metrics.KeyTransitioned(domain.KeyStatusConsumed, 1)
	s.record(ctx, keyID, domain.UsageActionConsumed, "key consumed")
	slog.InfoContext(ctx, "key consumed", "key_id", keyID)

	return key.Metadata(), nil
}

// ListKeys は owner が送信者または受信者である鍵を新しい順に返す。
// limit が 0 の場合はデフォルト、上限を超える場合は上限に丸める。
func (s *KeyService) ListKeys(ctx context.Context, owner string, limit int) ([]*domain.KeyMetadata, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrInvalidRequest)
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", domain.ErrInvalidRequest)
	}
	if limit == 0 {
		limit = s.defaults.ListLimit
	}
	if limit > s.defaults.MaxListLimit {
		limit = s.defaults.MaxListLimit
	}

	keys, err := retryRead(ctx, s, func() ([]*domain.KeyRecord, error) {
		return s.repo.FindByOwner(ctx, owner, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing keys: %v", domain.ErrStorageFailure, err)
	}

	now := s.clock()
	metadata := make([]*domain.KeyMetadata, len(keys))
	for i, k := range keys {
		if err := s.observeExpiry(ctx, k, now); err != nil {
			return nil, err
		}
		metadata[i] = k.Metadata()
	}
	return metadata, nil
}

// UsageHistory は鍵の利用ログを時系列順に返す。
func (s *KeyService) UsageHistory(ctx context.Context, keyID string) ([]*domain.UsageLogEntry, error) {
	if _, err := s.findKey(ctx, keyID); err != nil {
		return nil, err
	}
	entries, err := retryRead(ctx, s, func() ([]*domain.UsageLogEntry, error) {
		return s.usage.FindByKeyID(ctx, keyID)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading usage log: %v", domain.ErrStorageFailure, err)
	}
	return entries, nil
}

// ExpireDue は期限を過ぎた有効な鍵を最大 limit 件 expired に遷移させる。
func (s *KeyService) ExpireDue(ctx context.Context, limit int) (int64, error) {
	n, err := s.repo.ExpireDue(ctx, s.clock(), limit)
	if err != nil {
		return 0, fmt.Errorf("%w: expiring due keys: %v", domain.ErrStorageFailure, err)
	}
	if n > 0 {
		s.metrics.KeyTransitioned(domain.KeyStatusExpired, int(n))
	}
	return n, nil
}

// findKey は鍵を取得する。一時的な読み取りエラーはリトライする。
func (s *KeyService) findKey(ctx context.Context, keyID string) (*domain.KeyRecord, error) {
	if strings.TrimSpace(keyID) == "" {
		return nil, fmt.Errorf("%w: key_id is required", domain.ErrInvalidRequest)
	}
	key, err := retryRead(ctx, s, func() (*domain.KeyRecord, error) {
		return s.repo.FindByKeyID(ctx, keyID)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: finding key: %v", domain.ErrStorageFailure, err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	return key, nil
}

// observeExpiry は期限を過ぎた有効な鍵を expired に遷移させ、key を最新の状態に更新する。
func (s *KeyService) observeExpiry(ctx context.Context, key *domain.KeyRecord, now time.Time) error {
	if key.Status != domain.KeyStatusActive || !key.ExpiredAt(now) {
		return nil
	}

	changed, err := s.repo.MarkExpired(ctx, key.KeyID)
	if err != nil {
		return fmt.Errorf("%w: marking key expired: %v", domain.ErrStorageFailure, err)
	}
	if changed {
		key.Status = domain.KeyStatusExpired
		s.metrics.KeyTransitioned(domain.KeyStatusExpired, 1)
		slog.InfoContext(ctx, "key expired",
			"key_id", key.KeyID,
			"expires_at", key.ExpiresAt,
		)
		return nil
	}

	// 他の呼び出しが先に終端状態へ遷移させている
	latest, err := s.findKey(ctx, key.KeyID)
	if err != nil {
		return err
	}
	*key = *latest
	return nil
}

// record は利用ログを追記する。失敗しても呼び出し元の操作は取り消さない。
func (s *KeyService) record(ctx context.Context, keyID string, action domain.UsageAction, details string) {
	entry := &domain.UsageLogEntry{
		KeyID:     keyID,
		Action:    action,
		Timestamp: s.clock(),
		Details:   details,
	}
	if err := s.usage.Append(ctx, entry); err != nil {
		s.metrics.UsageLogFailed()
		slog.ErrorContext(ctx, "failed to record key usage",
			"key_id", keyID,
			"action", action,
			"error", err,
		)
	}
}

// terminalError は終端状態に対応するエラーを返す。有効な鍵は nil。
func terminalError(status domain.KeyStatus) error {
	if !status.IsTerminal() {
		return nil
	}
	if status == domain.KeyStatusConsumed {
		return domain.ErrAlreadyConsumed
	}
	return domain.ErrKeyExpired
}

// retryRead は読み取り操作を指数バックオフでリトライする。
func retryRead[T any](ctx context.Context, s *KeyService, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.readInitial
	b.MaxInterval = 10 * s.readInitial
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(s.readTries))
}
