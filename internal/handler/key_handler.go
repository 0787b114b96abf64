// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"qkd-key-manager/internal/domain"
	"qkd-key-manager/internal/middleware"
	"qkd-key-manager/pkg/envelope"
	"qkd-key-manager/pkg/httputil"
)

// KeyManager はハンドラが利用する鍵管理の操作。
type KeyManager interface {
	RequestKey(ctx context.Context, req domain.KeyRequest) (*domain.KeyRecord, error)
	GetKey(ctx context.Context, keyID string) (*domain.KeyRecord, error)
	GetActiveKey(ctx context.Context, keyID string) (*domain.KeyRecord, error)
	ConsumeKey(ctx context.Context, keyID string) (*domain.KeyMetadata, error)
	ListKeys(ctx context.Context, owner string, limit int) ([]*domain.KeyMetadata, error)
	UsageHistory(ctx context.Context, keyID string) ([]*domain.UsageLogEntry, error)
}

// KeyHandler は鍵管理のHTTPハンドラを提供する。
type KeyHandler struct {
	service         KeyManager
	defaultLifetime time.Duration
}

// NewKeyHandler は新しいKeyHandlerを生成する。
// lifetime_seconds が省略されたリクエストには defaultLifetime を使う。
func NewKeyHandler(service KeyManager, defaultLifetime time.Duration) *KeyHandler {
	return &KeyHandler{service: service, defaultLifetime: defaultLifetime}
}

// RequestKeyRequest は鍵発行リクエストの形式。
type RequestKeyRequest struct {
	Sender          string `json:"sender"`
	Recipient       string `json:"recipient"`
	LengthBits      int    `json:"length_bits,omitempty"`
	Usage           string `json:"usage,omitempty"`
	LifetimeSeconds int64  `json:"lifetime_seconds,omitempty"`
}

// KeyResponse は鍵のレスポンス形式。key は有効な鍵の場合のみ含まれる。
type KeyResponse struct {
	KeyID      string  `json:"key_id"`
	Key        string  `json:"key,omitempty"`
	LengthBits int     `json:"length_bits"`
	Sender     string  `json:"sender"`
	Recipient  string  `json:"recipient"`
	Usage      string  `json:"usage"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
	ExpiresAt  string  `json:"expires_at"`
	ConsumedAt *string `json:"consumed_at,omitempty"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyResponse `json:"keys"`
}

// UsageEntryResponse は利用ログ1件のレスポンス形式。
type UsageEntryResponse struct {
	LogID     string `json:"log_id"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
	Details   string `json:"details,omitempty"`
}

// UsageHistoryResponse は利用ログのレスポンス形式。
type UsageHistoryResponse struct {
	KeyID   string               `json:"key_id"`
	Entries []UsageEntryResponse `json:"entries"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toKeyResponse(m *domain.KeyMetadata, material []byte) KeyResponse {
	resp := KeyResponse{
		KeyID:      m.KeyID,
		LengthBits: m.LengthBits,
		Sender:     m.Sender,
		Recipient:  m.Recipient,
		Usage:      m.Usage,
		Status:     string(m.Status),
		CreatedAt:  formatTime(m.CreatedAt),
		ExpiresAt:  formatTime(m.ExpiresAt),
	}
	if m.Status == domain.KeyStatusActive && len(material) > 0 {
		resp.Key = base64.StdEncoding.EncodeToString(material)
	}
	if m.ConsumedAt != nil {
		s := formatTime(*m.ConsumedAt)
		resp.ConsumedAt = &s
	}
	return resp
}

// writeError はエラー種別をHTTPステータスに対応付けて返す。
func writeError(w http.ResponseWriter, r *http.Request, operation, keyID string, err error) {
	middleware.WriteAuditLog(r.Context(), operation, keyID, middleware.ResultFailed)

	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
	case errors.Is(err, domain.ErrAlreadyConsumed):
		httputil.Error(w, http.StatusConflict, "KEY_ALREADY_CONSUMED", "key has already been consumed")
	case errors.Is(err, domain.ErrKeyExpired):
		httputil.Error(w, http.StatusGone, "KEY_EXPIRED", "key has expired")
	case errors.Is(err, envelope.ErrAuthenticationFailed):
		httputil.Error(w, http.StatusUnprocessableEntity, "AUTHENTICATION_FAILED", "message authentication failed")
	case errors.Is(err, envelope.ErrInvalidKey):
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY", "key material is too short for the envelope algorithm")
	case errors.Is(err, envelope.ErrMalformedEnvelope),
		errors.Is(err, envelope.ErrUnsupportedVersion),
		errors.Is(err, envelope.ErrUnsupportedAlgorithm),
		errors.Is(err, envelope.ErrNoPayload):
		httputil.Error(w, http.StatusBadRequest, "INVALID_ENVELOPE", err.Error())
	default:
		slog.ErrorContext(r.Context(), "request failed",
			"operation", operation,
			"key_id", keyID,
			"error", err,
		)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// maxLifetimeSeconds は time.Duration に変換してもオーバーフローしない有効期間の上限。
const maxLifetimeSeconds = math.MaxInt64 / int64(time.Second)

// RequestKey は新しい鍵を発行する。
func (h *KeyHandler) RequestKey(w http.ResponseWriter, r *http.Request) {
	var req RequestKeyRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.LifetimeSeconds < 0 || req.LifetimeSeconds > maxLifetimeSeconds {
		writeError(w, r, "REQUEST_KEY", "",
			fmt.Errorf("%w: lifetime_seconds must be in [0, %d]", domain.ErrInvalidRequest, maxLifetimeSeconds))
		return
	}

	lifetime := h.defaultLifetime
	if req.LifetimeSeconds > 0 {
		lifetime = time.Duration(req.LifetimeSeconds) * time.Second
	}

	key, err := h.service.RequestKey(r.Context(), domain.KeyRequest{
		Sender:     req.Sender,
		Recipient:  req.Recipient,
		LengthBits: req.LengthBits,
		Usage:      req.Usage,
		Lifetime:   lifetime,
	})
	if err != nil {
		writeError(w, r, "REQUEST_KEY", "", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "REQUEST_KEY", key.KeyID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusCreated, toKeyResponse(key.Metadata(), key.KeyMaterial))
}

// GetKey は鍵を取得する。require_active=true の場合は有効な鍵以外をエラーにする。
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")

	get := h.service.GetKey
	if v := r.URL.Query().Get("require_active"); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "require_active must be a boolean")
			return
		}
		if strict {
			get = h.service.GetActiveKey
		}
	}

	key, err := get(r.Context(), keyID)
	if err != nil {
		writeError(w, r, "GET_KEY", keyID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "GET_KEY", keyID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toKeyResponse(key.Metadata(), key.KeyMaterial))
}

// ConsumeKey は鍵を消費済みにする。
func (h *KeyHandler) ConsumeKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")

	meta, err := h.service.ConsumeKey(r.Context(), keyID)
	if err != nil {
		writeError(w, r, "CONSUME_KEY", keyID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CONSUME_KEY", keyID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toKeyResponse(meta, nil))
}

// ListKeys は owner に関係する鍵の一覧を返す。鍵素材は含まない。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be an integer")
			return
		}
		limit = n
	}

	keys, err := h.service.ListKeys(r.Context(), owner, limit)
	if err != nil {
		writeError(w, r, "LIST_KEYS", "", err)
		return
	}

	resp := KeyListResponse{Keys: make([]KeyResponse, len(keys))}
	for i, k := range keys {
		resp.Keys[i] = toKeyResponse(k, nil)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// UsageHistory は鍵の利用ログを返す。
func (h *KeyHandler) UsageHistory(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")

	entries, err := h.service.UsageHistory(r.Context(), keyID)
	if err != nil {
		writeError(w, r, "USAGE_HISTORY", keyID, err)
		return
	}

	resp := UsageHistoryResponse{KeyID: keyID, Entries: make([]UsageEntryResponse, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = UsageEntryResponse{
			LogID:     e.LogID,
			Action:    string(e.Action),
			Timestamp: formatTime(e.Timestamp),
			Details:   e.Details,
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}
