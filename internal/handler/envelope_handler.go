package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"qkd-key-manager/internal/middleware"
	"qkd-key-manager/pkg/envelope"
	"qkd-key-manager/pkg/httputil"
)

// EnvelopeMetrics はエンベロープ操作の結果を記録する。
type EnvelopeMetrics interface {
	EnvelopeOperation(operation, result string)
}

// EnvelopeHandler はQKD鍵によるメッセージの暗号化・復号を提供する。
// どちらの操作も有効な鍵のみを使う。
type EnvelopeHandler struct {
	keys      KeyManager
	algorithm string
	metrics   EnvelopeMetrics
}

// NewEnvelopeHandler は新しいEnvelopeHandlerを生成する。metrics は nil でもよい。
func NewEnvelopeHandler(keys KeyManager, algorithm string, metrics EnvelopeMetrics) *EnvelopeHandler {
	return &EnvelopeHandler{keys: keys, algorithm: algorithm, metrics: metrics}
}

// SealRequest は暗号化リクエストの形式。plaintext は標準Base64。
type SealRequest struct {
	KeyID     string `json:"key_id"`
	Plaintext string `json:"plaintext"`
}

// SealResponse は暗号化レスポンスの形式。
type SealResponse struct {
	Envelope json.RawMessage `json:"envelope"`
	Armored  string          `json:"armored"`
}

// OpenRequest は復号リクエストの形式。envelope と armored のどちらかを指定する。
type OpenRequest struct {
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Armored  string          `json:"armored,omitempty"`
}

// OpenResponse は復号レスポンスの形式。
type OpenResponse struct {
	KeyID     string `json:"key_id"`
	Plaintext string `json:"plaintext"`
}

func (h *EnvelopeHandler) observe(operation string, err error) {
	if h.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, envelope.ErrAuthenticationFailed):
		result = "auth_failed"
	default:
		result = "error"
	}
	h.metrics.EnvelopeOperation(operation, result)
}

// Seal は有効な鍵でメッセージを暗号化し、エンベロープを返す。
func (h *EnvelopeHandler) Seal(w http.ResponseWriter, r *http.Request) {
	var req SealRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "plaintext must be base64")
		return
	}

	env, armored, err := h.seal(r, req.KeyID, plaintext)
	h.observe("seal", err)
	if err != nil {
		writeError(w, r, "SEAL", req.KeyID, err)
		return
	}

	data, err := envelope.Marshal(env)
	if err != nil {
		writeError(w, r, "SEAL", req.KeyID, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "SEAL", req.KeyID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, SealResponse{Envelope: data, Armored: armored})
}

func (h *EnvelopeHandler) seal(r *http.Request, keyID string, plaintext []byte) (*envelope.Envelope, string, error) {
	key, err := h.keys.GetActiveKey(r.Context(), keyID)
	if err != nil {
		return nil, "", err
	}
	env, err := envelope.Seal(key.KeyID, key.KeyMaterial, plaintext, envelope.WithAlgorithm(h.algorithm))
	if err != nil {
		return nil, "", err
	}
	armored, err := envelope.Armor(env)
	if err != nil {
		return nil, "", err
	}
	return env, armored, nil
}

// Open はエンベロープを復号する。鍵は有効である必要がある。
func (h *EnvelopeHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	var (
		env *envelope.Envelope
		err error
	)
	switch {
	case len(req.Envelope) > 0:
		env, err = envelope.Unmarshal(req.Envelope)
	case req.Armored != "":
		env, err = envelope.Extract(req.Armored)
	default:
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "envelope or armored is required")
		return
	}
	if err != nil {
		h.observe("open", err)
		writeError(w, r, "OPEN", "", err)
		return
	}

	plaintext, err := h.open(r, env)
	h.observe("open", err)
	if err != nil {
		writeError(w, r, "OPEN", env.KeyID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "OPEN", env.KeyID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, OpenResponse{
		KeyID:     env.KeyID,
		Plaintext: base64.StdEncoding.EncodeToString(plaintext),
	})
}

func (h *EnvelopeHandler) open(r *http.Request, env *envelope.Envelope) ([]byte, error) {
	key, err := h.keys.GetActiveKey(r.Context(), env.KeyID)
	if err != nil {
		return nil, err
	}
	return envelope.Open(env, key.KeyMaterial)
}
