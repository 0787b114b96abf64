// Package envelope は QKD 鍵による認証付き暗号化と、
// 暗号文メタデータを運ぶエンベロープ形式を提供する。
//
// エンベロープは以下のフィールドを持つ JSON で、フィールド順は固定。
//
//	{"version","algorithm","key_id","nonce","ciphertext","tag","timestamp"}
//
// nonce / ciphertext / tag は標準 Base64、timestamp は UTC の RFC3339Nano。
// タグは暗号文に連結せず、独立したフィールドとして運ぶ。
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// Version はエンベロープ形式のバージョン。
	Version = "1.0"

	AlgorithmAES256GCM        = "AES-256-GCM"
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"
)

var (
	// ErrAuthenticationFailed は認証タグの検証に失敗した場合のエラー。
	// 原因（改ざん・鍵違い・関連データ違い）は区別しない。
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidKey は鍵素材が短すぎる場合のエラー。
	ErrInvalidKey = errors.New("invalid key material")

	// ErrUnsupportedAlgorithm は未対応のアルゴリズムが指定された場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrUnsupportedVersion は未対応のエンベロープバージョンの場合のエラー。
	ErrUnsupportedVersion = errors.New("unsupported envelope version")

	// ErrMalformedEnvelope はエンベロープの形式が不正な場合のエラー。
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// AssociatedData はバージョンに対応する関連データを返す。
// 異なるバージョンのエンベロープは復号時に認証エラーとなる。
func AssociatedData(version string) []byte {
	return []byte("QuMail-v" + version)
}

// SupportedAlgorithm はアルゴリズム名が対応済みかを返す。
func SupportedAlgorithm(algorithm string) bool {
	return algorithm == AlgorithmAES256GCM || algorithm == AlgorithmChaCha20Poly1305
}

// Envelope は暗号化済みメッセージを表す。
type Envelope struct {
	Version    string
	Algorithm  string
	KeyID      string
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
	Timestamp  time.Time
}

type sealOptions struct {
	algorithm string
	now       func() time.Time
}

// SealOption は Seal の挙動を変更する。
type SealOption func(*sealOptions)

// WithAlgorithm は使用する AEAD を指定する。
func WithAlgorithm(algorithm string) SealOption {
	return func(o *sealOptions) { o.algorithm = algorithm }
}

// WithClock はタイムスタンプの取得元を指定する。
func WithClock(now func() time.Time) SealOption {
	return func(o *sealOptions) { o.now = now }
}

// Seal は plaintext を key で暗号化し、keyID を結び付けたエンベロープを返す。
func Seal(keyID string, key, plaintext []byte, opts ...SealOption) (*Envelope, error) {
	o := sealOptions{algorithm: AlgorithmAES256GCM, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if keyID == "" {
		return nil, fmt.Errorf("%w: empty key_id", ErrMalformedEnvelope)
	}

	sealed, err := Encrypt(o.algorithm, plaintext, key, AssociatedData(Version))
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:    Version,
		Algorithm:  o.algorithm,
		KeyID:      keyID,
		Nonce:      sealed.Nonce,
		Ciphertext: sealed.Ciphertext,
		Tag:        sealed.Tag,
		Timestamp:  o.now().UTC(),
	}, nil
}

// Open はエンベロープを key で復号する。
func Open(env *Envelope, key []byte) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}
	return Decrypt(env.Algorithm, &Sealed{
		Ciphertext: env.Ciphertext,
		Nonce:      env.Nonce,
		Tag:        env.Tag,
	}, key, AssociatedData(env.Version))
}

type wireEnvelope struct {
	Version    string `json:"version"`
	Algorithm  string `json:"algorithm"`
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
	Timestamp  string `json:"timestamp"`
}

// Marshal はエンベロープを正規形の JSON にエンコードする。
func Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}
	return json.Marshal(wireEnvelope{
		Version:    env.Version,
		Algorithm:  env.Algorithm,
		KeyID:      env.KeyID,
		Nonce:      base64.StdEncoding.EncodeToString(env.Nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(env.Ciphertext),
		Tag:        base64.StdEncoding.EncodeToString(env.Tag),
		Timestamp:  env.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// Unmarshal は JSON からエンベロープを復元し、形式を検証する。
// 正規形の入力 b に対して Marshal(Unmarshal(b)) は b と一致する。
func Unmarshal(data []byte) (*Envelope, error) {
	var w wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	// 末尾は空白のみ許可する。More() は '}' や ']' を見逃す
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedEnvelope)
	}

	if w.Version != Version {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, w.Version)
	}
	if !SupportedAlgorithm(w.Algorithm) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, w.Algorithm)
	}
	if w.KeyID == "" {
		return nil, fmt.Errorf("%w: missing key_id", ErrMalformedEnvelope)
	}

	nonce, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce", ErrMalformedEnvelope)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext", ErrMalformedEnvelope)
	}
	tag, err := base64.StdEncoding.DecodeString(w.Tag)
	if err != nil || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: tag", ErrMalformedEnvelope)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp", ErrMalformedEnvelope)
	}

	return &Envelope{
		Version:    w.Version,
		Algorithm:  w.Algorithm,
		KeyID:      w.KeyID,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Tag:        tag,
		Timestamp:  ts.UTC(),
	}, nil
}
