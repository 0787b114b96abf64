package infra

import (
	"context"
	"errors"
	"fmt"

	"qkd-key-manager/pkg/envelope"
)

var localWrapAAD = []byte("qkd-key-wrap-v1")

// LocalKeyWrapper はローカルのマスター鍵で鍵素材をラップする。
// 出力は nonce || ciphertext || tag。KMSを使えない開発環境向け。
type LocalKeyWrapper struct {
	masterKey []byte
}

// NewLocalKeyWrapper は32バイトのマスター鍵からLocalKeyWrapperを生成する。
func NewLocalKeyWrapper(masterKey []byte) (*LocalKeyWrapper, error) {
	if len(masterKey) != envelope.KeySize {
		return nil, fmt.Errorf("local master key must be %d bytes, got %d", envelope.KeySize, len(masterKey))
	}
	return &LocalKeyWrapper{masterKey: append([]byte(nil), masterKey...)}, nil
}

// Encrypt は鍵素材をラップする。
func (w *LocalKeyWrapper) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	sealed, err := envelope.Encrypt(envelope.AlgorithmAES256GCM, plaintext, w.masterKey, localWrapAAD)
	if err != nil {
		return nil, fmt.Errorf("wrapping: %w", err)
	}
	out := make([]byte, 0, len(sealed.Nonce)+len(sealed.Ciphertext)+len(sealed.Tag))
	out = append(out, sealed.Nonce...)
	out = append(out, sealed.Ciphertext...)
	return append(out, sealed.Tag...), nil
}

// Decrypt はラップされた鍵素材を復元する。
func (w *LocalKeyWrapper) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < envelope.NonceSize+envelope.TagSize {
		return nil, errors.New("unwrapping: ciphertext too short")
	}
	sealed := &envelope.Sealed{
		Nonce:      ciphertext[:envelope.NonceSize],
		Ciphertext: ciphertext[envelope.NonceSize : len(ciphertext)-envelope.TagSize],
		Tag:        ciphertext[len(ciphertext)-envelope.TagSize:],
	}
	plaintext, err := envelope.Decrypt(envelope.AlgorithmAES256GCM, sealed, w.masterKey, localWrapAAD)
	if err != nil {
		return nil, fmt.Errorf("unwrapping: %w", err)
	}
	return plaintext, nil
}

// Close は何もしない。
func (w *LocalKeyWrapper) Close() error {
	return nil
}
