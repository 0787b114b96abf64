package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize は AEAD 鍵長（256ビット）。
	KeySize = 32
	// NonceSize はノンス長（96ビット）。
	NonceSize = 12
	// TagSize は認証タグ長（128ビット）。
	TagSize = 16
)

// ノンス生成元。テストでのみ差し替える。
var randReader io.Reader = rand.Reader

// Sealed は AEAD の出力。タグは暗号文と分離して保持する。
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// newAEAD はアルゴリズム名に対応する AEAD を生成する。
// 鍵素材が KeySize より長い場合は先頭 KeySize バイトのみを使う。
func newAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	if len(key) < KeySize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	key = key[:KeySize]

	switch algorithm {
	case AlgorithmAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// Encrypt は plaintext を暗号化する。ノンスは呼び出しごとに新しく生成される。
func Encrypt(algorithm string, plaintext, key, associatedData []byte) (*Sealed, error) {
	aead, err := newAEAD(algorithm, key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := aead.Seal(nil, nonce, plaintext, associatedData)
	split := len(out) - aead.Overhead()
	return &Sealed{
		Ciphertext: out[:split:split],
		Nonce:      nonce,
		Tag:        out[split:],
	}, nil
}

// Decrypt は Sealed を復号する。
// 改ざん・鍵違い・関連データ違いはすべて ErrAuthenticationFailed となり、
// 平文は一切返さない。
func Decrypt(algorithm string, sealed *Sealed, key, associatedData []byte) ([]byte, error) {
	aead, err := newAEAD(algorithm, key)
	if err != nil {
		return nil, err
	}
	if sealed == nil || len(sealed.Nonce) != aead.NonceSize() || len(sealed.Tag) != aead.Overhead() {
		return nil, ErrAuthenticationFailed
	}

	buf := make([]byte, 0, len(sealed.Ciphertext)+len(sealed.Tag))
	buf = append(buf, sealed.Ciphertext...)
	buf = append(buf, sealed.Tag...)

	plaintext, err := aead.Open(nil, sealed.Nonce, buf, associatedData)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
