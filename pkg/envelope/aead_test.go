package envelope

import (
	"bytes"
	"crypto/rand"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var algorithms = []string{AlgorithmAES256GCM, AlgorithmChaCha20Poly1305}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	aad := AssociatedData(Version)
	messages := [][]byte{
		{},
		[]byte("a"),
		[]byte("Hello from the quantum channel"),
		bytes.Repeat([]byte{0x00, 0xff}, 4096),
	}
	// 32バイトちょうど、および長い鍵素材（先頭32バイトが使われる）
	keyLengths := []int{32, 33, 64, 128}

	for _, alg := range algorithms {
		for _, keyLen := range keyLengths {
			key := randomBytes(t, keyLen)
			for _, msg := range messages {
				sealed, err := Encrypt(alg, msg, key, aad)
				require.NoError(t, err)
				assert.Len(t, sealed.Nonce, NonceSize)
				assert.Len(t, sealed.Tag, TagSize)
				assert.Len(t, sealed.Ciphertext, len(msg))

				got, err := Decrypt(alg, sealed, key, aad)
				require.NoError(t, err, "alg=%s keyLen=%d", alg, keyLen)
				assert.True(t, bytes.Equal(msg, got), "alg=%s keyLen=%d", alg, keyLen)
			}
		}
	}
}

func TestEncrypt_LongKeyTruncatedToFirst256Bits(t *testing.T) {
	long := randomBytes(t, 64)
	sealed, err := Encrypt(AlgorithmAES256GCM, []byte("secret"), long, nil)
	require.NoError(t, err)

	got, err := Decrypt(AlgorithmAES256GCM, sealed, long[:KeySize], nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
}

func TestEncrypt_ShortKeyRejected(t *testing.T) {
	_, err := Encrypt(AlgorithmAES256GCM, []byte("x"), make([]byte, 16), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEncrypt_UnsupportedAlgorithm(t *testing.T) {
	_, err := Encrypt("ROT13", []byte("x"), make([]byte, KeySize), nil)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestDecrypt_TamperSensitivity(t *testing.T) {
	aad := AssociatedData(Version)
	for _, alg := range algorithms {
		key := randomBytes(t, KeySize)
		sealed, err := Encrypt(alg, []byte("attack at dawn"), key, aad)
		require.NoError(t, err)

		flip := func(field []byte) {
			for i := range field {
				for bit := 0; bit < 8; bit++ {
					field[i] ^= 1 << bit
					got, err := Decrypt(alg, sealed, key, aad)
					assert.ErrorIs(t, err, ErrAuthenticationFailed)
					assert.Nil(t, got)
					field[i] ^= 1 << bit
				}
			}
		}
		flip(sealed.Ciphertext)
		flip(sealed.Tag)
		flip(sealed.Nonce)

		// 元に戻した状態では復号できる
		_, err = Decrypt(alg, sealed, key, aad)
		require.NoError(t, err)
	}
}

func TestDecrypt_FailuresAreUniform(t *testing.T) {
	aad := AssociatedData(Version)
	key := randomBytes(t, KeySize)
	sealed, err := Encrypt(AlgorithmAES256GCM, []byte("payload"), key, aad)
	require.NoError(t, err)

	tampered := &Sealed{
		Ciphertext: append([]byte(nil), sealed.Ciphertext...),
		Nonce:      sealed.Nonce,
		Tag:        sealed.Tag,
	}
	tampered.Ciphertext[0] ^= 0x01

	_, errTamper := Decrypt(AlgorithmAES256GCM, tampered, key, aad)
	_, errWrongKey := Decrypt(AlgorithmAES256GCM, sealed, randomBytes(t, KeySize), aad)
	_, errWrongAAD := Decrypt(AlgorithmAES256GCM, sealed, key, AssociatedData("9.9"))

	for _, err := range []error{errTamper, errWrongKey, errWrongAAD} {
		assert.Same(t, ErrAuthenticationFailed, err)
	}
}

func TestDecrypt_TruncatedTag(t *testing.T) {
	key := randomBytes(t, KeySize)
	sealed, err := Encrypt(AlgorithmAES256GCM, []byte("payload"), key, nil)
	require.NoError(t, err)
	sealed.Tag = sealed.Tag[:8]

	_, err = Decrypt(AlgorithmAES256GCM, sealed, key, nil)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

// recordingReader はノンス生成時に読み出されたバイト列を記録する。
type recordingReader struct {
	mu    sync.Mutex
	r     io.Reader
	draws [][]byte
}

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.mu.Lock()
	r.draws = append(r.draws, append([]byte(nil), p[:n]...))
	r.mu.Unlock()
	return n, err
}

func TestEncrypt_NonceDrawnFreshPerCall(t *testing.T) {
	rec := &recordingReader{r: rand.Reader}
	orig := randReader
	randReader = rec
	t.Cleanup(func() { randReader = orig })

	key := randomBytes(t, KeySize)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		sealed, err := Encrypt(AlgorithmAES256GCM, []byte("same message"), key, nil)
		require.NoError(t, err)
		require.False(t, seen[string(sealed.Nonce)], "nonce reused at iteration %d", i)
		seen[string(sealed.Nonce)] = true
	}

	require.Len(t, rec.draws, 1000)
	for i, d := range rec.draws {
		assert.Len(t, d, NonceSize, "draw %d", i)
	}
}

func TestEncrypt_RandomSourceFailure(t *testing.T) {
	orig := randReader
	randReader = bytes.NewReader(nil)
	t.Cleanup(func() { randReader = orig })

	_, err := Encrypt(AlgorithmAES256GCM, []byte("x"), make([]byte, KeySize), nil)
	require.Error(t, err)
}
