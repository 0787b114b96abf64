package infra

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"go.opentelemetry.io/otel"

	"qkd-key-manager/config"
)

// KeyWrapper は保存時の鍵素材を暗号化・復号する。
type KeyWrapper interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
	Close() error
}

// NewKeyWrapper は設定に応じたKeyWrapperを生成する。
// KMS_KEY_NAME が設定されていればCloud KMS、なければ LOCAL_MASTER_KEY を使う。
// トレーシング有効時はグローバルのプロバイダーでスパンを記録する。
func NewKeyWrapper(ctx context.Context, cfg *config.Config) (KeyWrapper, error) {
	var (
		w       KeyWrapper
		backend string
		err     error
	)
	switch {
	case cfg.KMSKeyName != "":
		w, err = NewKMSClient(ctx, cfg.KMSKeyName)
		backend = "cloudkms"
	case len(cfg.LocalMasterKey) > 0:
		w, err = NewLocalKeyWrapper(cfg.LocalMasterKey)
		backend = "local"
	default:
		return nil, fmt.Errorf("either KMS_KEY_NAME or LOCAL_MASTER_KEY is required")
	}
	if err != nil {
		return nil, err
	}

	if cfg.OtelEnabled {
		w = withTracing(w, otel.GetTracerProvider(), backend)
	}
	return w, nil
}

// KMSClient はCloud KMSクライアントをラップする。
type KMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSClient は keyName の鍵を使うKMSClientを生成する。
func NewKMSClient(ctx context.Context, keyName string) (*KMSClient, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS key name is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSClient{
		client:  client,
		keyName: keyName,
	}, nil
}

// Encrypt は鍵素材をCloud KMSで暗号化する。
func (c *KMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      c.keyName,
		Plaintext: plaintext,
	}
	resp, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return resp.Ciphertext, nil
}

// Decrypt はラップされた鍵素材をCloud KMSで復号する。
func (c *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       c.keyName,
		Ciphertext: ciphertext,
	}
	resp, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}
