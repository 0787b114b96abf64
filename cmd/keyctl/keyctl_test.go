package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"qkd-key-manager/config"
	"qkd-key-manager/internal/handler"
	"qkd-key-manager/internal/infra"
	"qkd-key-manager/internal/repository"
	"qkd-key-manager/internal/usecase"
	"qkd-key-manager/migrations"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	_, err = usecase.NewMigrationService(repository.NewMigrationRepository(db), db, migrations.FS).ApplyMigrations(context.Background())
	require.NoError(t, err)

	wrapper, err := infra.NewLocalKeyWrapper(bytes.Repeat([]byte{0x22}, 32))
	require.NoError(t, err)

	svc := usecase.NewKeyService(repository.NewKeyRepository(db), repository.NewUsageLogRepository(db), wrapper)
	router := handler.NewRouter(handler.RouterDeps{
		Keys:      handler.NewKeyHandler(svc, time.Hour),
		Envelopes: handler.NewEnvelopeHandler(svc, "AES-256-GCM", nil),
	}, &config.Config{RateLimitRPS: 1000, RateLimitBurst: 1000})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

// run はkeyctlを引数付きで実行し、標準出力を返す。
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func requestKey(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	out, err := run(t, "", "--api-url", srv.URL, "--output", "json", "request", "--sender", "alice@example.com", "--recipient", "bob@example.com")
	require.NoError(t, err)

	var key keyResponse
	require.NoError(t, json.Unmarshal([]byte(out), &key))
	require.NotEmpty(t, key.KeyID)
	assert.Equal(t, 256, key.LengthBits)
	return key.KeyID
}

func TestKeyctl_SealOpen(t *testing.T) {
	srv := newTestAPI(t)
	keyID := requestKey(t, srv)

	sealed, err := run(t, "", "--api-url", srv.URL, "seal", "--key", keyID, "--message", "hello quantum")
	require.NoError(t, err)
	assert.Contains(t, sealed, keyID)

	opened, err := run(t, sealed, "--api-url", srv.URL, "open")
	require.NoError(t, err)
	assert.Equal(t, "hello quantum", opened)
}

func TestKeyctl_SealOpenArmored(t *testing.T) {
	srv := newTestAPI(t)
	keyID := requestKey(t, srv)

	sealed, err := run(t, "multi\nline body", "--api-url", srv.URL, "seal", "--key", keyID, "--armor", "--algorithm", "ChaCha20-Poly1305")
	require.NoError(t, err)

	opened, err := run(t, "Hi Bob,\n\n"+sealed+"\n-- \nAlice\n", "--api-url", srv.URL, "open", "--armor")
	require.NoError(t, err)
	assert.Equal(t, "multi\nline body", opened)
}

func TestKeyctl_ConsumedKeyCannotOpen(t *testing.T) {
	srv := newTestAPI(t)
	keyID := requestKey(t, srv)

	sealed, err := run(t, "", "--api-url", srv.URL, "seal", "--key", keyID, "--message", "once")
	require.NoError(t, err)

	out, err := run(t, "", "--api-url", srv.URL, "consume", keyID)
	require.NoError(t, err)
	assert.Contains(t, out, "Consumed "+keyID)

	_, err = run(t, sealed, "--api-url", srv.URL, "open")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	out, err = run(t, "", "--api-url", srv.URL, "get", keyID)
	require.NoError(t, err)
	assert.Equal(t, keyID+" is consumed\n", out)
}

func TestKeyctl_ListAndUsage(t *testing.T) {
	srv := newTestAPI(t)
	keyID := requestKey(t, srv)

	out, err := run(t, "", "--api-url", srv.URL, "list", "--owner", "bob@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, keyID)
	assert.Contains(t, out, "active")

	out, err = run(t, "", "--api-url", srv.URL, "usage", keyID)
	require.NoError(t, err)
	assert.Contains(t, out, "GENERATED")
}

func TestKeyctl_NotFound(t *testing.T) {
	srv := newTestAPI(t)

	_, err := run(t, "", "--api-url", srv.URL, "get", "qkd_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestKeyctl_RequiresAPIURL(t *testing.T) {
	t.Setenv("KEYCTL_API_URL", "")

	_, err := run(t, "", "get", "qkd_any")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--api-url is required")
}

func TestHandleErrorResponse(t *testing.T) {
	err := handleErrorResponse(410, []byte(`{"code":"KEY_EXPIRED","message":"key expired"}`))
	assert.EqualError(t, err, "key expired (410 KEY_EXPIRED)")

	err = handleErrorResponse(502, []byte("bad gateway"))
	assert.EqualError(t, err, "server returned status 502")
}
