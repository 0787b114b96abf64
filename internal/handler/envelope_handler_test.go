package handler

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qkd-key-manager/pkg/envelope"
)

func TestEnvelopeHandler_SealOpen(t *testing.T) {
	s := newTestServer(t)
	key := s.requestKey(t, RequestKeyRequest{Sender: "alice", Recipient: "bob"})
	plaintext := []byte("Hello Bob, this is a quantum-secured message.")

	rec := s.do(t, http.MethodPost, "/v1/envelopes/seal", SealRequest{
		KeyID:     key.KeyID,
		Plaintext: base64.StdEncoding.EncodeToString(plaintext),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sealed := decode[SealResponse](t, rec)

	env, err := envelope.Unmarshal(sealed.Envelope)
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, env.KeyID)
	assert.Equal(t, envelope.AlgorithmAES256GCM, env.Algorithm)
	assert.True(t, strings.HasPrefix(sealed.Armored, envelope.ArmorBegin))

	rec = s.do(t, http.MethodPost, "/v1/envelopes/open", OpenRequest{Envelope: sealed.Envelope})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	opened := decode[OpenResponse](t, rec)
	assert.Equal(t, base64.StdEncoding.EncodeToString(plaintext), opened.Plaintext)

	// 本文に埋め込まれた形式でも復号できる
	body := "Hi,\n\n" + sealed.Armored + "\n-- \nsent via QuMail"
	rec = s.do(t, http.MethodPost, "/v1/envelopes/open", OpenRequest{Armored: body})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEnvelopeHandler_Open_Tampered(t *testing.T) {
	s := newTestServer(t)
	key := s.requestKey(t, RequestKeyRequest{Sender: "alice", Recipient: "bob"})

	rec := s.do(t, http.MethodPost, "/v1/envelopes/seal", SealRequest{
		KeyID:     key.KeyID,
		Plaintext: base64.StdEncoding.EncodeToString([]byte("attack at dawn")),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sealed := decode[SealResponse](t, rec)

	env, err := envelope.Unmarshal(sealed.Envelope)
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0x01
	data, err := envelope.Marshal(env)
	require.NoError(t, err)

	rec = s.do(t, http.MethodPost, "/v1/envelopes/open", OpenRequest{Envelope: data})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.NotContains(t, rec.Body.String(), "plaintext")
}

func TestEnvelopeHandler_KeyState(t *testing.T) {
	s := newTestServer(t)
	consumed := s.requestKey(t, RequestKeyRequest{Sender: "alice", Recipient: "bob"})
	expiring := s.requestKey(t, RequestKeyRequest{Sender: "alice", Recipient: "bob", LifetimeSeconds: 1})

	rec := s.do(t, http.MethodPost, "/v1/keys/"+consumed.KeyID+"/consume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	s.clock.Advance(2 * time.Second)

	payload := base64.StdEncoding.EncodeToString([]byte("hi"))

	rec = s.do(t, http.MethodPost, "/v1/envelopes/seal", SealRequest{KeyID: consumed.KeyID, Plaintext: payload})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/envelopes/seal", SealRequest{KeyID: expiring.KeyID, Plaintext: payload})
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/envelopes/seal", SealRequest{KeyID: "qkd_missing", Plaintext: payload})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnvelopeHandler_ShortKey(t *testing.T) {
	s := newTestServer(t)
	key := s.requestKey(t, RequestKeyRequest{Sender: "alice", Recipient: "bob", LengthBits: 128})

	rec := s.do(t, http.MethodPost, "/v1/envelopes/seal", SealRequest{
		KeyID:     key.KeyID,
		Plaintext: base64.StdEncoding.EncodeToString([]byte("hi")),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnvelopeHandler_BadInput(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/envelopes/seal", SealRequest{KeyID: "qkd_x", Plaintext: "%%%"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/envelopes/open", OpenRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/envelopes/open", OpenRequest{Envelope: json.RawMessage(`{"version":"9.9"}`)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/envelopes/open", OpenRequest{Armored: "no payload here"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
