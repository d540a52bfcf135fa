package secure

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keypair struct {
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

func generateKeypair(t *testing.T) keypair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return keypair{priv: priv, pub: &priv.PublicKey}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	agent := generateKeypair(t)
	server := generateKeypair(t)

	payload := map[string]any{
		"id":   float64(42),
		"name": "workstation-01",
		"sync_attributes": map[string]any{
			"CID": "42",
			"SET": "office",
		},
	}

	envelope, err := Wrap(payload, agent.priv, server.pub)
	require.NoError(t, err)
	assert.NotContains(t, envelope, "workstation-01", "envelope must not leak cleartext")

	data, err := Unwrap(envelope, server.priv, agent.pub)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, payload, got)
}

func TestUnwrapTamperedCiphertext(t *testing.T) {
	agent := generateKeypair(t)
	server := generateKeypair(t)

	envelope, err := Wrap(map[string]string{"cmd": "sync"}, agent.priv, server.pub)
	require.NoError(t, err)

	var token map[string]any
	require.NoError(t, json.Unmarshal([]byte(envelope), &token))
	ciphertext, ok := token["ciphertext"].(string)
	require.True(t, ok)

	// flip one ciphertext character
	replacement := byte('A')
	if ciphertext[0] == replacement {
		replacement = 'B'
	}
	token["ciphertext"] = string(replacement) + ciphertext[1:]
	tampered, err := json.Marshal(token)
	require.NoError(t, err)

	data, err := Unwrap(string(tampered), server.priv, agent.pub)
	assert.Nil(t, data)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestUnwrapWrongDecryptionKey(t *testing.T) {
	agent := generateKeypair(t)
	server := generateKeypair(t)
	other := generateKeypair(t)

	envelope, err := Wrap(map[string]string{"cmd": "sync"}, agent.priv, server.pub)
	require.NoError(t, err)

	_, err = Unwrap(envelope, other.priv, agent.pub)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestUnwrapInvalidSignature(t *testing.T) {
	agent := generateKeypair(t)
	server := generateKeypair(t)
	impostor := generateKeypair(t)

	// signed by the impostor, encrypted for the server
	envelope, err := Wrap(map[string]string{"cmd": "sync"}, impostor.priv, server.pub)
	require.NoError(t, err)

	// decrypts fine, but the signature is not the agent's
	data, err := Unwrap(envelope, server.priv, agent.pub)
	assert.Nil(t, data)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSignVerify(t *testing.T) {
	agent := generateKeypair(t)

	token, err := Sign([]byte(`{"id":1}`), agent.priv)
	require.NoError(t, err)

	payload, err := Verify(token, agent.pub)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(payload))

	other := generateKeypair(t)
	_, err = Verify(token, other.pub)
	assert.Error(t, err)
}

func TestUnwrapGarbage(t *testing.T) {
	server := generateKeypair(t)
	agent := generateKeypair(t)

	for _, input := range []string{"", "not-a-jwe", `{"ciphertext":"AAAA"}`} {
		_, err := Unwrap(input, server.priv, agent.pub)
		assert.ErrorIs(t, err, ErrInvalidData, "input %q", input)
	}
}
