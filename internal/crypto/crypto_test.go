package crypto

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRing(t *testing.T) map[string]string {
	t.Helper()
	k1, err := GenerateKeySpec("aesgcm")
	require.NoError(t, err)
	k2, err := GenerateKeySpec("chacha20poly1305")
	require.NoError(t, err)
	return map[string]string{"k1": k1, "k2": k2}
}

func TestGenerateKeySpec(t *testing.T) {
	spec, err := GenerateKeySpec("aesgcm")
	require.NoError(t, err)

	algorithm, encoded, ok := strings.Cut(spec, ":")
	require.True(t, ok)
	require.Equal(t, "aesgcm", algorithm)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	require.Len(t, raw, 32)

	_, err = GenerateKeySpec("rot13")
	require.ErrorContains(t, err, "unknown algorithm")
}

func TestRoundTripAllProviders(t *testing.T) {
	m, err := NewManager(testRing(t), "k1")
	require.NoError(t, err)

	for _, keyID := range []string{"k1", "k2"} {
		sealed, err := m.Encrypt("super secret hmac key", keyID)
		require.NoError(t, err)
		require.NotEqual(t, "super secret hmac key", sealed)

		plain, err := m.Decrypt(sealed, keyID)
		require.NoError(t, err)
		require.Equal(t, "super secret hmac key", plain)
	}
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	m, err := NewManager(testRing(t), "k1")
	require.NoError(t, err)

	a, err := m.Encrypt("same input", "k1")
	require.NoError(t, err)
	b, err := m.Encrypt("same input", "k1")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "nonce must differ per encryption")
}

func TestDecryptWrongKeyFails(t *testing.T) {
	ring := testRing(t)
	other, err := GenerateKeySpec("aesgcm")
	require.NoError(t, err)
	ring["k3"] = other

	m, err := NewManager(ring, "k1")
	require.NoError(t, err)

	sealed, err := m.Encrypt("secret", "k1")
	require.NoError(t, err)

	_, err = m.Decrypt(sealed, "k3")
	require.Error(t, err)

	_, err = m.Decrypt(sealed, "missing")
	require.ErrorContains(t, err, "unknown key id")
}

func TestEncryptActive(t *testing.T) {
	m, err := NewManager(testRing(t), "k2")
	require.NoError(t, err)

	sealed, keyID, err := m.EncryptActive("secret")
	require.NoError(t, err)
	require.Equal(t, "k2", keyID)

	plain, err := m.Decrypt(sealed, keyID)
	require.NoError(t, err)
	require.Equal(t, "secret", plain)
}

func TestNoActiveKeyPassesThrough(t *testing.T) {
	m, err := NewManager(nil, "")
	require.NoError(t, err)

	out, keyID, err := m.EncryptActive("plain value")
	require.NoError(t, err)
	require.Empty(t, keyID)
	require.Equal(t, "plain value", out)

	plain, err := m.Decrypt("plain value", "")
	require.NoError(t, err)
	require.Equal(t, "plain value", plain)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(map[string]string{"bad": "no-colon-here%%"}, "")
	require.ErrorContains(t, err, "algorithm:base64key")

	_, err = NewManager(map[string]string{"bad": "aesgcm:###"}, "")
	require.ErrorContains(t, err, "decode")

	short := "aesgcm:" + base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = NewManager(map[string]string{"bad": short}, "")
	require.ErrorContains(t, err, "32 byte key")

	_, err = NewManager(testRing(t), "nope")
	require.ErrorContains(t, err, "not in ring")
}

func TestReloadKeepsRingOnError(t *testing.T) {
	m, err := NewManager(testRing(t), "k1")
	require.NoError(t, err)

	sealed, err := m.Encrypt("secret", "k1")
	require.NoError(t, err)

	require.Error(t, m.Reload(map[string]string{"broken": "nope"}, "broken"))

	// Previous ring still decrypts.
	plain, err := m.Decrypt(sealed, "k1")
	require.NoError(t, err)
	require.Equal(t, "secret", plain)
	require.Equal(t, "k1", m.ActiveKeyID())
}

func TestKeyIDs(t *testing.T) {
	m, err := NewManager(testRing(t), "k1")
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k2"}, m.KeyIDs())
	require.True(t, m.HasKey("k2"))
	require.False(t, m.HasKey("k9"))
}

func TestReadKeysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yml")

	spec, err := GenerateKeySpec("aesgcm")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("prod-2026: \""+spec+"\"\n"), 0o600))

	keys, err := ReadKeysFile(path)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"prod-2026": spec}, keys)

	_, err = ReadKeysFile(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
}
