package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixedSigner(t *testing.T, key string, at time.Time) *Signer {
	t.Helper()
	signer, err := NewSigner(key)
	require.NoError(t, err)
	signer.now = func() time.Time { return at }
	return signer
}

func TestGenerateKey(t *testing.T) {
	first, err := GenerateKey()
	require.NoError(t, err)
	second, err := GenerateKey()
	require.NoError(t, err)

	assert.Len(t, first, 44)
	assert.NotEqual(t, first, second)

	raw, err := base64.StdEncoding.DecodeString(first)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	_, err := NewSigner("not base64!!!")
	require.Error(t, err)
}

func TestCanonicalFormat(t *testing.T) {
	// sha256 of the empty string.
	const emptyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	got := canonical("get", "/jobs", "1700000000", nil)
	assert.Equal(t, "GET|/jobs|1700000000|"+emptyHash, got)

	withBody := canonical("POST", "/jobs", "1700000000", []byte(`{"a":1}`))
	assert.NotEqual(t, got, withBody)
	assert.Contains(t, withBody, "POST|/jobs|1700000000|")
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	signer := newFixedSigner(t, key, now)

	body := []byte(`{"binary_name":"ffmpeg"}`)
	ts, sig := signer.Sign("POST", "/jobs", body)

	assert.Equal(t, "1700000000", ts)
	assert.True(t, signer.Verify("POST", "/jobs", ts, sig, body))
	// Method casing is normalized into the canonical string.
	assert.True(t, signer.Verify("post", "/jobs", ts, sig, body))
}

func TestVerifyRejectsTampering(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	signer := newFixedSigner(t, key, now)

	body := []byte(`{"binary_name":"ffmpeg"}`)
	ts, sig := signer.Sign("POST", "/jobs", body)

	assert.False(t, signer.Verify("DELETE", "/jobs", ts, sig, body))
	assert.False(t, signer.Verify("POST", "/jobs/other", ts, sig, body))
	assert.False(t, signer.Verify("POST", "/jobs", "1700000001", sig, body))
	assert.False(t, signer.Verify("POST", "/jobs", ts, sig, []byte(`{"binary_name":"rm"}`)))
	assert.False(t, signer.Verify("POST", "/jobs", ts, "bogus", body))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	keyA, err := GenerateKey()
	require.NoError(t, err)
	keyB, err := GenerateKey()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	ts, sig := newFixedSigner(t, keyA, now).Sign("GET", "/jobs", nil)

	assert.False(t, newFixedSigner(t, keyB, now).Verify("GET", "/jobs", ts, sig, nil))
}

func TestVerifyTimestampDrift(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	signedAt := time.Unix(1700000000, 0)
	ts, sig := newFixedSigner(t, key, signedAt).Sign("GET", "/jobs", nil)

	cases := []struct {
		name  string
		now   time.Time
		valid bool
	}{
		{"exact", signedAt, true},
		{"just inside", signedAt.Add(DefaultDrift), true},
		{"just outside", signedAt.Add(DefaultDrift + time.Second), false},
		{"future inside", signedAt.Add(-DefaultDrift), true},
		{"future outside", signedAt.Add(-DefaultDrift - time.Second), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifier := newFixedSigner(t, key, tc.now)
			assert.Equal(t, tc.valid, verifier.Verify("GET", "/jobs", ts, sig, nil))
		})
	}
}

func TestVerifyRejectsGarbageTimestamp(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	signer := newFixedSigner(t, key, time.Unix(1700000000, 0))
	assert.False(t, signer.Verify("GET", "/jobs", "soon", "sig", nil))
	assert.False(t, signer.Verify("GET", "/jobs", "", "sig", nil))
}
