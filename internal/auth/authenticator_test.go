package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/db"
)

func staticLookup(identities map[string]*db.Identity) IdentityLookup {
	return func(_ context.Context, clientID string) (*db.Identity, error) {
		return identities[clientID], nil
	}
}

func newTestAuthenticator(t *testing.T, cfg Config) *Authenticator {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.now == nil {
		cfg.now = func() time.Time { return time.Unix(1700000000, 0) }
	}
	authn, err := NewAuthenticator(cfg)
	require.NoError(t, err)
	return authn
}

func TestNewAuthenticatorValidation(t *testing.T) {
	_, err := NewAuthenticator(Config{Logger: zap.NewNop()})
	assert.ErrorContains(t, err, "lookup is required")

	_, err = NewAuthenticator(Config{Lookup: staticLookup(nil)})
	assert.ErrorContains(t, err, "logger is required")

	_, err = NewAuthenticator(Config{
		Lookup:         staticLookup(nil),
		Logger:         zap.NewNop(),
		TrustedProxies: []string{"not-a-cidr"},
	})
	assert.ErrorContains(t, err, "trusted proxy")
}

func TestAuthenticateAnonymous(t *testing.T) {
	authn := newTestAuthenticator(t, Config{Lookup: staticLookup(nil)})

	r := httptest.NewRequest("GET", "/jobs", nil)
	identity, err := authn.Authenticate(r, nil)
	require.NoError(t, err)
	assert.Nil(t, identity)
}

func TestAuthenticateIncompleteHeaders(t *testing.T) {
	authn := newTestAuthenticator(t, Config{Lookup: staticLookup(nil)})

	cases := []struct {
		name    string
		headers map[string]string
	}{
		{"id only", map[string]string{HeaderClientID: "alice"}},
		{"id and timestamp", map[string]string{HeaderClientID: "alice", HeaderTimestamp: "1700000000"}},
		{"signature only", map[string]string{HeaderSignature: "sig"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/jobs", nil)
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			_, err := authn.Authenticate(r, nil)
			assert.ErrorIs(t, err, ErrIncompleteAuth)
		})
	}
}

func TestAuthenticateUnknownClient(t *testing.T) {
	authn := newTestAuthenticator(t, Config{Lookup: staticLookup(nil)})

	r := httptest.NewRequest("GET", "/jobs", nil)
	r.Header.Set(HeaderClientID, "ghost")
	r.Header.Set(HeaderTimestamp, "1700000000")
	r.Header.Set(HeaderSignature, "sig")

	_, err := authn.Authenticate(r, nil)
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestAuthenticateLookupFailure(t *testing.T) {
	boom := errors.New("connection refused")
	authn := newTestAuthenticator(t, Config{
		Lookup: func(context.Context, string) (*db.Identity, error) { return nil, boom },
	})

	r := httptest.NewRequest("GET", "/jobs", nil)
	r.Header.Set(HeaderClientID, "alice")
	r.Header.Set(HeaderTimestamp, "1700000000")
	r.Header.Set(HeaderSignature, "sig")

	_, err := authn.Authenticate(r, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrUnknownClient)
	assert.NotErrorIs(t, err, ErrInvalidSignature)
}

func TestAuthenticateValidRequest(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	identity := &db.Identity{
		ClientID:     "alice",
		Role:         db.RoleAdmin,
		HMACKey:      key,
		AllowedCIDRs: db.StringList{"0.0.0.0/0", "::/0"},
	}
	authn := newTestAuthenticator(t, Config{
		Lookup: staticLookup(map[string]*db.Identity{"alice": identity}),
		now:    func() time.Time { return now },
	})

	body := []byte(`{"binary_name":"ffmpeg"}`)
	ts, sig := newFixedSigner(t, key, now).Sign("POST", "/jobs", body)

	r := httptest.NewRequest("POST", "/jobs", nil)
	r.Header.Set(HeaderClientID, "alice")
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, sig)

	got, err := authn.Authenticate(r, body)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.ClientID)
	assert.Equal(t, db.RoleAdmin, got.Role)
	assert.Empty(t, got.HMACKey, "signing key must not leave the authenticator")
	// The caller's copy keeps its key.
	assert.Equal(t, key, identity.HMACKey)
}

func TestAuthenticateBadSignature(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	otherKey, err := GenerateKey()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	authn := newTestAuthenticator(t, Config{
		Lookup: staticLookup(map[string]*db.Identity{"alice": {
			ClientID:     "alice",
			Role:         db.RoleClient,
			HMACKey:      key,
			AllowedCIDRs: db.StringList{"0.0.0.0/0"},
		}}),
		now: func() time.Time { return now },
	})

	ts, sig := newFixedSigner(t, otherKey, now).Sign("GET", "/jobs", nil)

	r := httptest.NewRequest("GET", "/jobs", nil)
	r.Header.Set(HeaderClientID, "alice")
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, sig)

	_, err = authn.Authenticate(r, nil)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestAuthenticateStaleTimestamp(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	signedAt := time.Unix(1700000000, 0)
	authn := newTestAuthenticator(t, Config{
		Lookup: staticLookup(map[string]*db.Identity{"alice": {
			ClientID:     "alice",
			Role:         db.RoleClient,
			HMACKey:      key,
			AllowedCIDRs: db.StringList{"0.0.0.0/0"},
		}}),
		now: func() time.Time { return signedAt.Add(10 * time.Minute) },
	})

	ts, sig := newFixedSigner(t, key, signedAt).Sign("GET", "/jobs", nil)

	r := httptest.NewRequest("GET", "/jobs", nil)
	r.Header.Set(HeaderClientID, "alice")
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, sig)

	_, err = authn.Authenticate(r, nil)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestAuthenticateCIDRScope(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	authn := newTestAuthenticator(t, Config{
		Lookup: staticLookup(map[string]*db.Identity{"alice": {
			ClientID:     "alice",
			Role:         db.RoleClient,
			HMACKey:      key,
			AllowedCIDRs: db.StringList{"10.0.0.0/8"},
		}}),
		now: func() time.Time { return now },
	})

	cases := []struct {
		name       string
		remoteAddr string
		allowed    bool
	}{
		{"inside range", "10.1.2.3:40000", true},
		{"outside range", "192.168.1.1:40000", false},
		{"mapped ipv4 inside", "[::ffff:10.1.2.3]:40000", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts, sig := newFixedSigner(t, key, now).Sign("GET", "/jobs", nil)

			r := httptest.NewRequest("GET", "/jobs", nil)
			r.RemoteAddr = tc.remoteAddr
			r.Header.Set(HeaderClientID, "alice")
			r.Header.Set(HeaderTimestamp, ts)
			r.Header.Set(HeaderSignature, sig)

			_, err := authn.Authenticate(r, nil)
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrAddressNotAllowed)
			}
		})
	}
}

func TestAuthenticateTrustedProxy(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	lookup := staticLookup(map[string]*db.Identity{"alice": {
		ClientID:     "alice",
		Role:         db.RoleClient,
		HMACKey:      key,
		AllowedCIDRs: db.StringList{"203.0.113.0/24"},
	}})

	t.Run("forwarded-for honored behind trusted proxy", func(t *testing.T) {
		authn := newTestAuthenticator(t, Config{
			Lookup:         lookup,
			TrustedProxies: []string{"127.0.0.0/8"},
			now:            func() time.Time { return now },
		})

		ts, sig := newFixedSigner(t, key, now).Sign("GET", "/jobs", nil)
		r := httptest.NewRequest("GET", "/jobs", nil)
		r.RemoteAddr = "127.0.0.1:50000"
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		r.Header.Set(HeaderClientID, "alice")
		r.Header.Set(HeaderTimestamp, ts)
		r.Header.Set(HeaderSignature, sig)

		_, err := authn.Authenticate(r, nil)
		assert.NoError(t, err)
	})

	t.Run("forwarded-for ignored from untrusted peer", func(t *testing.T) {
		authn := newTestAuthenticator(t, Config{
			Lookup: lookup,
			now:    func() time.Time { return now },
		})

		ts, sig := newFixedSigner(t, key, now).Sign("GET", "/jobs", nil)
		r := httptest.NewRequest("GET", "/jobs", nil)
		r.RemoteAddr = "192.168.1.50:50000"
		r.Header.Set("X-Forwarded-For", "203.0.113.7")
		r.Header.Set(HeaderClientID, "alice")
		r.Header.Set(HeaderTimestamp, ts)
		r.Header.Set(HeaderSignature, sig)

		_, err := authn.Authenticate(r, nil)
		assert.ErrorIs(t, err, ErrAddressNotAllowed)
	})

	t.Run("no forwarded-for falls back to proxy address", func(t *testing.T) {
		authn := newTestAuthenticator(t, Config{
			Lookup:         lookup,
			TrustedProxies: []string{"127.0.0.0/8"},
			now:            func() time.Time { return now },
		})

		ts, sig := newFixedSigner(t, key, now).Sign("GET", "/jobs", nil)
		r := httptest.NewRequest("GET", "/jobs", nil)
		r.RemoteAddr = "127.0.0.1:50000"
		r.Header.Set(HeaderClientID, "alice")
		r.Header.Set(HeaderTimestamp, ts)
		r.Header.Set(HeaderSignature, sig)

		_, err := authn.Authenticate(r, nil)
		assert.ErrorIs(t, err, ErrAddressNotAllowed)
	})
}
