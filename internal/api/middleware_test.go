package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/db"
)

func TestAuthVerdictsReturn401(t *testing.T) {
	fx := newFixture(t)
	alice := fx.identity(t, "alice", db.RoleClient)

	body, err := json.Marshal(map[string]string{"client_id": "alice", "message": "hi"})
	require.NoError(t, err)

	// Partial credentials.
	req := httptest.NewRequest(http.MethodPost, "/ping", bytes.NewReader(body))
	req.Header.Set(auth.HeaderClientID, "alice")
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Incomplete HMAC authentication provided", errorMessage(t, rec))

	// Unknown client id.
	rec = fx.do(t, alice, "nobody", http.MethodPost, "/ping", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid user", errorMessage(t, rec))

	// Signature computed over a different body.
	timestamp, signature := alice.Sign(http.MethodPost, "/ping", body)
	req = httptest.NewRequest(http.MethodPost, "/ping", bytes.NewReader([]byte(`{"client_id":"alice","message":"tampered"}`)))
	req.Header.Set(auth.HeaderClientID, "alice")
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderSignature, signature)
	rec = httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid HMAC signature", errorMessage(t, rec))

	// Wrong key entirely.
	strayKey, err := auth.GenerateKey()
	require.NoError(t, err)
	stray, err := auth.NewSigner(strayKey)
	require.NoError(t, err)
	rec = fx.do(t, stray, "alice", http.MethodPost, "/ping", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid HMAC signature", errorMessage(t, rec))
}

func TestTrustedProxyScopesClientAddress(t *testing.T) {
	fx := newFixtureWith(t, fixtureOptions{trustedProxies: []string{"127.0.0.1"}})

	key, err := auth.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, fx.identities.Upsert(context.Background(), &db.Identity{
		ClientID:     "carol",
		Role:         db.RoleClient,
		HMACKey:      key,
		AllowedCIDRs: db.StringList{"192.168.1.5/32"},
	}))
	signer, err := auth.NewSigner(key)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"client_id": "carol", "message": "hi"})
	require.NoError(t, err)

	send := func(remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
		timestamp, signature := signer.Sign(http.MethodPost, "/ping", body)
		req := httptest.NewRequest(http.MethodPost, "/ping", bytes.NewReader(body))
		req.RemoteAddr = remoteAddr
		if forwardedFor != "" {
			req.Header.Set("X-Forwarded-For", forwardedFor)
		}
		req.Header.Set(auth.HeaderClientID, "carol")
		req.Header.Set(auth.HeaderTimestamp, timestamp)
		req.Header.Set(auth.HeaderSignature, signature)
		rec := httptest.NewRecorder()
		fx.router.ServeHTTP(rec, req)
		return rec
	}

	// Through the trusted proxy, the forwarded address is what the CIDR
	// check sees.
	rec := send("127.0.0.1:9999", "10.0.0.1")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Client IP not allowed", errorMessage(t, rec))

	rec = send("127.0.0.1:9999", "192.168.1.5")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// From anywhere else the header is attacker-controlled noise; only the
	// socket peer counts.
	rec = send("203.0.113.7:4433", "192.168.1.5")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Client IP not allowed", errorMessage(t, rec))
}
