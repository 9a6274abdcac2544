// Package auth implements signed-request authentication. Every request
// carries a client id, a unix timestamp and an HMAC-SHA256 signature over
// a canonical string derived from the request; identities are scoped to
// CIDR ranges checked against the effective peer address.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Request signature headers.
const (
	HeaderClientID  = "x-dffmpeg-client-id"
	HeaderTimestamp = "x-dffmpeg-timestamp"
	HeaderSignature = "x-dffmpeg-signature"
)

// DefaultDrift is how far a request timestamp may deviate from server
// time before the signature is rejected as a replay.
const DefaultDrift = 300 * time.Second

// GenerateKey returns a fresh identity signing key: base64 of 32 random
// bytes, 44 characters encoded.
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Signer signs and verifies requests for one identity key. The key is the
// base64 form; the HMAC runs over the decoded bytes.
type Signer struct {
	secret []byte
	drift  time.Duration
	now    func() time.Time
}

// NewSigner decodes key and returns a Signer with the default drift.
func NewSigner(key string) (*Signer, error) {
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("auth: decode key: %w", err)
	}
	return &Signer{secret: secret, drift: DefaultDrift, now: time.Now}, nil
}

// canonical builds the signed string:
//
//	METHOD|PATH|TIMESTAMP|hex(sha256(body))
//
// The body hash is always present; an empty body hashes the empty string.
func canonical(method, path, timestamp string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	return strings.ToUpper(method) + "|" + path + "|" + timestamp + "|" + hex.EncodeToString(bodyHash[:])
}

func (s *Signer) signature(method, path, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical(method, path, timestamp, body)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Sign returns the timestamp and signature header values for a request.
func (s *Signer) Sign(method, path string, body []byte) (timestamp, signature string) {
	timestamp = strconv.FormatInt(s.now().Unix(), 10)
	return timestamp, s.signature(method, path, timestamp, body)
}

// Verify checks a request signature. It reports false for any failure:
// an unparseable or drifted timestamp as much as a wrong signature, so a
// replayed request is indistinguishable from a forged one.
func (s *Signer) Verify(method, path, timestamp, signature string, body []byte) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	drift := s.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > s.drift {
		return false
	}

	expected := s.signature(method, path, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
