// Package crypto wraps identity HMAC keys at rest. Keys are sealed with a
// named authenticated-encryption algorithm from a key ring configured as
// key_id -> "algorithm:base64(key)". Rotation re-wraps rows under a new
// key id without changing the wrapped secret.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Provider implements one named authenticated-encryption algorithm.
// Ciphertext is base64(nonce + sealed) so a stored value is a single
// opaque string.
type Provider interface {
	Name() string
	// KeySize is the required raw key length in bytes.
	KeySize() int
	Encrypt(key []byte, plaintext string) (string, error)
	Decrypt(key []byte, ciphertext string) (string, error)
}

var (
	providersMu sync.RWMutex
	providers   = make(map[string]Provider)
)

// RegisterProvider makes an algorithm available to key rings. Providers
// register themselves from init, the way database drivers do.
func RegisterProvider(p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if _, dup := providers[p.Name()]; dup {
		panic("crypto: RegisterProvider called twice for " + p.Name())
	}
	providers[p.Name()] = p
}

// ProviderNames returns the registered algorithm names, sorted.
func ProviderNames() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func provider(name string) (Provider, error) {
	providersMu.RLock()
	p, ok := providers[name]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown algorithm %q, expected one of: %s", name, strings.Join(ProviderNames(), ", "))
	}
	return p, nil
}

// GenerateKeySpec returns a fresh key for the named algorithm in the ring
// format "algorithm:base64(key)".
func GenerateKeySpec(algorithm string) (string, error) {
	p, err := provider(algorithm)
	if err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}
	raw := make([]byte, p.KeySize())
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("crypto: generate key: %w", err)
	}
	return p.Name() + ":" + base64.StdEncoding.EncodeToString(raw), nil
}

type ringKey struct {
	provider Provider
	key      []byte
}

// Manager holds the key ring and the id of the key new wraps use. The ring
// can be swapped at runtime when the external keys file changes; key ids
// referenced by existing rows must stay in the ring until those rows are
// re-wrapped.
type Manager struct {
	mu     sync.RWMutex
	ring   map[string]ringKey
	active string
}

// NewManager parses keys into a ring. activeKeyID must name a ring entry,
// or be empty to store secrets unwrapped.
func NewManager(keys map[string]string, activeKeyID string) (*Manager, error) {
	m := &Manager{}
	if err := m.Reload(keys, activeKeyID); err != nil {
		return nil, err
	}
	return m, nil
}

func parseRing(keys map[string]string) (map[string]ringKey, error) {
	ring := make(map[string]ringKey, len(keys))
	for id, spec := range keys {
		algorithm, encoded, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("crypto: key %q: want \"algorithm:base64key\"", id)
		}
		p, err := provider(algorithm)
		if err != nil {
			return nil, fmt.Errorf("crypto: key %q: %w", id, err)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("crypto: key %q: decode: %w", id, err)
		}
		if len(raw) != p.KeySize() {
			return nil, fmt.Errorf("crypto: key %q: %s wants a %d byte key, got %d", id, algorithm, p.KeySize(), len(raw))
		}
		ring[id] = ringKey{provider: p, key: raw}
	}
	return ring, nil
}

// Reload replaces the ring and active key id atomically. On error the
// previous ring stays in place.
func (m *Manager) Reload(keys map[string]string, activeKeyID string) error {
	ring, err := parseRing(keys)
	if err != nil {
		return err
	}
	if activeKeyID != "" {
		if _, ok := ring[activeKeyID]; !ok {
			return fmt.Errorf("crypto: active key %q not in ring", activeKeyID)
		}
	}
	m.mu.Lock()
	m.ring = ring
	m.active = activeKeyID
	m.mu.Unlock()
	return nil
}

// ActiveKeyID returns the id new wraps use, or "" when secrets are stored
// unwrapped.
func (m *Manager) ActiveKeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// KeyIDs returns the ids in the ring, sorted.
func (m *Manager) KeyIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.ring))
	for id := range m.ring {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasKey reports whether keyID is in the ring.
func (m *Manager) HasKey(keyID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ring[keyID]
	return ok
}

// Encrypt seals plaintext under the named key.
func (m *Manager) Encrypt(plaintext, keyID string) (string, error) {
	m.mu.RLock()
	entry, ok := m.ring[keyID]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("crypto: encrypt: unknown key id %q", keyID)
	}
	out, err := entry.provider.Encrypt(entry.key, plaintext)
	if err != nil {
		return "", fmt.Errorf("crypto: encrypt with %q: %w", keyID, err)
	}
	return out, nil
}

// EncryptActive seals plaintext under the active key and reports which key
// id was used. With no active key the plaintext passes through unchanged
// and the key id is empty.
func (m *Manager) EncryptActive(plaintext string) (string, string, error) {
	active := m.ActiveKeyID()
	if active == "" {
		return plaintext, "", nil
	}
	out, err := m.Encrypt(plaintext, active)
	if err != nil {
		return "", "", err
	}
	return out, active, nil
}

// Decrypt opens ciphertext sealed under the named key. An empty key id
// means the value was stored unwrapped and passes through unchanged.
func (m *Manager) Decrypt(ciphertext, keyID string) (string, error) {
	if keyID == "" {
		return ciphertext, nil
	}
	m.mu.RLock()
	entry, ok := m.ring[keyID]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("crypto: decrypt: unknown key id %q", keyID)
	}
	out, err := entry.provider.Decrypt(entry.key, ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt with %q: %w", keyID, err)
	}
	return out, nil
}
