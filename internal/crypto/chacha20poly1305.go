package crypto

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

func init() {
	RegisterProvider(chaCha20Poly1305{})
}

// chaCha20Poly1305 seals with ChaCha20-Poly1305. Same stored form as aesgcm.
type chaCha20Poly1305 struct{}

func (chaCha20Poly1305) Name() string { return "chacha20poly1305" }

func (chaCha20Poly1305) KeySize() int { return chacha20poly1305.KeySize }

func (chaCha20Poly1305) Encrypt(key []byte, plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("new chacha20poly1305: %w", err)
	}
	return sealAEAD(aead, plaintext)
}

func (chaCha20Poly1305) Decrypt(key []byte, ciphertext string) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("new chacha20poly1305: %w", err)
	}
	return openAEAD(aead, ciphertext)
}
