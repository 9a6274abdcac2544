package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

func init() {
	RegisterProvider(aesGCM{})
}

// aesGCM seals with AES-256-GCM. Stored form is base64(nonce + ciphertext),
// with the authentication tag appended by Seal.
type aesGCM struct{}

func (aesGCM) Name() string { return "aesgcm" }

func (aesGCM) KeySize() int { return 32 }

func (aesGCM) Encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	return sealAEAD(gcm, plaintext)
}

func (aesGCM) Decrypt(key []byte, ciphertext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	return openAEAD(gcm, ciphertext)
}

func sealAEAD(aead cipher.AEAD, plaintext string) (string, error) {
	// A unique nonce per encryption is critical for AEAD security. Never
	// reuse a nonce with the same key.
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func openAEAD(aead cipher.AEAD, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return "", errors.New("ciphertext too short to contain nonce")
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plaintext), nil
}
