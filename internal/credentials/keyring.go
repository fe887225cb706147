package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// EncryptionMode selects how token encryption keys are scoped.
type EncryptionMode string

const (
	// ModeGlobal encrypts every credential with the master key.
	ModeGlobal EncryptionMode = "global"
	// ModePerPrincipal derives a distinct key per principal from the master
	// key, so a leaked derived key only exposes one tenant.
	ModePerPrincipal EncryptionMode = "per-principal"
)

const sealedPrefix = "enc:v1:"

// ParseEncryptionMode converts a flag value into an EncryptionMode.
func ParseEncryptionMode(s string) (EncryptionMode, error) {
	switch EncryptionMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeGlobal:
		return ModeGlobal, nil
	case ModePerPrincipal:
		return ModePerPrincipal, nil
	}
	return "", fmt.Errorf("invalid encryption mode %q (supported: global, per-principal)", s)
}

// Keyring encrypts token values at rest with AES-256-GCM.
//
// Sealed values are bound to their (principal, provider) key through the GCM
// additional data, so a ciphertext copied onto another record fails to open.
// A Keyring without a key passes values through unchanged.
type Keyring struct {
	master  []byte
	mode    EncryptionMode
	enabled bool
}

// NewKeyring creates a keyring. If key is empty, encryption is disabled.
func NewKeyring(key []byte, mode EncryptionMode) (*Keyring, error) {
	if len(key) == 0 {
		return &Keyring{mode: mode}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes (256 bits), got %d bytes", len(key))
	}
	if mode == "" {
		mode = ModeGlobal
	}
	if mode != ModeGlobal && mode != ModePerPrincipal {
		return nil, fmt.Errorf("invalid encryption mode %q", mode)
	}
	return &Keyring{master: key, mode: mode, enabled: true}, nil
}

// Enabled reports whether values are encrypted.
func (k *Keyring) Enabled() bool {
	return k != nil && k.enabled
}

// Mode returns the key scoping mode.
func (k *Keyring) Mode() EncryptionMode {
	if k == nil {
		return ""
	}
	return k.mode
}

func (k *Keyring) keyFor(principal string) ([]byte, error) {
	if k.mode == ModeGlobal {
		return k.master, nil
	}
	derived := make([]byte, 32)
	r := hkdf.New(sha256.New, k.master, nil, []byte("expensebridge/principal/"+principal))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("failed to derive principal key: %w", err)
	}
	return derived, nil
}

func (k *Keyring) aead(principal string) (cipher.AEAD, error) {
	key, err := k.keyFor(principal)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext for the record identified by key.
// Returns "enc:v1:" + base64(nonce || ciphertext || tag).
func (k *Keyring) Seal(key Key, plaintext string) (string, error) {
	if !k.Enabled() || plaintext == "" {
		return plaintext, nil
	}

	gcm, err := k.aead(key.Principal)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(key.String()))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal for the same key.
func (k *Keyring) Open(key Key, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	isSealed := strings.HasPrefix(value, sealedPrefix)
	if !k.Enabled() {
		if isSealed {
			return "", fmt.Errorf("credential %s is encrypted but no encryption key is configured", key)
		}
		return value, nil
	}
	if !isSealed {
		return "", fmt.Errorf("credential %s is stored unencrypted", key)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := k.aead(key.Principal)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(key.String()))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKey generates a random 32-byte master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64 master key. An empty string yields a nil key.
func KeyFromBase64(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d bytes", len(key))
	}
	return key, nil
}

// KeyToBase64 encodes a key for storage in configuration.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
