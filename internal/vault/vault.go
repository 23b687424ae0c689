package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/ledgersync/ledger-connector/internal/domain"
)

const (
	keyLength     = 32
	keyIterations = 600000
)

// keySalt is a fixed derivation salt.  The vault key must be
// deterministic across processes so any instance can decrypt rows
// written by another - secrecy lives entirely in the server-held secret.
var keySalt = []byte("ledger-connector-credential-vault")

// Vault encrypts and decrypts connection credentials with AES-256-GCM.
// Plaintext is only ever returned to the immediate caller and is never
// logged or persisted.
type Vault struct {
	aead cipher.AEAD
}

func NewVault(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("credential vault secret is not configured")
	}

	key := pbkdf2.Key([]byte(secret), keySalt, keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize vault cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize vault cipher: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals the plaintext and returns a base64 encoded
// nonce-prefixed ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("unable to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt.  Any failure indicates
// tampering or a key rotation mismatch and is reported as ErrCrypto -
// callers must treat it as fatal, never as a retryable condition.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext encoding", domain.ErrCrypto)
	}

	if len(raw) < v.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrCrypto)
	}

	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext rejected", domain.ErrCrypto)
	}

	return string(plaintext), nil
}
