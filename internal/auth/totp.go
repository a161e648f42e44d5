package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/BradenHooton/carewatch/pkg/secmem"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPManager verifies second-factor codes against encrypted secrets.
// Stored secrets are base64(nonce || AES-256-GCM ciphertext of the base32 secret).
type TOTPManager struct {
	encryptionKey []byte
	now           func() time.Time
}

// NewTOTPManager creates a new TOTP manager
// encryptionKey must be exactly 32 bytes for AES-256
func NewTOTPManager(encryptionKey []byte) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}

	return &TOTPManager{encryptionKey: encryptionKey, now: time.Now}, nil
}

func (tm *TOTPManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptSecret seals a base32 TOTP secret for storage.
func (tm *TOTPManager) EncryptSecret(secret string) (string, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(secret), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSecret opens a stored secret. The caller owns the result and should
// dispose it once the code is checked.
func (tm *TOTPManager) DecryptSecret(stored string) (*secmem.SecureString, error) {
	sealed, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret: %w", err)
	}

	gcm, err := tm.gcm()
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("failed to decrypt secret: ciphertext too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return secmem.NewSecureBytes(plaintext), nil
}

// Validate checks code against a stored secret.
// Allows ±1 time step (90 seconds total window) for clock drift
func (tm *TOTPManager) Validate(stored, code string) (bool, error) {
	secret, err := tm.DecryptSecret(stored)
	if err != nil {
		return false, err
	}

	opts := totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}

	type result struct {
		valid bool
		err   error
	}
	res, err := secmem.Use(secret, func(b []byte) result {
		valid, err := totp.ValidateCustom(code, string(b), tm.now(), opts)
		return result{valid, err}
	}, true)
	if err != nil {
		return false, err
	}
	if res.err != nil {
		return false, fmt.Errorf("failed to validate TOTP: %w", res.err)
	}

	return res.valid, nil
}
