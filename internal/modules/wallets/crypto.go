package wallets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Cipher encrypts account numbers at rest and fingerprints IBANs so
// duplicate accounts can be detected without storing the IBAN in clear.
type Cipher struct {
	aead    cipher.AEAD
	hmacKey []byte
}

// NewCipher derives the AES-GCM key and the fingerprint key from the two
// configured secrets. Secrets are stretched to 32 bytes with SHA-256 so
// any non-empty value works.
func NewCipher(encryptionKey, hmacKey string) (*Cipher, error) {
	if encryptionKey == "" || hmacKey == "" {
		return nil, fmt.Errorf("account cipher keys are not configured")
	}

	key := sha256.Sum256([]byte(encryptionKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	mk := sha256.Sum256([]byte(hmacKey))
	return &Cipher{aead: aead, hmacKey: mk[:]}, nil
}

// EncryptAccountNumber seals the plaintext under a fresh nonce. The
// stored form is base64(nonce || ciphertext). Empty input stays empty.
func (c *Cipher) EncryptAccountNumber(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptAccountNumber reverses EncryptAccountNumber.
func (c *Cipher) DecryptAccountNumber(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode account number: %w", err)
	}

	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("encrypted account number too short")
	}

	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt account number: %w", err)
	}
	return string(plain), nil
}

// FingerprintIBAN produces a stable HMAC-SHA256 hex digest of the
// normalized IBAN. Spacing and case differences fingerprint identically;
// an empty IBAN yields an empty fingerprint.
func (c *Cipher) FingerprintIBAN(iban string) string {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(iban), " ", ""))
	if normalized == "" {
		return ""
	}

	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}
