package wallets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("test-encryption-secret", "test-hmac-secret")
	require.NoError(t, err)

	const accountNumber = "61 1090 1014 0000 0712 1981 2874"

	encrypted, err := c.EncryptAccountNumber(accountNumber)
	require.NoError(t, err)
	assert.NotEqual(t, accountNumber, encrypted)

	decrypted, err := c.DecryptAccountNumber(encrypted)
	require.NoError(t, err)
	assert.Equal(t, accountNumber, decrypted)

	// fresh nonce per call: same plaintext, different ciphertext
	again, err := c.EncryptAccountNumber(accountNumber)
	require.NoError(t, err)
	assert.NotEqual(t, encrypted, again)
}

func TestCipherEmptyValues(t *testing.T) {
	c, err := NewCipher("k", "h")
	require.NoError(t, err)

	enc, err := c.EncryptAccountNumber("")
	require.NoError(t, err)
	assert.Empty(t, enc)

	dec, err := c.DecryptAccountNumber("")
	require.NoError(t, err)
	assert.Empty(t, dec)

	assert.Empty(t, c.FingerprintIBAN("   "))
}

func TestCipherRejectsMissingKeys(t *testing.T) {
	_, err := NewCipher("", "h")
	assert.Error(t, err)

	_, err = NewCipher("k", "")
	assert.Error(t, err)
}

func TestCipherTamperedCiphertext(t *testing.T) {
	c, err := NewCipher("k", "h")
	require.NoError(t, err)

	_, err = c.DecryptAccountNumber("bm90IGEgcmVhbCBjaXBoZXJ0ZXh0IGF0IGFsbCwgc29ycnk=")
	assert.Error(t, err)

	_, err = c.DecryptAccountNumber("%%%")
	assert.Error(t, err)
}

func TestFingerprintIBANNormalization(t *testing.T) {
	c, err := NewCipher("k", "h")
	require.NoError(t, err)

	a := c.FingerprintIBAN("PL61 1090 1014 0000 0712 1981 2874")
	b := c.FingerprintIBAN("pl61109010140000071219812874")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	other := c.FingerprintIBAN("PL61109010140000071219812875")
	assert.NotEqual(t, a, other)

	// a different hmac key must produce different fingerprints
	c2, err := NewCipher("k", "h2")
	require.NoError(t, err)
	assert.NotEqual(t, a, c2.FingerprintIBAN("PL61109010140000071219812874"))
}
