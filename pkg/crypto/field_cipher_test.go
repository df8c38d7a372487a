package crypto

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melsheikh92/crm-governance/pkg/config"
)

func newCipher(t *testing.T, key string) *FieldCipher {
	t.Helper()
	c, err := NewWithKey(key, nil)
	require.NoError(t, err)
	return c
}

func TestFieldCipherRoundTrip(t *testing.T) {
	c := newCipher(t, "unit-test-key")

	for _, plaintext := range []string{"p@ss", "hello world", "héllo wörld 日本語", "{\"nested\":true}"} {
		sealed, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, sealed)
		assert.True(t, c.IsEncrypted(sealed))
		assert.Equal(t, plaintext, c.Decrypt(sealed))
	}
}

func TestFieldCipherNeverEncryptsAbsence(t *testing.T) {
	c := newCipher(t, "unit-test-key")

	sealed, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", sealed)
	assert.Equal(t, "", c.Decrypt(""))
}

func TestFieldCipherDisabledPassthrough(t *testing.T) {
	c, err := New(config.EncryptionConfig{Enabled: false}, nil)
	require.NoError(t, err)

	sealed, err := c.Encrypt("p@ss")
	require.NoError(t, err)
	assert.Equal(t, "p@ss", sealed)
	assert.False(t, c.Enabled())
}

func TestFieldCipherPlaintextPassthroughOnDecrypt(t *testing.T) {
	c := newCipher(t, "unit-test-key")

	// Values written before encryption was enabled must come back unchanged.
	for _, plain := range []string{"plain", "user@example.com", "not base64 at all!", "aGVsbG8="} {
		assert.Equal(t, plain, c.Decrypt(plain))
		assert.False(t, c.IsEncrypted(plain))
	}
}

func TestFieldCipherRecoversFromCorruptEnvelope(t *testing.T) {
	c := newCipher(t, "unit-test-key")

	sealed, err := c.Encrypt("sensitive")
	require.NoError(t, err)

	// Swap the authentication tag while keeping the envelope well-formed. The
	// heuristic accepts it, GCM rejects it, and the caller gets the original
	// value back instead of an error.
	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	var env map[string]string
	require.NoError(t, json.Unmarshal(raw, &env))
	env["tag"] = base64.StdEncoding.EncodeToString(make([]byte, 16))
	tampered, err := json.Marshal(env)
	require.NoError(t, err)
	corrupted := base64.StdEncoding.EncodeToString(tampered)

	assert.True(t, c.IsEncrypted(corrupted))
	assert.Equal(t, corrupted, c.Decrypt(corrupted))

	// A well-formed envelope sealed under a different key is likewise
	// returned unchanged.
	wrongKey := newCipher(t, "another-key")
	assert.Equal(t, sealed, wrongKey.Decrypt(sealed))
}

func TestFieldCipherFieldHelpers(t *testing.T) {
	c := newCipher(t, "unit-test-key")

	values := map[string]string{
		"name":  "Jane Roe",
		"phone": "+31 6 1234 5678",
		"email": "jane@example.com",
	}

	sealed, err := c.EncryptFields(values, []string{"phone", "email", "missing"})
	require.NoError(t, err)
	assert.Equal(t, "Jane Roe", sealed["name"])
	assert.True(t, c.IsEncrypted(sealed["phone"]))
	assert.True(t, c.IsEncrypted(sealed["email"]))
	assert.NotContains(t, sealed, "missing")

	opened := c.DecryptFields(sealed, []string{"phone", "email"})
	assert.Equal(t, values, opened)
}

func TestFieldCipherKeyRotation(t *testing.T) {
	old := newCipher(t, "superseded-key")
	current := newCipher(t, "active-key")

	sealed, err := old.Encrypt("rotate me")
	require.NoError(t, err)

	rotated, err := current.RotateValue(sealed, old)
	require.NoError(t, err)
	assert.Equal(t, "rotate me", current.Decrypt(rotated))

	// The old key can no longer open the rotated envelope.
	assert.Equal(t, rotated, old.Decrypt(rotated))
}

func TestFieldCipherRotationRequiresEnabledCiphers(t *testing.T) {
	old := newCipher(t, "superseded-key")
	sealed, err := old.Encrypt("rotate me")
	require.NoError(t, err)

	// A disabled target must never hand back plaintext as a "rotated" value.
	disabled, err := New(config.EncryptionConfig{Enabled: false}, nil)
	require.NoError(t, err)
	_, err = disabled.RotateValue(sealed, old)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active key")

	current := newCipher(t, "active-key")
	_, err = current.RotateValue(sealed, disabled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "superseded key")
}

func TestFieldCipherBatchRotationPartitionsFailures(t *testing.T) {
	old := newCipher(t, "superseded-key")
	current := newCipher(t, "active-key")

	first, err := old.Encrypt("one")
	require.NoError(t, err)
	second, err := old.Encrypt("two")
	require.NoError(t, err)
	// Sealed under an unrelated key; rotation of this value must fail without
	// aborting the rest of the batch.
	foreign, err := newCipher(t, "unrelated-key").Encrypt("three")
	require.NoError(t, err)

	result := current.RotateAll([]string{first, "not an envelope", second, foreign}, old)

	require.Len(t, result.Rotated, 2)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, "one", current.Decrypt(result.Rotated[0]))
	assert.Equal(t, "two", current.Decrypt(result.Rotated[2]))
	assert.Error(t, result.Failed[1])
	assert.Error(t, result.Failed[3])
}

func TestFieldCipherRejectsUnknownAlgorithm(t *testing.T) {
	_, err := New(config.EncryptionConfig{Enabled: true, Key: "k", Algorithm: "DES-CBC"}, nil)
	require.Error(t, err)
}

func TestFieldCipherRequiresKeyWhenEnabled(t *testing.T) {
	_, err := New(config.EncryptionConfig{Enabled: true, Algorithm: AlgorithmAESGCM}, nil)
	require.Error(t, err)
}
