// Package crypto provides transparent field-level envelope encryption for
// selected scalar values. Values written before encryption was enabled stay
// readable: decryption detects non-envelope input and passes it through.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"

	"github.com/melsheikh92/crm-governance/pkg/config"
)

const (
	// AlgorithmAESGCM is the only algorithm identifier currently supported.
	AlgorithmAESGCM = "AES-256-GCM"

	gcmTagSize = 16

	keyIterations = 4096
	keyLength     = 32
)

// keySalt scopes derived keys to this engine. Changing it invalidates every
// stored envelope.
var keySalt = []byte("crm-governance.field-cipher.v1")

// envelope is the self-describing serialized form of an encrypted value.
type envelope struct {
	IV    string `json:"iv"`
	Value string `json:"value"`
	Tag   string `json:"tag"`
}

// FieldCipher encrypts and decrypts individual field values.
type FieldCipher struct {
	enabled bool
	aead    cipher.AEAD
	logger  *zap.Logger
}

// New builds a FieldCipher from configuration. A disabled cipher is valid and
// passes every value through unchanged.
func New(cfg config.EncryptionConfig, logger *zap.Logger) (*FieldCipher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return &FieldCipher{enabled: false, logger: logger}, nil
	}
	if cfg.Algorithm != "" && cfg.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("unsupported encryption algorithm %q", cfg.Algorithm)
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("encryption enabled but no key configured")
	}
	aead, err := buildAEAD(cfg.Key)
	if err != nil {
		return nil, err
	}
	return &FieldCipher{enabled: true, aead: aead, logger: logger}, nil
}

// NewWithKey builds an enabled cipher directly from key material. Used to
// construct independent instances for superseded keys during rotation.
func NewWithKey(key string, logger *zap.Logger) (*FieldCipher, error) {
	return New(config.EncryptionConfig{Enabled: true, Key: key, Algorithm: AlgorithmAESGCM}, logger)
}

func buildAEAD(key string) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(key), keySalt, keyIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build gcm: %w", err)
	}
	return aead, nil
}

// Enabled reports whether encryption is active.
func (f *FieldCipher) Enabled() bool { return f.enabled }

// Encrypt seals a plaintext value into a serialized envelope. Disabled
// ciphers and empty inputs pass through unchanged; absence is never
// encrypted.
func (f *FieldCipher) Encrypt(plaintext string) (string, error) {
	if !f.enabled || plaintext == "" {
		return plaintext, nil
	}

	iv := make([]byte, f.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := f.aead.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	env := envelope{
		IV:    base64.StdEncoding.EncodeToString(iv),
		Value: base64.StdEncoding.EncodeToString(ciphertext),
		Tag:   base64.StdEncoding.EncodeToString(tag),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("serialize envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decrypt opens an envelope back into plaintext. Values that do not parse as
// a well-formed envelope are returned unchanged, as is any value whose
// envelope fails to open; a decryption failure is logged, never surfaced, so
// one corrupt record cannot break unrelated reads.
func (f *FieldCipher) Decrypt(value string) string {
	env, ok := parseEnvelope(value)
	if !ok {
		return value
	}
	plaintext, err := f.open(env)
	if err != nil {
		f.logger.Warn("field decryption failed, returning value as-is", zap.Error(err))
		return value
	}
	return plaintext
}

// IsEncrypted reports whether a value parses as a well-formed envelope.
func (f *FieldCipher) IsEncrypted(value string) bool {
	_, ok := parseEnvelope(value)
	return ok
}

// EncryptFields seals the named fields of a value map, leaving every other
// key untouched.
func (f *FieldCipher) EncryptFields(values map[string]string, fields []string) (map[string]string, error) {
	result := make(map[string]string, len(values))
	for k, v := range values {
		result[k] = v
	}
	for _, field := range fields {
		v, ok := result[field]
		if !ok {
			continue
		}
		sealed, err := f.Encrypt(v)
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s: %w", field, err)
		}
		result[field] = sealed
	}
	return result, nil
}

// DecryptFields opens the named fields of a value map, leaving every other
// key untouched.
func (f *FieldCipher) DecryptFields(values map[string]string, fields []string) map[string]string {
	result := make(map[string]string, len(values))
	for k, v := range values {
		result[k] = v
	}
	for _, field := range fields {
		if v, ok := result[field]; ok {
			result[field] = f.Decrypt(v)
		}
	}
	return result
}

// RotateValue re-encrypts an envelope sealed under a superseded key with the
// currently active key. The old cipher must be an independent instance built
// from the superseded key material.
func (f *FieldCipher) RotateValue(value string, old *FieldCipher) (string, error) {
	if !f.enabled {
		return "", fmt.Errorf("rotation requires an enabled cipher for the active key")
	}
	if old == nil || !old.enabled {
		return "", fmt.Errorf("rotation requires an enabled cipher for the superseded key")
	}
	env, ok := parseEnvelope(value)
	if !ok {
		return "", fmt.Errorf("value is not an encrypted envelope")
	}
	plaintext, err := old.open(env)
	if err != nil {
		return "", fmt.Errorf("open with superseded key: %w", err)
	}
	return f.Encrypt(plaintext)
}

// RotationResult partitions a batch rotation into rotated values and
// per-index failures.
type RotationResult struct {
	Rotated map[int]string
	Failed  map[int]error
}

// RotateAll rotates many envelopes. One failing value never aborts the
// batch; it is reported in Failed keyed by input index.
func (f *FieldCipher) RotateAll(values []string, old *FieldCipher) RotationResult {
	result := RotationResult{
		Rotated: make(map[int]string),
		Failed:  make(map[int]error),
	}
	for i, value := range values {
		rotated, err := f.RotateValue(value, old)
		if err != nil {
			result.Failed[i] = err
			continue
		}
		result.Rotated[i] = rotated
	}
	return result
}

// open decrypts a parsed envelope or reports why it could not.
func (f *FieldCipher) open(env envelope) (string, error) {
	if f.aead == nil {
		return "", fmt.Errorf("cipher has no key material")
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Value)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return "", fmt.Errorf("decode tag: %w", err)
	}
	if len(iv) != f.aead.NonceSize() {
		return "", fmt.Errorf("unexpected iv length %d", len(iv))
	}
	plaintext, err := f.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("open envelope: %w", err)
	}
	return string(plaintext), nil
}

// parseEnvelope runs the detection heuristic: base64 decode, JSON parse, then
// require the three envelope fields. Anything else is assumed plaintext.
func parseEnvelope(value string) (envelope, bool) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, false
	}
	if env.IV == "" || env.Value == "" || env.Tag == "" {
		return envelope{}, false
	}
	return envelope{IV: env.IV, Value: env.Value, Tag: env.Tag}, true
}
