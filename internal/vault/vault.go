// Package vault provides authenticated encryption for stored connector
// credentials, scrypt password hashing, webhook HMAC signing, and token
// generation.
//
// Ciphertexts are AES-256-GCM with a 16-byte IV and 16-byte auth tag,
// stored as hex(iv || tag || ciphertext). The key comes from a single
// process-level secret: used directly when it is exactly 32 bytes,
// otherwise stretched with scrypt over a fixed salt.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	ivSize  = 16
	tagSize = 16
	keySize = 32

	// scrypt cost parameters, shared by key derivation and password hashing.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// keyDerivationSalt is fixed so the same process secret always derives the
// same vault key. Per-value randomness comes from the IV.
var keyDerivationSalt = []byte("worksync.credential.vault.v1")

// ErrDecrypt reports that a stored ciphertext failed authentication. The
// stored credentials are unusable and must be re-entered.
var ErrDecrypt = errors.New("credentials cannot be decrypted")

// Vault seals and opens credential blobs with a process-level key.
type Vault struct {
	key []byte
}

// New derives the vault key from the process secret. A 32-byte secret is
// used as-is; anything else is stretched with scrypt.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault secret is empty")
	}
	if len(secret) == keySize {
		return &Vault{key: []byte(secret)}, nil
	}
	key, err := scrypt.Key([]byte(secret), keyDerivationSalt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext and returns hex(iv || tag || ciphertext).
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	// Seal appends the tag after the ciphertext; the stored layout wants
	// the tag between the IV and the ciphertext.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return hex.EncodeToString(out), nil
}

// Decrypt opens hex(iv || tag || ciphertext). Tampered or mis-keyed input
// fails with ErrDecrypt.
func (v *Vault) Decrypt(encoded string) ([]byte, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed hex", ErrDecrypt)
	}
	if len(raw) < ivSize+tagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ct := raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptCredentials seals a credential map as JSON.
func (v *Vault) EncryptCredentials(creds map[string]string) (string, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	return v.Encrypt(raw)
}

// DecryptCredentials opens a sealed credential map.
func (v *Vault) DecryptCredentials(encoded string) (map[string]string, error) {
	raw, err := v.Decrypt(encoded)
	if err != nil {
		return nil, err
	}
	var creds map[string]string
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("%w: payload is not a credential map", ErrDecrypt)
	}
	return creds, nil
}

// HashPassword returns hex(salt):hex(scrypt(password, salt)) with a fresh
// 16-byte salt per value.
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	sum, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum), nil
}

// VerifyPassword checks password against a stored salt:hash value in
// constant time.
func VerifyPassword(password, stored string) bool {
	saltHex, sumHex, found := strings.Cut(stored, ":")
	if !found {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(sumHex)
	if err != nil {
		return false
	}
	got, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, len(want))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}

// Token returns n cryptographically random bytes as lowercase hex.
func Token(n int) (string, error) {
	if n <= 0 {
		n = 16
	}
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Sign computes the webhook signature header value for body:
// "sha256=" followed by lowercase hex of HMAC-SHA-256(body, secret).
func Sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received signature header against body in
// constant time. The "sha256=" prefix is optional.
func VerifySignature(secret string, body []byte, signature string) bool {
	sigHex := strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hmac.Equal(h.Sum(nil), got)
}
