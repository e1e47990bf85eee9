package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrSecretTooShort is returned when the vault secret does not meet the minimum length.
	ErrSecretTooShort = errors.New("token secret must be at least 32 bytes")
	// ErrSaltTooShort is returned when the KDF salt does not meet the minimum length.
	ErrSaltTooShort = errors.New("token salt must be at least 16 bytes")
	// ErrCiphertextInvalid is returned when a stored ciphertext fails decryption or authentication.
	ErrCiphertextInvalid = errors.New("token ciphertext invalid")
)

const (
	minSecretLength = 32
	minSaltLength   = 16
	gcmKeyLength    = 32
	fingerprintLen  = 16
)

// Config holds the vault secret material and KDF cost parameters.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable unless documented otherwise.
type Config struct {
	Secret []byte
	Salt   []byte

	// Argon2id parameters for deriving the AES key from Secret.
	KDFMemoryKB    uint32
	KDFTime        uint32
	KDFParallelism uint8
}

// Vault performs digest, verify, encrypt, and decrypt operations for
// provider token material. The AES key is derived once at construction;
// per-call work is a single HMAC or GCM seal.
type Vault struct {
	secret []byte
	aead   cipher.AEAD
}

// Record is the hashed form of a provider token pair, safe for storage.
type Record struct {
	AccessTokenDigest  string
	RefreshTokenDigest string
	Scopes             []string
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// NewVault derives the encryption key from cfg and returns a ready [Vault].
func NewVault(cfg Config) (*Vault, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, ErrSecretTooShort
	}
	if len(cfg.Salt) < minSaltLength {
		return nil, ErrSaltTooShort
	}
	if cfg.KDFMemoryKB == 0 {
		cfg.KDFMemoryKB = 64 * 1024
	}
	if cfg.KDFTime == 0 {
		cfg.KDFTime = 1
	}
	if cfg.KDFParallelism == 0 {
		cfg.KDFParallelism = 4
	}

	key := argon2.IDKey(cfg.Secret, cfg.Salt, cfg.KDFTime, cfg.KDFMemoryKB, cfg.KDFParallelism, gcmKeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	return &Vault{secret: secret, aead: aead}, nil
}

// Digest returns the hex HMAC-SHA256 digest of value, domain-separated by
// context. The same value digests differently under different contexts.
func (v *Vault) Digest(value, context string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(context))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether value digests to digest under context. The
// comparison is constant-time.
func (v *Vault) Verify(value, digest, context string) bool {
	computed := v.Digest(value, context)
	return hmac.Equal([]byte(computed), []byte(digest))
}

// EmailFingerprint returns a deterministic keyed fingerprint of a
// normalized email address, suitable for uniqueness lookups without
// storing the address itself.
func (v *Vault) EmailFingerprint(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return ""
	}
	return v.Digest(normalized, "email")
}

// Encrypt seals plaintext with AES-256-GCM under a fresh nonce and returns
// a base64url string of nonce||ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses [Vault.Encrypt]. Tampered or truncated input returns
// [ErrCiphertextInvalid]; the error never carries ciphertext bytes.
func (v *Vault) Decrypt(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	if len(raw) < v.aead.NonceSize() {
		return "", ErrCiphertextInvalid
	}

	nonce := raw[:v.aead.NonceSize()]
	plaintext, err := v.aead.Open(nil, nonce, raw[v.aead.NonceSize():], nil)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	return string(plaintext), nil
}

// BuildRecord hashes an access/refresh token pair into a storage-safe
// [Record]. The refresh token digest uses a separate context so the two
// digests are unlinkable even for identical token strings.
func (v *Vault) BuildRecord(accessToken, provider string, ttl time.Duration, refreshToken string, scopes []string) (Record, error) {
	if accessToken == "" {
		return Record{}, errors.New("access token required")
	}
	if ttl <= 0 {
		return Record{}, fmt.Errorf("invalid token ttl %v", ttl)
	}

	now := time.Now().UTC()
	rec := Record{
		AccessTokenDigest: v.Digest(accessToken, provider),
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}
	if refreshToken != "" {
		rec.RefreshTokenDigest = v.Digest(refreshToken, provider+"_refresh")
	}
	if len(scopes) > 0 {
		rec.Scopes = append([]string(nil), scopes...)
	}

	return rec, nil
}

// Fingerprint derives a short client fingerprint from a token and request
// metadata, used only as an audit correlation detail.
func Fingerprint(accessToken, userAgent, ip string) string {
	sum := sha256.Sum256([]byte(accessToken + ":" + userAgent + ":" + ip))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
