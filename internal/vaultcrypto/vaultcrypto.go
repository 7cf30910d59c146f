// Package vaultcrypto provides envelope encryption for the vault file and
// per-secret values, Ed25519 token signing, secure RNG, and constant-time
// comparison. Per-secret keys are derived from the DEK with an HMAC step,
// so the DEK never encrypts two values under related nonce/key pairs.
package vaultcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/vaultwright/secretcore/internal/vaulterr"
)

// DEKSize is the size in bytes of the vault's data encryption key.
const DEKSize = 32

// RecipientKind identifies how a wrapped DEK blob is unwrapped.
type RecipientKind string

const (
	RecipientPassphrase RecipientKind = "passphrase"
	RecipientRawKey     RecipientKind = "raw_key"
)

// KDFParams tunes the passphrase KDF's cost.
type KDFParams struct {
	Iterations int
	SaltSize   int
}

// DefaultKDFParams returns a conservative default cost.
func DefaultKDFParams() KDFParams {
	return KDFParams{Iterations: 210_000, SaltSize: 16}
}

// RNG returns n cryptographically strong random bytes. It never returns a
// short read without an error.
func RNG(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, vaulterr.Internal("read random bytes", err)
	}
	return buf, nil
}

// ConstantTimeEqual reports whether a and b are byte-for-byte equal, in time
// independent of where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// DerivePassphraseKey derives a DEK-wrapping key from a passphrase using
// PBKDF2-HMAC-SHA256 with a tunable iteration cost.
func DerivePassphraseKey(passphrase string, salt []byte, params KDFParams) []byte {
	if params.Iterations <= 0 {
		params = DefaultKDFParams()
	}
	return pbkdf2.Key([]byte(passphrase), salt, params.Iterations, DEKSize, sha256.New)
}

// DeriveRecipientKey derives a wrapping key from an arbitrary raw key
// material using HKDF, for machine-held ("raw_key") recipients.
func DeriveRecipientKey(rawKey []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, rawKey, nil, []byte(info))
	key := make([]byte, DEKSize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, vaulterr.Internal("hkdf derive", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, vaulterr.Internal("new cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, vaulterr.Internal("new gcm", err)
	}
	return aead, nil
}

// SealWithKey encrypts plaintext under key (must be DEKSize bytes), binding
// aad. It returns nonce||ciphertext||tag.
func SealWithKey(key, aad, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RNG(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	out := aead.Seal(nonce, nonce, plaintext, aad)
	return out, nil
}

// OpenWithKey reverses SealWithKey. It returns a vaulterr IntegrityError on
// tag mismatch, never a raw crypto error.
func OpenWithKey(key, aad, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, vaulterr.IntegrityViolation(fmt.Errorf("ciphertext shorter than nonce"))
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, vaulterr.IntegrityViolation(err)
	}
	return plaintext, nil
}

// WrapDEK wraps dek under a recipient key (itself derived from a passphrase
// or raw key by the caller).
func WrapDEK(recipientKey, dek []byte) ([]byte, error) {
	return SealWithKey(recipientKey, []byte("vault-dek-wrap-v1"), dek)
}

// UnwrapDEK reverses WrapDEK.
func UnwrapDEK(recipientKey, wrapped []byte) ([]byte, error) {
	return OpenWithKey(recipientKey, []byte("vault-dek-wrap-v1"), wrapped)
}

// deriveSecretKey derives a per-secret value-encryption key from the DEK, a
// per-secret salt and an info string via HMAC-SHA256.
func deriveSecretKey(dek, salt []byte, info string) []byte {
	mac := hmac.New(sha256.New, dek)
	_, _ = mac.Write([]byte(info))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write(salt)
	return mac.Sum(nil)
}

// EncryptSecretValue encrypts a secret version's plaintext under a key
// derived from the DEK and the version's per-secret salt, so an on-disk
// inspection of the file cannot reveal values without both the DEK and the
// salt.
func EncryptSecretValue(dek, salt []byte, info string, plaintext []byte) ([]byte, error) {
	key := deriveSecretKey(dek, salt, info)
	return SealWithKey(key, salt, plaintext)
}

// DecryptSecretValue reverses EncryptSecretValue.
func DecryptSecretValue(dek, salt []byte, info string, ciphertext []byte) ([]byte, error) {
	key := deriveSecretKey(dek, salt, info)
	return OpenWithKey(key, salt, ciphertext)
}

// NewSalt returns a random per-secret-version salt.
func NewSalt() ([]byte, error) {
	return RNG(16)
}

// Checksum computes the integrity checksum recorded on a SecretVersion: a
// hash of the plaintext that lets audit verify integrity without revealing
// the value.
func Checksum(plaintext []byte) []byte {
	sum := sha256.Sum256(plaintext)
	return sum[:]
}

// Fingerprint hashes the canonicalized cleartext vault contents.
func Fingerprint(canonical []byte) []byte {
	sum := sha256.Sum256(canonical)
	return sum[:]
}

// Zero overwrites b with zero bytes in place. Used to scrub plaintext and
// derived keys from memory once their owning scope ends and to zeroize
// retired ciphertext.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// TokenKeyPair holds the token authority's Ed25519 signing material,
// distinct from vault encryption keys.
type TokenKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateTokenKeyPair creates a fresh Ed25519 token authority key.
func GenerateTokenKeyPair() (TokenKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return TokenKeyPair{}, vaulterr.Internal("generate ed25519 key", err)
	}
	return TokenKeyPair{Public: pub, Private: priv}, nil
}

// Sign signs payload with the token authority's private key.
func (kp TokenKeyPair) Sign(payload []byte) []byte {
	return ed25519.Sign(kp.Private, payload)
}

// Verify checks sig over payload against the token authority's public key,
// in constant time (ed25519.Verify already is).
func Verify(pub ed25519.PublicKey, payload, sig []byte) bool {
	return ed25519.Verify(pub, payload, sig)
}
