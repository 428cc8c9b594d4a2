// Package vault seals secret material at rest and derives lookup digests.
//
// Every Seal draws a fresh random nonce. Envelopes are rendered as
// base64(nonce) ":" base64(ciphertext||tag) so they fit a TEXT column and split
// without ambiguity.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/quantforum/server/internal/common"
	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the required length of the master key in bytes.
const MasterKeySize = 32

const (
	aeadInfo   = "quantforum/vault/aead/v1"
	lookupInfo = "quantforum/vault/lookup/v1"
	separator  = ":"
)

// Envelope is an AEAD ciphertext together with the nonce it was sealed under.
type Envelope struct {
	Nonce      []byte
	Ciphertext []byte
}

// String renders the envelope in its storage form.
func (e Envelope) String() string {
	return base64.StdEncoding.EncodeToString(e.Nonce) + separator + base64.StdEncoding.EncodeToString(e.Ciphertext)
}

// ParseEnvelope splits the storage form back into nonce and ciphertext.
func ParseEnvelope(s string) (Envelope, error) {
	nonceB64, ctB64, ok := strings.Cut(s, separator)
	if !ok || nonceB64 == "" || ctB64 == "" {
		return Envelope{}, fmt.Errorf("%w: expected nonce%sciphertext", common.ErrFormat, separator)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: nonce: %v", common.ErrFormat, err)
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: ciphertext: %v", common.ErrFormat, err)
	}
	return Envelope{Nonce: nonce, Ciphertext: ct}, nil
}

// Vault encrypts with AES-256-GCM and hashes with HMAC-SHA256. Both keys are
// derived from one master key with HKDF so neither can be recovered from the other.
type Vault struct {
	aead      cipher.AEAD
	lookupKey []byte
}

// New builds a Vault from a 32-byte master key.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}

	encKey, err := deriveKey(masterKey, aeadInfo)
	if err != nil {
		return nil, err
	}
	lookupKey, err := deriveKey(masterKey, lookupInfo)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Vault{aead: aead, lookupKey: lookupKey}, nil
}

func deriveKey(masterKey []byte, info string) ([]byte, error) {
	out := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return out, nil
}

// Encrypt seals plaintext under a freshly drawn nonce.
func (v *Vault) Encrypt(plaintext []byte) (Envelope, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("failed to draw nonce: %w", err)
	}
	return Envelope{Nonce: nonce, Ciphertext: v.aead.Seal(nil, nonce, plaintext, nil)}, nil
}

// Decrypt opens an envelope. A tag that does not verify yields ErrIntegrity,
// a structurally invalid envelope yields ErrFormat.
func (v *Vault) Decrypt(env Envelope) ([]byte, error) {
	if len(env.Nonce) != v.aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce is %d bytes, want %d", common.ErrFormat, len(env.Nonce), v.aead.NonceSize())
	}
	if len(env.Ciphertext) < v.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", common.ErrFormat)
	}
	plaintext, err := v.aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, common.ErrIntegrity
	}
	return plaintext, nil
}

// EncryptString seals a string and returns the storage form.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	env, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return env.String(), nil
}

// DecryptString parses and opens a storage-form envelope.
func (v *Vault) DecryptString(sealed string) (string, error) {
	env, err := ParseEnvelope(sealed)
	if err != nil {
		return "", err
	}
	plaintext, err := v.Decrypt(env)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// HashForLookup returns a deterministic hex digest of plaintext.
func (v *Vault) HashForLookup(plaintext string) string {
	mac := hmac.New(sha256.New, v.lookupKey)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
