// Package secretbox cifra material sensible en reposo (privadas de firma) con
// XChaCha20-Poly1305 bajo una clave maestra de 32 bytes.
package secretbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize es el largo de la master key en bytes.
const KeySize = 32

// version va al inicio de cada blob sellado y se autentica como AAD.
const version byte = 0x01

var hkdfInfo = []byte("credgate.secretbox.v1")

var (
	ErrInvalidKey    = errors.New("secretbox: invalid master key")
	ErrMalformed     = errors.New("secretbox: malformed ciphertext")
	ErrDecryptFailed = errors.New("secretbox: authentication failed")
)

// Box sella y abre blobs con una clave derivada de la maestra.
type Box struct {
	key []byte
}

// New deriva la clave de cifrado desde master (exactamente KeySize bytes).
func New(master []byte) (*Box, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes (requiere %d)", ErrInvalidKey, len(master), KeySize)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("secretbox: derive key: %w", err)
	}
	return &Box{key: key}, nil
}

// ParseKey acepta la clave maestra en base64 (con o sin padding) o hex.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if len(s) == 2*KeySize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: expected base64 or hex encoding of %d bytes", ErrInvalidKey, KeySize)
}

// NewFromString es ParseKey + New.
func NewFromString(s string) (*Box, error) {
	k, err := ParseKey(s)
	if err != nil {
		return nil, err
	}
	return New(k)
}

// Seal devuelve base64(version || nonce || ciphertext).
func (b *Box) Seal(plain []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plain)+aead.Overhead())
	out[0] = version
	if _, err := rand.Read(out[1:]); err != nil {
		return "", fmt.Errorf("secretbox: nonce: %w", err)
	}
	out = aead.Seal(out, out[1:], plain, out[:1])
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open revierte Seal.
func (b *Box) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead || raw[0] != version {
		return nil, ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: %w", err)
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	pt, err := aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], raw[:1])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}
