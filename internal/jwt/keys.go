package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	AlgRS256 = "RS256"

	// DefaultKeyBits es el tamaño del módulo RSA de las claves generadas.
	DefaultKeyBits = 2048
)

// SigningKey es una clave privada de firma. La parte privada no se exporta y
// nunca sale del paquete; el llamador le devuelve el valor a Codec.Sign.
type SigningKey struct {
	KID       string
	Alg       string
	CreatedAt time.Time

	priv *rsa.PrivateKey
}

// Public devuelve la mitad de verificación.
func (k *SigningKey) Public() PublicKey {
	return PublicKey{KID: k.KID, Alg: k.Alg, Key: &k.priv.PublicKey}
}

// PublicKey es una clave de verificación tal como se publica en un JWKS.
type PublicKey struct {
	KID string
	Alg string
	Key *rsa.PublicKey
}

// KeySource resuelve claves de verificación por kid. Las implementaciones
// devuelven ErrUnknownKey si el kid no está publicado y ErrUpstreamUnavailable
// si no lo pueden saber.
type KeySource interface {
	KeyByID(ctx context.Context, kid string) (PublicKey, error)
}

// GenerateSigningKey crea una clave RSA nueva con kid nuevo.
func GenerateSigningKey(bits int, now time.Time) (*SigningKey, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("jwt: generate rsa key: %w", err)
	}
	now = now.UTC()
	return &SigningKey{
		KID:       NewKID(now),
		Alg:       AlgRS256,
		CreatedAt: now,
		priv:      priv,
	}, nil
}

// NewKID devuelve un kid ordenable y sin colisiones: <timestamp utc>-<random>.
func NewKID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format("20060102T150405Z") + "-" + suffix
}

// KeySources prueba cada fuente en orden. Un kid desconocido pasa a la
// siguiente; cualquier otra falla se recuerda, así un kid que nadie conoce
// mientras una fuente estaba caída falla cerrado con esa falla.
type KeySources []KeySource

func (s KeySources) KeyByID(ctx context.Context, kid string) (PublicKey, error) {
	var upstreamErr error
	for _, src := range s {
		pk, err := src.KeyByID(ctx, kid)
		if err == nil {
			return pk, nil
		}
		if upstreamErr == nil && !errors.Is(err, ErrUnknownKey) {
			upstreamErr = err
		}
	}
	if upstreamErr != nil {
		return PublicKey{}, upstreamErr
	}
	return PublicKey{}, ErrUnknownKey
}
