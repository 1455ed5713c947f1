package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultAccessTTL aplica cuando el llamador no fija vencimiento.
const DefaultAccessTTL = 15 * time.Minute

// Claims de los access tokens. Los claims estándar de identidad van planos y
// los datos extra de la aplicación bajo "custom".
type Claims struct {
	Name        string         `json:"name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Groups      []string       `json:"groups,omitempty"`
	Permissions []string       `json:"perms,omitempty"`
	Custom      map[string]any `json:"custom,omitempty"`
	jwtv5.RegisteredClaims
}

// Codec firma y verifica access tokens RS256 de un issuer.
type Codec struct {
	issuer    string
	accessTTL time.Duration
	leeway    time.Duration
	clock     clockwork.Clock
}

type CodecOption func(*Codec)

func WithAccessTTL(d time.Duration) CodecOption { return func(c *Codec) { c.accessTTL = d } }

// WithLeeway tolera desfasaje de reloj en exp/nbf. Cero por defecto.
func WithLeeway(d time.Duration) CodecOption { return func(c *Codec) { c.leeway = d } }

func WithCodecClock(cl clockwork.Clock) CodecOption { return func(c *Codec) { c.clock = cl } }

func NewCodec(issuer string, opts ...CodecOption) *Codec {
	c := &Codec{
		issuer:    issuer,
		accessTTL: DefaultAccessTTL,
		clock:     clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Codec) Issuer() string { return c.issuer }

// Sign completa iss/iat/nbf/jti, pone exp en now+accessTTL si el llamador no
// eligió uno y firma con key. El header lleva kid y typ.
func (c *Codec) Sign(claims Claims, key *SigningKey) (string, error) {
	if key == nil || key.priv == nil {
		return "", ErrNoSigningKey
	}
	now := c.clock.Now().UTC()

	claims.Issuer = c.issuer
	claims.IssuedAt = jwtv5.NewNumericDate(now)
	claims.NotBefore = jwtv5.NewNumericDate(now)
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwtv5.NewNumericDate(now.Add(c.accessTTL))
	}
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodRS256, &claims)
	tk.Header["kid"] = key.KID
	tk.Header["typ"] = "JWT"
	signed, err := tk.SignedString(key.priv)
	if err != nil {
		return "", fmt.Errorf("jwt: sign: %w", err)
	}
	return signed, nil
}

// Verify resuelve el kid del token vía src, verifica la firma y después el
// vencimiento. Solo devuelve claims si pasan ambos. Los errores matchean con
// ErrUnknownKey, ErrBadSignature, ErrExpired o ErrUpstreamUnavailable.
func (c *Codec) Verify(ctx context.Context, token string, src KeySource) (*Claims, error) {
	parser := jwtv5.NewParser(
		jwtv5.WithValidMethods([]string{AlgRS256}),
		jwtv5.WithIssuer(c.issuer),
		jwtv5.WithLeeway(c.leeway),
		jwtv5.WithTimeFunc(c.clock.Now),
		jwtv5.WithExpirationRequired(),
	)

	keyfunc := func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKey
		}
		pk, err := src.KeyByID(ctx, kid)
		if err != nil {
			return nil, err
		}
		if pk.Alg != "" && pk.Alg != t.Method.Alg() {
			return nil, fmt.Errorf("%w: key %s is %s, token is %s", ErrBadSignature, kid, pk.Alg, t.Method.Alg())
		}
		return pk.Key, nil
	}

	var claims Claims
	if _, err := parser.ParseWithClaims(token, &claims, keyfunc); err != nil {
		return nil, classify(err)
	}
	return &claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKey):
		return ErrUnknownKey
	case errors.Is(err, ErrUpstreamUnavailable):
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	case errors.Is(err, jwtv5.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwtv5.ErrTokenExpired):
		return ErrExpired
	default:
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
}
