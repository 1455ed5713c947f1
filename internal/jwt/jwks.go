package jwt

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// JWK es una clave RSA de verificación en formato RFC 7517.
type JWK struct {
	Kty string `json:"kty"` // "RSA"
	Kid string `json:"kid"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"` // "sig"
	N   string `json:"n"`             // base64url(modulus)
	E   string `json:"e"`             // base64url(exponent)
}

// JWKS es el documento publicado con las claves de verificación.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// BuildJWKS arma el documento respetando el orden (actual primero).
func BuildJWKS(keys []PublicKey) JWKS {
	out := JWKS{Keys: make([]JWK, 0, len(keys))}
	for _, k := range keys {
		if k.Key == nil {
			continue
		}
		out.Keys = append(out.Keys, JWK{
			Kty: "RSA",
			Kid: k.KID,
			Alg: k.Alg,
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(k.Key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.Key.E)).Bytes()),
		})
	}
	return out
}

// ParseJWKS decodifica un JWKS y se queda con las claves RSA de firma con kid.
// Ignora otros tipos de clave; una entrada RSA rota invalida todo el documento.
func ParseJWKS(b []byte) ([]PublicKey, error) {
	var doc JWKS
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("jwt: decode jwks: %w", err)
	}
	out := make([]PublicKey, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return nil, fmt.Errorf("jwt: jwk %q: %w", k.Kid, err)
		}
		alg := k.Alg
		if alg == "" {
			alg = AlgRS256
		}
		out = append(out, PublicKey{KID: k.Kid, Alg: alg, Key: pub})
	}
	return out, nil
}

func parseRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	n := new(big.Int).SetBytes(nb)
	e := new(big.Int).SetBytes(eb)
	if n.Sign() == 0 || !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("invalid rsa parameters")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
