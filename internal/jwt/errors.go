package jwt

import "errors"

// Fallas de verificación. Se matchean con errors.Is; el detalle envuelto es
// solo para logs.
var (
	// ErrUnknownKey: la fuente de claves no publica el kid del token.
	ErrUnknownKey = errors.New("jwt: unknown signing key")
	// ErrBadSignature: token malformado, algoritmo inesperado, issuer ajeno
	// o firma que no verifica.
	ErrBadSignature = errors.New("jwt: bad signature")
	// ErrExpired: exp no está en el futuro (con leeway).
	ErrExpired = errors.New("jwt: token expired")
	// ErrUpstreamUnavailable: no se pudo obtener el material remoto.
	ErrUpstreamUnavailable = errors.New("jwt: key material unavailable")
)

// ErrNoSigningKey: se intentó firmar sin clave actual.
var ErrNoSigningKey = errors.New("jwt: no signing key")
