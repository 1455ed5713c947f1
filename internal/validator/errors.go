package validator

import (
	"errors"
	"fmt"
)

// Code indica por qué se rechazó una credencial. Es para logs y diagnóstico;
// el llamador recibe un único rechazo.
type Code string

const (
	CodeUnknownKey          Code = "unknown_key"
	CodeBadSignature        Code = "bad_signature"
	CodeExpired             Code = "expired"
	CodeInvalidCredential   Code = "invalid_credential"
	CodeUpstreamUnavailable Code = "upstream_unavailable"
)

// ErrInvalidCredential matchea todo AuthError con CodeInvalidCredential.
var ErrInvalidCredential = errors.New("validator: invalid credential")

// AuthError es el único tipo de error que devuelve Validate.
type AuthError struct {
	Code Code
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("credential denied: %s", e.Code)
	}
	return fmt.Sprintf("credential denied: %s: %v", e.Code, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool {
	return target == ErrInvalidCredential && e.Code == CodeInvalidCredential
}

func denied(code Code, err error) *AuthError { return &AuthError{Code: code, Err: err} }

// CodeOf extrae el código de rechazo, o "" si err no es un AuthError.
func CodeOf(err error) Code {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
