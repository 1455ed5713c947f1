// Package validator convierte un bearer en claims normalizados, sea cual sea
// el tipo de credencial.
package validator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/credgate/internal/apikey"
	"github.com/dropDatabas3/credgate/internal/jwt"
	"github.com/dropDatabas3/credgate/internal/metrics"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
	"github.com/dropDatabas3/credgate/internal/util"
)

// DefaultOpaquePrefix identifica las API keys opacas.
const DefaultOpaquePrefix = "ak_"

// Kind de la credencial, lo decide Classify una sola vez.
type Kind string

const (
	KindSigned    Kind = "signed"
	KindOpaqueKey Kind = "opaque-key"
)

// Credential es un bearer ya clasificado.
type Credential struct {
	Kind Kind
	Raw  string
}

// NormalizedClaims es la forma común a la que mapean ambos tipos.
type NormalizedClaims struct {
	Subject     string         `json:"sub"`
	Name        string         `json:"name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Groups      []string       `json:"groups,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Kind        Kind           `json:"credential_kind"`
	Issuer      string         `json:"iss,omitempty"`
	AppID       string         `json:"app_id,omitempty"`
	ExpiresAt   *time.Time     `json:"exp,omitempty"`
	Custom      map[string]any `json:"custom,omitempty"`
}

// TokenVerifier lo satisface *jwt.Codec.
type TokenVerifier interface {
	Verify(ctx context.Context, token string, src jwt.KeySource) (*jwt.Claims, error)
}

// KeyValidator lo satisface *apikey.Client.
type KeyValidator interface {
	Validate(ctx context.Context, key string) (*apikey.Identity, error)
}

// Validator no tiene estado mutable; es seguro para uso concurrente.
type Validator struct {
	verifier     TokenVerifier
	keys         jwt.KeySource
	apiKeys      KeyValidator
	opaquePrefix string
}

type Option func(*Validator)

func WithOpaquePrefix(p string) Option {
	return func(v *Validator) {
		if p != "" {
			v.opaquePrefix = p
		}
	}
}

// WithAPIKeys habilita las keys opacas. Sin esto siempre se rechazan.
func WithAPIKeys(k KeyValidator) Option { return func(v *Validator) { v.apiKeys = k } }

// New valida tokens firmados con verifier contra keys.
func New(verifier TokenVerifier, keys jwt.KeySource, opts ...Option) *Validator {
	v := &Validator{verifier: verifier, keys: keys, opaquePrefix: DefaultOpaquePrefix}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Classify quita el esquema Bearer opcional y decide el tipo de credencial.
// Un esquema sin credencial cuenta como vacío.
func (v *Validator) Classify(bearer string) (Credential, error) {
	raw := strings.TrimSpace(bearer)
	if scheme, rest, ok := strings.Cut(raw, " "); ok && strings.EqualFold(scheme, "bearer") {
		raw = strings.TrimSpace(rest)
	} else if strings.EqualFold(raw, "bearer") {
		raw = ""
	}
	if raw == "" {
		return Credential{}, denied(CodeInvalidCredential, errors.New("empty credential"))
	}
	if strings.HasPrefix(raw, v.opaquePrefix) {
		return Credential{Kind: KindOpaqueKey, Raw: raw}, nil
	}
	return Credential{Kind: KindSigned, Raw: raw}, nil
}

// Validate clasifica bearer y lo verifica con la autoridad que corresponde.
// Toda falla es un *AuthError.
func (v *Validator) Validate(ctx context.Context, bearer string) (*NormalizedClaims, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Component("validator"), logger.Op("validate"))

	cred, err := v.Classify(bearer)
	if err != nil {
		return nil, v.deny(log, Credential{}, err)
	}

	var claims *NormalizedClaims
	switch cred.Kind {
	case KindOpaqueKey:
		claims, err = v.validateOpaque(ctx, cred.Raw)
	default:
		claims, err = v.validateSigned(ctx, cred.Raw)
	}
	if err != nil {
		return nil, v.deny(log, cred, err)
	}

	metrics.Validations.WithLabelValues(string(cred.Kind), "ok").Inc()
	log.Debug("credential accepted", logger.CredentialKind(string(cred.Kind)), logger.SubjectID(claims.Subject))
	return claims, nil
}

func (v *Validator) deny(log *zap.Logger, cred Credential, err error) error {
	code := CodeOf(err)
	metrics.Validations.WithLabelValues(kindLabel(cred.Kind), string(code)).Inc()
	fields := []logger.Field{logger.Code(string(code)), logger.Err(err)}
	if cred.Kind != "" {
		fields = append(fields,
			logger.CredentialKind(string(cred.Kind)),
			logger.String("credential", util.MaskToken(cred.Raw)),
		)
	}
	log.Debug("credential denied", fields...)
	return err
}

func (v *Validator) validateSigned(ctx context.Context, token string) (*NormalizedClaims, error) {
	c, err := v.verifier.Verify(ctx, token, v.keys)
	if err != nil {
		return nil, denied(signedCode(err), err)
	}
	out := &NormalizedClaims{
		Subject:     c.Subject,
		Name:        c.Name,
		Email:       c.Email,
		Groups:      c.Groups,
		Permissions: c.Permissions,
		Kind:        KindSigned,
		Issuer:      c.Issuer,
		Custom:      c.Custom,
	}
	if c.ExpiresAt != nil {
		exp := c.ExpiresAt.Time.UTC()
		out.ExpiresAt = &exp
	}
	return out, nil
}

func (v *Validator) validateOpaque(ctx context.Context, key string) (*NormalizedClaims, error) {
	if v.apiKeys == nil {
		return nil, denied(CodeInvalidCredential, errors.New("opaque keys are not accepted"))
	}
	id, err := v.apiKeys.Validate(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, apikey.ErrInvalidKey):
		return nil, denied(CodeInvalidCredential, err)
	default:
		return nil, denied(CodeUpstreamUnavailable, err)
	}
	return &NormalizedClaims{
		Subject:     id.Subject,
		Name:        id.Name,
		Email:       id.Email,
		Permissions: id.Permissions,
		Kind:        KindOpaqueKey,
		AppID:       id.AppID,
	}, nil
}

func signedCode(err error) Code {
	switch {
	case errors.Is(err, jwt.ErrUnknownKey):
		return CodeUnknownKey
	case errors.Is(err, jwt.ErrExpired):
		return CodeExpired
	case errors.Is(err, jwt.ErrUpstreamUnavailable):
		return CodeUpstreamUnavailable
	default:
		return CodeBadSignature
	}
}

func kindLabel(k Kind) string {
	if k == "" {
		return "unknown"
	}
	return string(k)
}
