package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dropDatabas3/credgate/internal/audit"
	"github.com/dropDatabas3/credgate/internal/metrics"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
	tokens "github.com/dropDatabas3/credgate/internal/security/token"
)

const (
	// DefaultTTL aplica cuando Issue recibe lifetime <= 0.
	DefaultTTL = 30 * 24 * time.Hour

	tokenBytes = 32
)

// Store es la API de refresh tokens que usan los handlers de login, refresh y
// logout.
type Store struct {
	backend    Backend
	clock      clockwork.Clock
	defaultTTL time.Duration
	generate   func() (string, error)
}

type Option func(*Store)

func WithClock(c clockwork.Clock) Option { return func(s *Store) { s.clock = c } }

func WithDefaultTTL(d time.Duration) Option { return func(s *Store) { s.defaultTTL = d } }

// WithTokenGenerator reemplaza la generación aleatoria del plaintext.
func WithTokenGenerator(fn func() (string, error)) Option {
	return func(s *Store) { s.generate = fn }
}

func NewStore(b Backend, opts ...Option) *Store {
	s := &Store{
		backend:    b,
		clock:      clockwork.NewRealClock(),
		defaultTTL: DefaultTTL,
		generate:   func() (string, error) { return tokens.GenerateOpaque(tokenBytes) },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Digest es el hash que se persiste en lugar del plaintext.
func Digest(plaintext string) string { return tokens.SHA256Hex(plaintext) }

// Issue crea el primer token de una familia (o uno nuevo en la familia que
// indica owner) y devuelve el plaintext. Es la única vez que el plaintext
// existe fuera del llamador.
func (s *Store) Issue(ctx context.Context, owner Owner, lifetime time.Duration) (string, error) {
	if owner.SubjectID == "" {
		return "", ErrInvalidOwner
	}
	if lifetime <= 0 {
		lifetime = s.defaultTTL
	}
	if owner.FamilyID == "" {
		owner.FamilyID = uuid.NewString()
	}
	claims, err := normalizeClaims(owner.Claims)
	if err != nil {
		return "", fmt.Errorf("refresh: issue: encode claims: %w", err)
	}
	owner.Claims = claims

	plain, err := s.generate()
	if err != nil {
		return "", err
	}
	now := s.clock.Now().UTC()
	rec := Record{
		Digest:    Digest(plain),
		Owner:     owner.clone(),
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
		TTL:       lifetime,
	}

	log := logger.From(ctx).With(logger.Layer("service"), logger.Component("refresh"), logger.Op("issue"))
	if err := s.backend.Insert(ctx, rec); err != nil {
		metrics.RefreshOutcomes.WithLabelValues("error").Inc()
		log.Error("refresh token insert failed", logger.SubjectID(owner.SubjectID), logger.Err(err))
		return "", fmt.Errorf("refresh: issue: %w", err)
	}
	metrics.RefreshOutcomes.WithLabelValues("issued").Inc()
	log.Debug("refresh token issued", logger.SubjectID(owner.SubjectID), logger.FamilyID(owner.FamilyID))
	return plain, nil
}

// ValidateAndRotate gasta plaintext y devuelve su owner y el token sucesor.
// Tokens desconocidos, vencidos o reutilizados dan ErrDenied; el reuso además
// revoca la familia. Los errores del backend se devuelven envueltos y dejan
// intacto el token presentado.
func (s *Store) ValidateAndRotate(ctx context.Context, plaintext string) (Owner, string, error) {
	if plaintext == "" {
		return Owner{}, "", ErrDenied
	}
	if err := ctx.Err(); err != nil {
		return Owner{}, "", err
	}

	next, err := s.generate()
	if err != nil {
		return Owner{}, "", err
	}

	log := logger.From(ctx).With(logger.Layer("service"), logger.Component("refresh"), logger.Op("rotate"))

	res, err := s.backend.Rotate(ctx, Digest(plaintext), Digest(next), s.clock.Now().UTC())
	if err != nil {
		metrics.RefreshOutcomes.WithLabelValues("error").Inc()
		log.Error("refresh rotation failed", logger.Err(err))
		return Owner{}, "", fmt.Errorf("refresh: rotate: %w", err)
	}
	metrics.RefreshOutcomes.WithLabelValues(string(res.Outcome)).Inc()

	switch res.Outcome {
	case OutcomeRotated:
		log.Debug("refresh token rotated", logger.SubjectID(res.Owner.SubjectID), logger.FamilyID(res.Owner.FamilyID))
		return res.Owner, next, nil
	case OutcomeReplay:
		metrics.FamilyRevocations.Inc()
		log.Error("refresh token reuse detected; family revoked",
			logger.SubjectID(res.Owner.SubjectID),
			logger.FamilyID(res.Owner.FamilyID),
			logger.Count(res.Revoked),
		)
		audit.Log(ctx, audit.EventFamilyRevoked,
			logger.SubjectID(res.Owner.SubjectID),
			logger.FamilyID(res.Owner.FamilyID),
			logger.Count(res.Revoked),
		)
	default:
		log.Debug("refresh token denied", logger.Outcome(string(res.Outcome)), logger.FamilyID(res.Owner.FamilyID))
	}
	return Owner{}, "", ErrDenied
}

// Revoke borra el token actual de una familia (logout). Informa si existía.
func (s *Store) Revoke(ctx context.Context, plaintext string) (bool, error) {
	if plaintext == "" {
		return false, nil
	}
	ok, err := s.backend.Delete(ctx, Digest(plaintext))
	if err != nil {
		return false, fmt.Errorf("refresh: revoke: %w", err)
	}
	if ok {
		metrics.RefreshOutcomes.WithLabelValues("revoked").Inc()
	}
	return ok, nil
}

// RevokeAllForSubject borra todos los tokens de subjectID y devuelve cuántos
// vivos se revocaron.
func (s *Store) RevokeAllForSubject(ctx context.Context, subjectID string) (int, error) {
	if subjectID == "" {
		return 0, ErrInvalidOwner
	}
	n, err := s.backend.DeleteSubject(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("refresh: revoke subject: %w", err)
	}
	metrics.RefreshOutcomes.WithLabelValues("revoked").Add(float64(n))
	audit.Log(ctx, audit.EventSubjectRevoked, logger.SubjectID(subjectID), logger.Count(n))
	return n, nil
}

// SweepExpired borra los registros con vencimiento estrictamente anterior a
// ahora y devuelve cuántos estaban vivos.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.backend.Sweep(ctx, s.clock.Now().UTC())
	if err != nil {
		return n, fmt.Errorf("refresh: sweep: %w", err)
	}
	metrics.RefreshSwept.Add(float64(n))
	return n, nil
}

// Ping verifica el backend.
func (s *Store) Ping(ctx context.Context) error { return s.backend.Ping(ctx) }

func (s *Store) Close() error { return s.backend.Close() }
