package jwt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dropDatabas3/credgate/internal/audit"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
)

// KeyPersister conserva el ring entre reinicios para que los kids no cambien.
// Load devuelve (nil, nil, nil) si todavía no se guardó nada.
type KeyPersister interface {
	Load(ctx context.Context) (current, previous *SigningKey, err error)
	Save(ctx context.Context, current, previous *SigningKey) error
}

// ringState es inmutable una vez publicado.
type ringState struct {
	current  *SigningKey
	previous *SigningKey
}

// KeyRing tiene la clave de firma actual y la anterior, que se mantiene para
// verificar durante exactamente un ciclo de rotación.
//
// Las lecturas cargan un snapshot y nunca bloquean. Rotate arma el snapshot
// siguiente y lo intercambia: un lector ve el par viejo o el nuevo.
type KeyRing struct {
	state atomic.Pointer[ringState]
	mu    sync.Mutex // serializes Rotate

	bits      int
	clock     clockwork.Clock
	persister KeyPersister
	generate  func(bits int, now time.Time) (*SigningKey, error)
}

type RingOption func(*KeyRing)

// WithKeyBits fija el tamaño del módulo RSA de las claves generadas.
func WithKeyBits(bits int) RingOption { return func(r *KeyRing) { r.bits = bits } }

func WithRingClock(c clockwork.Clock) RingOption { return func(r *KeyRing) { r.clock = c } }

// WithPersister carga el ring al arrancar y lo guarda en cada rotación.
func WithPersister(p KeyPersister) RingOption { return func(r *KeyRing) { r.persister = p } }

// WithKeyGenerator reemplaza la generación de claves RSA.
func WithKeyGenerator(fn func(bits int, now time.Time) (*SigningKey, error)) RingOption {
	return func(r *KeyRing) { r.generate = fn }
}

// NewKeyRing restaura el ring desde el persister o, si no hay nada, genera (y
// guarda) una primera clave.
func NewKeyRing(ctx context.Context, opts ...RingOption) (*KeyRing, error) {
	r := &KeyRing{
		bits:     DefaultKeyBits,
		clock:    clockwork.NewRealClock(),
		generate: GenerateSigningKey,
	}
	for _, o := range opts {
		o(r)
	}

	log := logger.From(ctx).With(logger.Component("keyring"))

	if r.persister != nil {
		cur, prev, err := r.persister.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("jwt: load key ring: %w", err)
		}
		if cur != nil {
			r.state.Store(&ringState{current: cur, previous: prev})
			fields := []logger.Field{logger.KID(cur.KID)}
			if prev != nil {
				fields = append(fields, logger.PreviousKID(prev.KID))
			}
			log.Info("signing keys restored", fields...)
			return r, nil
		}
		if prev != nil {
			return nil, errors.New("jwt: persisted ring has a previous key but no current key")
		}
	}

	first, err := r.generate(r.bits, r.clock.Now())
	if err != nil {
		return nil, err
	}
	if r.persister != nil {
		if err := r.persister.Save(ctx, first, nil); err != nil {
			return nil, fmt.Errorf("jwt: save key ring: %w", err)
		}
	}
	r.state.Store(&ringState{current: first})
	log.Info("signing key generated", logger.KID(first.KID))
	return r, nil
}

// Current devuelve la clave con la que se firman los tokens nuevos.
func (r *KeyRing) Current() *SigningKey {
	return r.state.Load().current
}

// PublicMaterial devuelve la clave de verificación actual y, mientras se
// retenga, la anterior. Nunca más de dos.
func (r *KeyRing) PublicMaterial() []PublicKey {
	s := r.state.Load()
	out := make([]PublicKey, 0, 2)
	out = append(out, s.current.Public())
	if s.previous != nil {
		out = append(out, s.previous.Public())
	}
	return out
}

// JWKS publica PublicMaterial como JWK set.
func (r *KeyRing) JWKS() JWKS {
	return BuildJWKS(r.PublicMaterial())
}

// KeyByID implementa KeySource sobre el par publicado.
func (r *KeyRing) KeyByID(_ context.Context, kid string) (PublicKey, error) {
	s := r.state.Load()
	switch {
	case kid == "":
		return PublicKey{}, ErrUnknownKey
	case s.current.KID == kid:
		return s.current.Public(), nil
	case s.previous != nil && s.previous.KID == kid:
		return s.previous.Public(), nil
	}
	return PublicKey{}, ErrUnknownKey
}

// Rotate genera una clave actual nueva, pasa la actual a anterior y descarta
// la anterior. Si falla la generación o la persistencia, el par publicado
// queda intacto.
func (r *KeyRing) Rotate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	log := logger.From(ctx).With(logger.Component("keyring"), logger.Op("rotate"))
	old := r.state.Load()

	next, err := r.generate(r.bits, r.clock.Now())
	if err != nil {
		log.Error("key generation failed; keeping current key", logger.KID(old.current.KID), logger.Err(err))
		return err
	}
	if r.persister != nil {
		if err := r.persister.Save(ctx, next, old.current); err != nil {
			log.Error("key persistence failed; keeping current key", logger.KID(old.current.KID), logger.Err(err))
			return fmt.Errorf("jwt: save key ring: %w", err)
		}
	}

	r.state.Store(&ringState{current: next, previous: old.current})
	log.Info("signing key rotated", logger.KID(next.KID), logger.PreviousKID(old.current.KID))
	audit.Log(ctx, audit.EventKeyRotated, logger.KID(next.KID), logger.PreviousKID(old.current.KID))
	return nil
}
