// Package cache abstrae un key/value con TTL sobre memoria (go-cache) o Redis.
//
// Lo usa el set de claves remotas (JWKS) para no ir al upstream en cada
// verificación. Con varias réplicas, el driver redis comparte el documento
// descargado entre todas.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client define las operaciones de cache.
type Client interface {
	// Get obtiene un valor. Retorna ErrNotFound si no existe o expiró.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set guarda un valor. ttl == 0 usa el TTL por defecto del cliente.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

var ErrNotFound = errors.New("cache: key not found")

// IsNotFound verifica si el error es porque la key no existe.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Config para New.
type Config struct {
	Kind       string // "memory" | "redis"
	Prefix     string
	DefaultTTL time.Duration
	// Redis se usa cuando Kind == "redis"; el cliente no se cierra con Close.
	Redis redis.UniversalClient
}

// New crea un cliente según cfg.Kind.
func New(cfg Config) (Client, error) {
	switch cfg.Kind {
	case "", "memory":
		return NewMemory(cfg.Prefix, cfg.DefaultTTL), nil
	case "redis":
		if cfg.Redis == nil {
			return nil, errors.New("cache: redis kind requires a client")
		}
		return NewRedis(cfg.Redis, cfg.Prefix, cfg.DefaultTTL), nil
	default:
		return nil, errors.New("cache: unknown kind " + cfg.Kind)
	}
}
