// Package rate implementa rate limiting de ventana fija, en Redis (compartido
// entre réplicas) o en memoria.
package rate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

type Result struct {
	Allowed     bool
	Remaining   int64
	RetryAfter  time.Duration
	WindowTTL   time.Duration
	CurrentHits int64
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

type Option func(*window)

func WithClock(c clockwork.Clock) Option { return func(w *window) { w.clock = c } }

// window es la aritmética de ventana fija compartida por ambos limiters.
type window struct {
	prefix string
	max    int64
	size   time.Duration
	clock  clockwork.Clock
}

func newWindow(prefix string, max int, size time.Duration, opts []Option) window {
	if prefix == "" {
		prefix = "rl:"
	}
	w := window{prefix: prefix, max: int64(max), size: size, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(&w)
	}
	return w
}

// slot devuelve la clave de la ventana actual y cuánto le queda.
func (w window) slot(key string) (string, time.Duration) {
	now := w.clock.Now().UTC()
	start := now.Truncate(w.size)
	k := fmt.Sprintf("%s%s:%d", w.prefix, strings.ReplaceAll(key, " ", "_"), start.Unix())
	return k, start.Add(w.size).Sub(now)
}

func (w window) result(hits int64, ttl time.Duration) Result {
	res := Result{
		Allowed:     hits <= w.max,
		Remaining:   max(w.max-hits, 0),
		CurrentHits: hits,
		WindowTTL:   ttl,
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res
}

// RedisLimiter: fixed window sencillo (INCR + EXPIRE).
type RedisLimiter struct {
	window
	client redis.UniversalClient
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, max int, size time.Duration, opts ...Option) *RedisLimiter {
	return &RedisLimiter{window: newWindow(prefix, max, size, opts), client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	k, ttl := l.slot(key)

	hits, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return Result{}, err
	}
	// expiry en el primer hit
	if hits == 1 {
		if err := l.client.Expire(ctx, k, l.size).Err(); err != nil {
			return Result{}, err
		}
	}
	return l.result(hits, ttl), nil
}

// MemoryLimiter cuenta por proceso; con varias réplicas cada una aplica su
// propio límite.
type MemoryLimiter struct {
	window
	c *gocache.Cache
}

func NewMemoryLimiter(max int, size time.Duration, opts ...Option) *MemoryLimiter {
	return &MemoryLimiter{window: newWindow("", max, size, opts), c: gocache.New(size, size)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	k, ttl := l.slot(key)

	// Add falla si la ventana ya existe; en ese caso se incrementa.
	if err := l.c.Add(k, int64(1), l.size); err == nil {
		return l.result(1, ttl), nil
	}
	hits, err := l.c.IncrementInt64(k, 1)
	if err != nil {
		// vencida entre Add e Increment
		l.c.Set(k, int64(1), l.size)
		hits = 1
	}
	return l.result(hits, ttl), nil
}
