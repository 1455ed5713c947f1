package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Layout de claves bajo el prefijo configurado:
//
//	rt:<digest>  HASH   sub fam own iat exp ttl (tiempos y ttl en unix ms)
//	fp:<family>  STRING digest actual de la familia
//	fm:<family>  SET    digests de la familia
//	sb:<subject> SET    digests del sujeto
//	exp          ZSET   digests con score exp
//
// Los scripts tocan claves de más de una familia o sujeto, así que el backend
// necesita un único nodo Redis (o todas las claves en un mismo slot).

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusReplay   int64 = 2
	rotateStatusRotated  int64 = 3
)

const (
	defaultRedisGrace      = time.Minute
	defaultRedisSweepBatch = 500
)

const luaHelpers = `
local function put(p, d, sub, fam, own, iat, exp, ttl, px)
  local rk = p .. "rt:" .. d
  redis.call("HSET", rk, "sub", sub, "fam", fam, "own", own, "iat", iat, "exp", exp, "ttl", ttl)
  redis.call("PEXPIRE", rk, px)
  redis.call("SET", p .. "fp:" .. fam, d, "PX", px)
  redis.call("SADD", p .. "fm:" .. fam, d)
  redis.call("SADD", p .. "sb:" .. sub, d)
  redis.call("ZADD", p .. "exp", exp, d)
end

local function remove(p, d, sub, fam)
  local n = redis.call("DEL", p .. "rt:" .. d)
  redis.call("SREM", p .. "fm:" .. fam, d)
  redis.call("SREM", p .. "sb:" .. sub, d)
  redis.call("ZREM", p .. "exp", d)
  if redis.call("GET", p .. "fp:" .. fam) == d then
    redis.call("DEL", p .. "fp:" .. fam)
  end
  return n
end
`

var insertLua = redis.NewScript(luaHelpers + `
put(ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7], ARGV[8], ARGV[9])
return 1
`)

var rotateLua = redis.NewScript(luaHelpers + `
local p, d, nd = ARGV[1], ARGV[2], ARGV[3]
local now, grace = tonumber(ARGV[4]), tonumber(ARGV[5])
local f = redis.call("HMGET", p .. "rt:" .. d, "sub", "fam", "own", "exp", "ttl")
if not f[1] then
  return {0}
end
local sub, fam, own = f[1], f[2], f[3]
local exp, ttl = tonumber(f[4]), tonumber(f[5])

if now >= exp then
  remove(p, d, sub, fam)
  return {1, own}
end

if redis.call("GET", p .. "fp:" .. fam) ~= d then
  local n = 0
  for _, m in ipairs(redis.call("SMEMBERS", p .. "fm:" .. fam)) do
    n = n + redis.call("DEL", p .. "rt:" .. m)
    redis.call("SREM", p .. "sb:" .. sub, m)
    redis.call("ZREM", p .. "exp", m)
  end
  redis.call("DEL", p .. "fm:" .. fam, p .. "fp:" .. fam)
  return {2, own, n}
end

put(p, nd, sub, fam, own, now, now + ttl, ttl, ttl + grace)
return {3, own}
`)

var deleteLua = redis.NewScript(luaHelpers + `
local p, d = ARGV[1], ARGV[2]
local f = redis.call("HMGET", p .. "rt:" .. d, "sub", "fam")
if not f[1] or redis.call("GET", p .. "fp:" .. f[2]) ~= d then
  return 0
end
return remove(p, d, f[1], f[2])
`)

var deleteSubjectLua = redis.NewScript(luaHelpers + `
local p, sub = ARGV[1], ARGV[2]
local live = 0
for _, m in ipairs(redis.call("SMEMBERS", p .. "sb:" .. sub)) do
  local fam = redis.call("HGET", p .. "rt:" .. m, "fam")
  if fam then
    if redis.call("GET", p .. "fp:" .. fam) == m then
      live = live + 1
    end
    remove(p, m, sub, fam)
  else
    redis.call("ZREM", p .. "exp", m)
  end
end
redis.call("DEL", p .. "sb:" .. sub)
return live
`)

var sweepLua = redis.NewScript(luaHelpers + `
local p = ARGV[1]
local due = redis.call("ZRANGEBYSCORE", p .. "exp", "-inf", "(" .. ARGV[2], "LIMIT", 0, tonumber(ARGV[3]))
local n = 0
for _, d in ipairs(due) do
  local f = redis.call("HMGET", p .. "rt:" .. d, "sub", "fam")
  if f[1] then
    if redis.call("GET", p .. "fp:" .. f[2]) == d then
      n = n + 1
    end
    remove(p, d, f[1], f[2])
  else
    redis.call("ZREM", p .. "exp", d)
  end
end
return {n, #due}
`)

// RedisBackend comparte el estado entre réplicas vía Redis. Cada transición es
// un script Lua y por lo tanto atómica respecto de las demás.
type RedisBackend struct {
	rdb        redis.UniversalClient
	prefix     string
	grace      time.Duration
	sweepBatch int
}

type RedisOption func(*RedisBackend)

// WithRedisGrace extiende el expire de Redis de cada registro más allá de
// ExpiresAt, así normalmente lo borra Sweep y no Redis.
func WithRedisGrace(d time.Duration) RedisOption {
	return func(b *RedisBackend) { b.grace = d }
}

func WithRedisSweepBatch(n int) RedisOption {
	return func(b *RedisBackend) {
		if n > 0 {
			b.sweepBatch = n
		}
	}
}

// NewRedisBackend usa rdb sin adueñarse; Close no lo cierra.
func NewRedisBackend(rdb redis.UniversalClient, prefix string, opts ...RedisOption) *RedisBackend {
	b := &RedisBackend{
		rdb:        rdb,
		prefix:     prefix,
		grace:      defaultRedisGrace,
		sweepBatch: defaultRedisSweepBatch,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *RedisBackend) Insert(ctx context.Context, rec Record) error {
	own, err := json.Marshal(rec.Owner)
	if err != nil {
		return fmt.Errorf("refresh redis: encode owner: %w", err)
	}
	ttl := rec.TTL
	if ttl <= 0 {
		ttl = rec.ExpiresAt.Sub(rec.IssuedAt)
	}
	px := rec.ExpiresAt.Sub(rec.IssuedAt) + b.grace
	_, err = insertLua.Run(ctx, b.rdb, nil,
		b.prefix,
		rec.Digest,
		rec.Owner.SubjectID,
		rec.Owner.FamilyID,
		own,
		rec.IssuedAt.UnixMilli(),
		rec.ExpiresAt.UnixMilli(),
		ttl.Milliseconds(),
		px.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("refresh redis: insert: %w", err)
	}
	return nil
}

func (b *RedisBackend) Rotate(ctx context.Context, digest, nextDigest string, now time.Time) (RotateResult, error) {
	raw, err := rotateLua.Run(ctx, b.rdb, nil,
		b.prefix, digest, nextDigest, now.UnixMilli(), b.grace.Milliseconds(),
	).Result()
	if err != nil {
		return RotateResult{}, fmt.Errorf("refresh redis: rotate: %w", err)
	}

	parts, ok := raw.([]interface{})
	if !ok || len(parts) == 0 {
		return RotateResult{}, errors.New("refresh redis: invalid rotate response")
	}
	code, ok := parts[0].(int64)
	if !ok {
		return RotateResult{}, errors.New("refresh redis: invalid rotate status")
	}
	if code == rotateStatusNotFound {
		return RotateResult{Outcome: OutcomeNotFound}, nil
	}
	if len(parts) < 2 {
		return RotateResult{}, errors.New("refresh redis: missing owner in rotate response")
	}
	owner, err := decodeOwner(parts[1])
	if err != nil {
		return RotateResult{}, err
	}

	switch code {
	case rotateStatusExpired:
		return RotateResult{Outcome: OutcomeExpired, Owner: owner}, nil
	case rotateStatusReplay:
		var n int64
		if len(parts) > 2 {
			n, _ = parts[2].(int64)
		}
		return RotateResult{Outcome: OutcomeReplay, Owner: owner, Revoked: int(n)}, nil
	case rotateStatusRotated:
		return RotateResult{Outcome: OutcomeRotated, Owner: owner}, nil
	default:
		return RotateResult{}, fmt.Errorf("refresh redis: unknown rotate status %d", code)
	}
}

func (b *RedisBackend) Delete(ctx context.Context, digest string) (bool, error) {
	n, err := deleteLua.Run(ctx, b.rdb, nil, b.prefix, digest).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh redis: delete: %w", err)
	}
	return n > 0, nil
}

func (b *RedisBackend) DeleteSubject(ctx context.Context, subjectID string) (int, error) {
	n, err := deleteSubjectLua.Run(ctx, b.rdb, nil, b.prefix, subjectID).Int64()
	if err != nil {
		return 0, fmt.Errorf("refresh redis: delete subject: %w", err)
	}
	return int(n), nil
}

// Sweep corre el script por lotes hasta que uno vuelve incompleto.
func (b *RedisBackend) Sweep(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		res, err := sweepLua.Run(ctx, b.rdb, nil, b.prefix, now.UnixMilli(), b.sweepBatch).Int64Slice()
		if err != nil {
			return total, fmt.Errorf("refresh redis: sweep: %w", err)
		}
		if len(res) != 2 {
			return total, errors.New("refresh redis: invalid sweep response")
		}
		total += int(res[0])
		if res[1] < int64(b.sweepBatch) {
			return total, nil
		}
	}
}

func (b *RedisBackend) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisBackend) Close() error { return nil }

func decodeOwner(v interface{}) (Owner, error) {
	var blob []byte
	switch s := v.(type) {
	case string:
		blob = []byte(s)
	case []byte:
		blob = s
	default:
		return Owner{}, errors.New("refresh redis: invalid owner payload")
	}
	var o Owner
	if err := json.Unmarshal(blob, &o); err != nil {
		return Owner{}, fmt.Errorf("refresh redis: decode owner: %w", err)
	}
	return o, nil
}
