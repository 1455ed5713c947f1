package jwt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/credgate/internal/cache"
)

type jwksServer struct {
	*httptest.Server
	hits   atomic.Int32
	failed atomic.Bool
	mu     sync.Mutex
	doc    JWKS
}

func newJWKSServer(t *testing.T, keys ...PublicKey) *jwksServer {
	t.Helper()
	s := &jwksServer{doc: BuildJWKS(keys)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if s.failed.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.doc)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestRemoteKeySetCachesWithinTTL(t *testing.T) {
	ctx := context.Background()
	k, err := GenerateSigningKey(testKeyBits, testEpoch)
	require.NoError(t, err)
	srv := newJWKSServer(t, k.Public())
	clock := clockwork.NewFakeClockAt(testEpoch)

	rs := NewRemoteKeySet(srv.URL+"/jwks.json", WithRemoteTTL(time.Minute), WithRemoteClock(clock))

	pk, err := rs.KeyByID(ctx, k.KID)
	require.NoError(t, err)
	assert.True(t, k.Public().Key.Equal(pk.Key))

	_, err = rs.KeyByID(ctx, k.KID)
	require.NoError(t, err)
	_, err = rs.KeyByID(ctx, "unknown")
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.EqualValues(t, 1, srv.hits.Load(), "an unknown kid does not force a refetch")

	clock.Advance(time.Minute)
	_, err = rs.KeyByID(ctx, k.KID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.hits.Load())
}

func TestRemoteKeySetFailsClosedAfterExpiry(t *testing.T) {
	ctx := context.Background()
	k, err := GenerateSigningKey(testKeyBits, testEpoch)
	require.NoError(t, err)
	srv := newJWKSServer(t, k.Public())
	clock := clockwork.NewFakeClockAt(testEpoch)
	rs := NewRemoteKeySet(srv.URL, WithRemoteTTL(time.Minute), WithRemoteClock(clock))

	_, err = rs.KeyByID(ctx, k.KID)
	require.NoError(t, err)

	srv.failed.Store(true)
	clock.Advance(2 * time.Minute)

	_, err = rs.KeyByID(ctx, k.KID)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable, "stale material is never served")
}

func TestRemoteKeySetUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rs := NewRemoteKeySet(url)
	_, err := rs.KeyByID(context.Background(), "any")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestRemoteKeySetCancelledCaller(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	rs := NewRemoteKeySet(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := rs.KeyByID(ctx, "any")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestRemoteKeySetSharedRedisCache(t *testing.T) {
	ctx := context.Background()
	k, err := GenerateSigningKey(testKeyBits, testEpoch)
	require.NoError(t, err)
	srv := newJWKSServer(t, k.Public())
	clock := clockwork.NewFakeClockAt(testEpoch)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	shared := cache.NewRedis(rdb, "test:", time.Minute)

	a := NewRemoteKeySet(srv.URL, WithRemoteCache(shared), WithRemoteClock(clock), WithRemoteTTL(time.Minute))
	b := NewRemoteKeySet(srv.URL, WithRemoteCache(shared), WithRemoteClock(clock), WithRemoteTTL(time.Minute))

	_, err = a.KeyByID(ctx, k.KID)
	require.NoError(t, err)
	_, err = b.KeyByID(ctx, k.KID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.hits.Load(), "second replica reads the shared cache")
}

func TestVerifyAgainstRemoteAndLocal(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	local := newTestRing(t, clock)
	upstreamRing := newTestRing(t, clock)
	srv := newJWKSServer(t, upstreamRing.PublicMaterial()...)

	codec := NewCodec(testIssuer, WithCodecClock(clock))
	src := KeySources{local, NewRemoteKeySet(srv.URL, WithRemoteClock(clock))}

	localTok, err := codec.Sign(Claims{Name: "local"}, local.Current())
	require.NoError(t, err)
	remoteTok, err := codec.Sign(Claims{Name: "remote"}, upstreamRing.Current())
	require.NoError(t, err)

	c, err := codec.Verify(ctx, localTok, src)
	require.NoError(t, err)
	assert.Equal(t, "local", c.Name)
	assert.EqualValues(t, 0, srv.hits.Load())

	c, err = codec.Verify(ctx, remoteTok, src)
	require.NoError(t, err)
	assert.Equal(t, "remote", c.Name)
}
