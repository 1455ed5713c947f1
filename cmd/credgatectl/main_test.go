package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/credgate/internal/refresh"
)

func runCtl(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("JWT_ISSUER", "https://id.example.com")
	for k, v := range env {
		t.Setenv(k, v)
	}
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func keysEnv(t *testing.T) map[string]string {
	return map[string]string{
		"SIGNING_KEYS_DIR":   t.TempDir(),
		"SIGNING_MASTER_KEY": base64.StdEncoding.EncodeToString([]byte(strings.Repeat("m", 32))),
	}
}

func TestKeysRotate(t *testing.T) {
	env := keysEnv(t)

	out, err := runCtl(t, env, "keys", "list", "--out", "json")
	require.NoError(t, err)
	var before []keyView
	require.NoError(t, json.Unmarshal([]byte(out), &before))
	require.Len(t, before, 1)
	assert.Equal(t, "current", before[0].Role)

	out, err = runCtl(t, env, "keys", "rotate", "--out", "json")
	require.NoError(t, err)
	var after []keyView
	require.NoError(t, json.Unmarshal([]byte(out), &after))
	require.Len(t, after, 2)
	assert.NotEqual(t, before[0].KID, after[0].KID)
	assert.Equal(t, before[0].KID, after[1].KID)
	assert.Equal(t, "previous", after[1].Role)

	// La rotación quedó persistida en keys.dir.
	out, err = runCtl(t, env, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "current   "+after[0].KID)
	assert.Contains(t, out, "previous  "+before[0].KID)

	out, err = runCtl(t, env, "keys", "jwks")
	require.NoError(t, err)
	assert.Contains(t, out, after[0].KID)
}

func TestKeysRequireDir(t *testing.T) {
	_, err := runCtl(t, nil, "keys", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keys.dir")
}

func seedRedis(t *testing.T, addr, prefix string, at time.Time, owners ...refresh.Owner) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	s := refresh.NewStore(refresh.NewRedisBackend(rdb, prefix), refresh.WithClock(clockwork.NewFakeClockAt(at)))
	for _, o := range owners {
		_, err := s.Issue(context.Background(), o, time.Hour)
		require.NoError(t, err)
	}
}

func redisEnv(addr string) map[string]string {
	return map[string]string{
		"REFRESH_DRIVER": "redis",
		"REDIS_ADDR":     addr,
		"REDIS_PREFIX":   "ctl:",
	}
}

func TestRefreshSweep(t *testing.T) {
	mr := miniredis.RunT(t)
	seedRedis(t, mr.Addr(), "ctl:", time.Now().Add(-2*time.Hour), refresh.Owner{SubjectID: "old"})
	seedRedis(t, mr.Addr(), "ctl:", time.Now(), refresh.Owner{SubjectID: "fresh"})

	out, err := runCtl(t, redisEnv(mr.Addr()), "refresh", "sweep", "--out", "json")
	require.NoError(t, err)
	var res map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res["swept"])

	out, err = runCtl(t, redisEnv(mr.Addr()), "refresh", "sweep")
	require.NoError(t, err)
	assert.Equal(t, "swept=0\n", out)
}

func TestRefreshRevokeSubject(t *testing.T) {
	mr := miniredis.RunT(t)
	seedRedis(t, mr.Addr(), "ctl:", time.Now(),
		refresh.Owner{SubjectID: "u1"},
		refresh.Owner{SubjectID: "u1"},
		refresh.Owner{SubjectID: "u2"},
	)

	out, err := runCtl(t, redisEnv(mr.Addr()), "refresh", "revoke-subject", "u1")
	require.NoError(t, err)
	assert.Equal(t, "subject=u1 revoked=2\n", out)

	_, err = runCtl(t, redisEnv(mr.Addr()), "refresh", "revoke-subject")
	require.Error(t, err)
}

func TestRefreshRejectsMemoryDriver(t *testing.T) {
	_, err := runCtl(t, map[string]string{"REFRESH_DRIVER": "memory"}, "refresh", "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")
}
