package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Backend { return NewMemoryBackend() },
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedisBackend(rdb, "test:refresh:")
		},
	}
}

// forEachBackend corre fn contra cada backend con un store nuevo.
func forEachBackend(t *testing.T, fn func(t *testing.T, s *Store, clock *clockwork.FakeClock)) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(testEpoch)
			s := NewStore(mk(t), WithClock(clock), WithDefaultTTL(time.Hour))
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s, clock)
		})
	}
}

func TestIssueAndRotate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		t0, err := s.Issue(ctx, Owner{SubjectID: "user-1", Claims: map[string]any{"role": "admin"}}, 0)
		require.NoError(t, err)
		require.NotEmpty(t, t0)

		clock.Advance(time.Minute)
		owner, t1, err := s.ValidateAndRotate(ctx, t0)
		require.NoError(t, err)
		require.NotEqual(t, t0, t1)
		assert.Equal(t, "user-1", owner.SubjectID)
		assert.Equal(t, "admin", owner.Claims["role"])
		require.NotEmpty(t, owner.FamilyID)

		owner2, t2, err := s.ValidateAndRotate(ctx, t1)
		require.NoError(t, err)
		assert.Equal(t, owner.FamilyID, owner2.FamilyID)
		assert.NotEqual(t, t1, t2)
	})
}

func TestIssue_RequiresSubject(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *clockwork.FakeClock) {
		_, err := s.Issue(context.Background(), Owner{}, 0)
		require.ErrorIs(t, err, ErrInvalidOwner)
	})
}

func TestIssue_KeepsGivenFamily(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		tok, err := s.Issue(ctx, Owner{SubjectID: "u", FamilyID: "fam-1"}, 0)
		require.NoError(t, err)
		owner, _, err := s.ValidateAndRotate(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "fam-1", owner.FamilyID)
	})
}

func TestValidateAndRotate_UnknownToken(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *clockwork.FakeClock) {
		_, _, err := s.ValidateAndRotate(context.Background(), "never-issued")
		require.ErrorIs(t, err, ErrDenied)

		_, _, err = s.ValidateAndRotate(context.Background(), "")
		require.ErrorIs(t, err, ErrDenied)
	})
}

// Un atacante gasta t0 primero y después el cliente legítimo presenta t0.
// Muere la familia entera, t1 del atacante incluido.
func TestReplayRevokesFamily(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		t0, err := s.Issue(ctx, Owner{SubjectID: "victim"}, 0)
		require.NoError(t, err)

		_, t1, err := s.ValidateAndRotate(ctx, t0)
		require.NoError(t, err)

		clock.Advance(time.Second)
		_, _, err = s.ValidateAndRotate(ctx, t0)
		require.ErrorIs(t, err, ErrDenied)

		_, _, err = s.ValidateAndRotate(ctx, t1)
		require.ErrorIs(t, err, ErrDenied, "successor must be revoked with the family")
	})
}

func TestReplay_OtherFamiliesUntouched(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		a0, err := s.Issue(ctx, Owner{SubjectID: "u"}, 0)
		require.NoError(t, err)
		b0, err := s.Issue(ctx, Owner{SubjectID: "u"}, 0)
		require.NoError(t, err)

		_, _, err = s.ValidateAndRotate(ctx, a0)
		require.NoError(t, err)
		_, _, err = s.ValidateAndRotate(ctx, a0)
		require.ErrorIs(t, err, ErrDenied)

		_, _, err = s.ValidateAndRotate(ctx, b0)
		require.NoError(t, err)
	})
}

func TestConcurrentPresentation_SingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		tok, err := s.Issue(ctx, Owner{SubjectID: "u"}, 0)
		require.NoError(t, err)

		const workers = 16
		var (
			wins   atomic.Int32
			denied atomic.Int32
			wg     sync.WaitGroup
			start  = make(chan struct{})
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, _, err := s.ValidateAndRotate(ctx, tok)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrDenied):
					denied.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(workers-1), denied.Load())
	})
}

func TestExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		tok, err := s.Issue(ctx, Owner{SubjectID: "u"}, 10*time.Minute)
		require.NoError(t, err)

		// ExpiresAt exacto ya cuenta como vencido.
		clock.Advance(10 * time.Minute)
		_, _, err = s.ValidateAndRotate(ctx, tok)
		require.ErrorIs(t, err, ErrDenied)
	})
}

func TestExpiredSpentToken_DoesNotRevokeFamily(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		t0, err := s.Issue(ctx, Owner{SubjectID: "u"}, time.Hour)
		require.NoError(t, err)

		clock.Advance(30 * time.Minute)
		_, t1, err := s.ValidateAndRotate(ctx, t0)
		require.NoError(t, err)

		// t0 venció a +60m; t1 vive hasta +90m.
		clock.Advance(31 * time.Minute)
		_, _, err = s.ValidateAndRotate(ctx, t0)
		require.ErrorIs(t, err, ErrDenied)

		_, _, err = s.ValidateAndRotate(ctx, t1)
		require.NoError(t, err)
	})
}

func TestSuccessorGetsSameLifetime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		t0, err := s.Issue(ctx, Owner{SubjectID: "u"}, 20*time.Minute)
		require.NoError(t, err)

		clock.Advance(15 * time.Minute)
		_, t1, err := s.ValidateAndRotate(ctx, t0)
		require.NoError(t, err)

		clock.Advance(19 * time.Minute)
		_, _, err = s.ValidateAndRotate(ctx, t1)
		require.NoError(t, err, "successor expiry counts from its own issue time")
	})
}

func TestSweepExpired_Strict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		_, err := s.Issue(ctx, Owner{SubjectID: "a"}, time.Hour)
		require.NoError(t, err)
		keep, err := s.Issue(ctx, Owner{SubjectID: "b"}, 2*time.Hour)
		require.NoError(t, err)

		clock.Advance(time.Hour)
		n, err := s.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "expires_at == now is not swept")

		clock.Advance(time.Millisecond)
		n, err = s.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		_, _, err = s.ValidateAndRotate(ctx, keep)
		require.NoError(t, err)
	})
}

func TestSweep_SpentTokensNotCounted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		t0, err := s.Issue(ctx, Owner{SubjectID: "u"}, time.Hour)
		require.NoError(t, err)
		clock.Advance(30 * time.Minute)
		_, t1, err := s.ValidateAndRotate(ctx, t0)
		require.NoError(t, err)

		// Solo t0, ya gastado, está vencido.
		clock.Advance(31 * time.Minute)
		n, err := s.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		_, _, err = s.ValidateAndRotate(ctx, t1)
		require.NoError(t, err)
	})
}

func TestSweep_CountsOneLiveTokenPerFamily(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		t0, err := s.Issue(ctx, Owner{SubjectID: "u"}, time.Hour)
		require.NoError(t, err)
		_, _, err = s.ValidateAndRotate(ctx, t0)
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		n, err := s.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestRevoke(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		tok, err := s.Issue(ctx, Owner{SubjectID: "u"}, 0)
		require.NoError(t, err)

		ok, err := s.Revoke(ctx, tok)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Revoke(ctx, tok)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Revoke(ctx, "")
		require.NoError(t, err)
		assert.False(t, ok)

		_, _, err = s.ValidateAndRotate(ctx, tok)
		require.ErrorIs(t, err, ErrDenied)
	})
}

func TestRevoke_SpentTokenKeepsReplayDetection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		t0, err := s.Issue(ctx, Owner{SubjectID: "u"}, 0)
		require.NoError(t, err)
		_, t1, err := s.ValidateAndRotate(ctx, t0)
		require.NoError(t, err)

		ok, err := s.Revoke(ctx, t0)
		require.NoError(t, err)
		assert.False(t, ok, "a rotated token is no longer revocable")

		_, _, err = s.ValidateAndRotate(ctx, t0)
		require.ErrorIs(t, err, ErrDenied)
		_, _, err = s.ValidateAndRotate(ctx, t1)
		require.ErrorIs(t, err, ErrDenied, "replay of t0 must still revoke the family")
	})
}

func TestClaimsRoundTripSameTypesOnEveryBackend(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		claims := map[string]any{"n": 7, "tags": []string{"a"}, "ok": true}
		tok, err := s.Issue(ctx, Owner{SubjectID: "u", Claims: claims}, 0)
		require.NoError(t, err)
		assert.Equal(t, 7, claims["n"], "caller's map is not modified")

		owner, _, err := s.ValidateAndRotate(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, float64(7), owner.Claims["n"])
		assert.Equal(t, []any{"a"}, owner.Claims["tags"])
		assert.Equal(t, true, owner.Claims["ok"])
	})
}

func TestIssue_UnencodableClaims(t *testing.T) {
	s := NewStore(NewMemoryBackend())
	_, err := s.Issue(context.Background(), Owner{SubjectID: "u", Claims: map[string]any{"ch": make(chan int)}}, 0)
	require.Error(t, err)
}

func TestRevokeAllForSubject(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		a0, err := s.Issue(ctx, Owner{SubjectID: "u1"}, 0)
		require.NoError(t, err)
		_, a1, err := s.ValidateAndRotate(ctx, a0)
		require.NoError(t, err)
		b0, err := s.Issue(ctx, Owner{SubjectID: "u1"}, 0)
		require.NoError(t, err)
		other, err := s.Issue(ctx, Owner{SubjectID: "u2"}, 0)
		require.NoError(t, err)

		n, err := s.RevokeAllForSubject(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, n, "spent tokens are not counted")

		for _, tok := range []string{a0, a1, b0} {
			_, _, err = s.ValidateAndRotate(ctx, tok)
			require.ErrorIs(t, err, ErrDenied)
		}
		_, _, err = s.ValidateAndRotate(ctx, other)
		require.NoError(t, err)

		n, err = s.RevokeAllForSubject(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		_, err = s.RevokeAllForSubject(ctx, "")
		require.ErrorIs(t, err, ErrInvalidOwner)
	})
}

type brokenBackend struct {
	*MemoryBackend
	err error
}

func (b *brokenBackend) Rotate(context.Context, string, string, time.Time) (RotateResult, error) {
	return RotateResult{}, b.err
}

func TestValidateAndRotate_BackendFailure(t *testing.T) {
	boom := errors.New("connection reset")
	s := NewStore(&brokenBackend{MemoryBackend: NewMemoryBackend(), err: boom})

	_, _, err := s.ValidateAndRotate(context.Background(), "tok")
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrDenied)
}

func TestValidateAndRotate_CancelledContext(t *testing.T) {
	s := NewStore(NewMemoryBackend())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.ValidateAndRotate(ctx, "tok")
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryBackend_TombstoneRetainedUntilExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	b := NewMemoryBackend()
	s := NewStore(b, WithClock(clock), WithDefaultTTL(time.Hour))
	ctx := context.Background()

	t0, err := s.Issue(ctx, Owner{SubjectID: "u"}, 0)
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	_, _, err = s.ValidateAndRotate(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Len())

	clock.Advance(30*time.Minute + time.Second)
	_, err = s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
}
