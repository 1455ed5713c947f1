package jwt

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// Claves de 1024 bits para que la suite sea rápida; producción usa DefaultKeyBits.
const testKeyBits = 1024

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRing(t *testing.T, clock clockwork.Clock, opts ...RingOption) *KeyRing {
	t.Helper()
	opts = append([]RingOption{WithKeyBits(testKeyBits), WithRingClock(clock)}, opts...)
	r, err := NewKeyRing(context.Background(), opts...)
	require.NoError(t, err)
	return r
}

type staticSource map[string]PublicKey

func (s staticSource) KeyByID(_ context.Context, kid string) (PublicKey, error) {
	if pk, ok := s[kid]; ok {
		return pk, nil
	}
	return PublicKey{}, ErrUnknownKey
}

type failingSource struct{ err error }

func (f failingSource) KeyByID(context.Context, string) (PublicKey, error) {
	return PublicKey{}, f.err
}
