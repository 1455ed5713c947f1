package jwt

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://id.example.com"

func TestSignVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	r := newTestRing(t, clock)
	codec := NewCodec(testIssuer, WithCodecClock(clock), WithAccessTTL(10*time.Minute))

	in := Claims{
		Name:        "Ada Lovelace",
		Email:       "ada@example.com",
		Groups:      []string{"eng", "admins"},
		Permissions: []string{"read:reports", "write:reports"},
		Custom:      map[string]any{"tier": "gold"},
		RegisteredClaims: jwtv5.RegisteredClaims{
			Subject:  "user-1",
			Audience: jwtv5.ClaimStrings{"app-1"},
		},
	}

	tok, err := codec.Sign(in, r.Current())
	require.NoError(t, err)

	out, err := codec.Verify(ctx, tok, r)
	require.NoError(t, err)

	assert.Equal(t, in.Subject, out.Subject)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Email, out.Email)
	assert.Equal(t, in.Groups, out.Groups)
	assert.Equal(t, in.Permissions, out.Permissions)
	assert.Equal(t, in.Custom, out.Custom)
	assert.Equal(t, in.Audience, out.Audience)

	assert.Equal(t, testIssuer, out.Issuer)
	assert.Equal(t, testEpoch, out.IssuedAt.Time.UTC())
	assert.Equal(t, testEpoch.Add(10*time.Minute), out.ExpiresAt.Time.UTC())
	assert.NotEmpty(t, out.ID)

	header := decodeHeader(t, tok)
	assert.Contains(t, header, `"kid":"`+r.Current().KID+`"`)
	assert.Contains(t, header, `"alg":"RS256"`)
}

func TestSignKeepsExplicitExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	r := newTestRing(t, clock)
	codec := NewCodec(testIssuer, WithCodecClock(clock))

	exp := testEpoch.Add(time.Hour)
	tok, err := codec.Sign(Claims{RegisteredClaims: jwtv5.RegisteredClaims{ExpiresAt: jwtv5.NewNumericDate(exp)}}, r.Current())
	require.NoError(t, err)

	out, err := codec.Verify(context.Background(), tok, r)
	require.NoError(t, err)
	assert.Equal(t, exp, out.ExpiresAt.Time.UTC())
}

func TestVerifyExpired(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	r := newTestRing(t, clock)
	codec := NewCodec(testIssuer, WithCodecClock(clock), WithAccessTTL(time.Minute))

	tok, err := codec.Sign(Claims{}, r.Current())
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	_, err = codec.Verify(ctx, tok, r)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = codec.Verify(ctx, tok, r)
	assert.ErrorIs(t, err, ErrExpired, "exp equal to now is already expired")
}

func TestVerifyLeeway(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	r := newTestRing(t, clock)
	codec := NewCodec(testIssuer, WithCodecClock(clock), WithAccessTTL(time.Minute), WithLeeway(30*time.Second))

	tok, err := codec.Sign(Claims{}, r.Current())
	require.NoError(t, err)

	clock.Advance(80 * time.Second)
	_, err = codec.Verify(context.Background(), tok, r)
	assert.NoError(t, err)

	clock.Advance(20 * time.Second)
	_, err = codec.Verify(context.Background(), tok, r)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyBadSignature(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	r := newTestRing(t, clock)
	codec := NewCodec(testIssuer, WithCodecClock(clock))

	tok, err := codec.Sign(Claims{Name: "Ada"}, r.Current())
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err = codec.Verify(ctx, tampered, r)
	assert.ErrorIs(t, err, ErrBadSignature)

	// otra clave publicada bajo el mismo kid
	impostor, err := GenerateSigningKey(testKeyBits, testEpoch)
	require.NoError(t, err)
	impostor.KID = r.Current().KID
	forged, err := codec.Sign(Claims{Name: "Mallory"}, impostor)
	require.NoError(t, err)
	_, err = codec.Verify(ctx, forged, r)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	r := newTestRing(t, clock)
	codec := NewCodec(testIssuer, WithCodecClock(clock))

	t.Run("malformed", func(t *testing.T) {
		_, err := codec.Verify(ctx, "not-a-token", r)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("other issuer", func(t *testing.T) {
		other := NewCodec("https://evil.example.com", WithCodecClock(clock))
		tok, err := other.Sign(Claims{}, r.Current())
		require.NoError(t, err)
		_, err = codec.Verify(ctx, tok, r)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("hmac algorithm", func(t *testing.T) {
		tk := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, jwtv5.MapClaims{"iss": testIssuer, "exp": testEpoch.Add(time.Hour).Unix()})
		tk.Header["kid"] = r.Current().KID
		tok, err := tk.SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = codec.Verify(ctx, tok, r)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("missing exp", func(t *testing.T) {
		tk := jwtv5.NewWithClaims(jwtv5.SigningMethodRS256, jwtv5.MapClaims{"iss": testIssuer})
		tk.Header["kid"] = r.Current().KID
		tok, err := tk.SignedString(r.Current().priv)
		require.NoError(t, err)
		_, err = codec.Verify(ctx, tok, r)
		assert.ErrorIs(t, err, ErrBadSignature)
	})
}

func TestVerifyUnknownKey(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	r := newTestRing(t, clock)
	codec := NewCodec(testIssuer, WithCodecClock(clock))

	stranger, err := GenerateSigningKey(testKeyBits, testEpoch)
	require.NoError(t, err)
	tok, err := codec.Sign(Claims{}, stranger)
	require.NoError(t, err)

	_, err = codec.Verify(ctx, tok, r)
	assert.ErrorIs(t, err, ErrUnknownKey)

	noKid := jwtv5.NewWithClaims(jwtv5.SigningMethodRS256, jwtv5.MapClaims{"iss": testIssuer, "exp": testEpoch.Add(time.Hour).Unix()})
	s, err := noKid.SignedString(r.Current().priv)
	require.NoError(t, err)
	_, err = codec.Verify(ctx, s, r)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestVerifyUpstreamUnavailable(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	r := newTestRing(t, clock)
	codec := NewCodec(testIssuer, WithCodecClock(clock))
	tok, err := codec.Sign(Claims{}, r.Current())
	require.NoError(t, err)

	down := failingSource{err: ErrUpstreamUnavailable}
	_, err = codec.Verify(context.Background(), tok, down)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestSignWithoutKey(t *testing.T) {
	_, err := NewCodec(testIssuer).Sign(Claims{}, nil)
	assert.True(t, errors.Is(err, ErrNoSigningKey))
}

func decodeHeader(t *testing.T, tok string) string {
	t.Helper()
	b, err := base64.RawURLEncoding.DecodeString(strings.Split(tok, ".")[0])
	require.NoError(t, err)
	return string(b)
}

func TestIssuerFollowsRotation(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	ring := newTestRing(t, clock)
	codec := NewCodec(testIssuer, WithCodecClock(clock), WithAccessTTL(time.Minute))
	iss := NewIssuer(codec, ring)
	assert.Equal(t, time.Minute, iss.AccessTTL())

	before, err := iss.Issue(Claims{})
	require.NoError(t, err)
	require.NoError(t, ring.Rotate(context.Background()))
	after, err := iss.Issue(Claims{})
	require.NoError(t, err)

	for _, tok := range []string{before, after} {
		_, err := codec.Verify(context.Background(), tok, ring)
		require.NoError(t, err)
	}
	hdr, _, err := jwtv5.NewParser().ParseUnverified(after, &Claims{})
	require.NoError(t, err)
	assert.Equal(t, ring.Current().KID, hdr.Header["kid"])
}
