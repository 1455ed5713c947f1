package tokens

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateOpaque(t *testing.T) {
	a, err := GenerateOpaque(32)
	require.NoError(t, err)
	b, err := GenerateOpaque(32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", SHA256Hex(""))
	assert.Len(t, SHA256Hex("token"), 64)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("admin-key", "admin-key"))
	assert.False(t, Equal("admin-key", "admin-kez"))
	assert.False(t, Equal("admin-key", ""))
}
