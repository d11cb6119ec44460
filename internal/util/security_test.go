package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	key, err := GenerateAPIKey(24)
	require.NoError(t, err)
	assert.Len(t, key, 24)
	assert.True(t, ValidateAPIKey(key))

	another, err := GenerateAPIKey(24)
	require.NoError(t, err)
	assert.NotEqual(t, key, another)

	_, err = GenerateAPIKey(8)
	assert.Error(t, err, "below the minimum length")
}

func TestValidateAPIKey(t *testing.T) {
	assert.True(t, ValidateAPIKey("abcDEF0123456789"))
	assert.False(t, ValidateAPIKey("short"))
	assert.False(t, ValidateAPIKey("abcDEF0123456789!"))
	assert.False(t, ValidateAPIKey(""))
}

func TestGenerateSecureToken(t *testing.T) {
	a, err := GenerateSecureToken(16)
	require.NoError(t, err)
	b, err := GenerateSecureToken(16)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "=")
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc...", Truncate("abcdef", 3))
	// rune-safe: multi-byte characters are not split
	assert.Equal(t, "你好...", Truncate("你好世界", 2))
}
