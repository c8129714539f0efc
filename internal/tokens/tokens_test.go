package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpaqueToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := NewOpaqueToken()
		require.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.False(t, seen[token], "duplicate opaque token")
		seen[token] = true
	}
}

func TestNewRefreshToken(t *testing.T) {
	token, err := NewRefreshToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	// base64url alphabet, no padding
	assert.NotContains(t, token, "=")
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")

	other, err := NewRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestHashToken(t *testing.T) {
	sum := sha256.Sum256([]byte("secret"))
	assert.Equal(t, hex.EncodeToString(sum[:]), HashToken("secret"))

	// Deterministic, and distinct inputs diverge.
	assert.Equal(t, HashToken("a"), HashToken("a"))
	assert.NotEqual(t, HashToken("a"), HashToken("b"))
}
