package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

const (
	// OpaqueTokenLength is the length of generated opaque session tokens in bytes
	OpaqueTokenLength = 32

	// RefreshTokenLength is the length of generated refresh tokens in bytes
	RefreshTokenLength = 32
)

// NewOpaqueToken generates a cryptographically secure random session token.
// The token is base58-encoded so it is safe in URLs, cookies, and headers
// without further escaping.
func NewOpaqueToken() (string, error) {
	raw := make([]byte, OpaqueTokenLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base58.Encode(raw), nil
}

// NewRefreshToken generates a cryptographically secure random refresh token
// encoded as base64url without padding.
func NewRefreshToken() (string, error) {
	raw := make([]byte, RefreshTokenLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken hashes a token for storage/lookup.
// Returns SHA256 hex hash. Raw tokens are never persisted; only this hash is.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
