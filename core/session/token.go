package session

// TokenKind discriminates the Token variant.
type TokenKind int

const (
	// TokenNone is the zero Token; no credential present.
	TokenNone TokenKind = iota
	// TokenOpaque is a single random session handle.
	TokenOpaque
	// TokenPair is a JWT access token with a companion refresh token.
	TokenPair
)

// Token is the tagged credential variant the session service issues and
// verifies: an opaque handle, an access/refresh pair, or nothing.
type Token struct {
	kind    TokenKind
	access  string
	refresh string
}

// NoToken returns the empty Token.
func NoToken() Token {
	return Token{}
}

// OpaqueToken wraps a random session handle.
func OpaqueToken(token string) Token {
	return Token{kind: TokenOpaque, access: token}
}

// PairToken wraps a JWT access token and its refresh token.
func PairToken(accessToken, refreshToken string) Token {
	return Token{kind: TokenPair, access: accessToken, refresh: refreshToken}
}

// Kind returns the variant tag.
func (t Token) Kind() TokenKind {
	return t.kind
}

// IsZero reports whether no credential is present.
func (t Token) IsZero() bool {
	return t.kind == TokenNone
}

// AccessToken returns the token string session rows are keyed by: the JWT
// for pairs, the opaque handle otherwise.
func (t Token) AccessToken() string {
	return t.access
}

// RefreshToken returns the refresh token, or "" for opaque tokens.
func (t Token) RefreshToken() string {
	return t.refresh
}
