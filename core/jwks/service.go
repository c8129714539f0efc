// Package jwks owns the asymmetric signing keys of the auth engine: it
// generates and rotates key pairs, signs and verifies JWTs, publishes the
// public key set, and manages refresh tokens and the JWT blacklist.
//
// Key lifecycle: a freshly generated key is the active primary (is_active,
// expires_at = now + rotation interval). Rotation demotes it to grace
// (expires_at = now + grace period) while it keeps verifying outstanding
// tokens; once the grace window passes the key is cleanup eligible.
package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/SOG-web/reauth-sub000/internal/db/models"
	"github.com/SOG-web/reauth-sub000/orm"
)

var (
	// ErrTokenBlacklisted is returned when a token is on the blacklist.
	ErrTokenBlacklisted = errors.New("token is blacklisted")

	// ErrInvalidToken is returned for malformed tokens or signature mismatches.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingKeyID is returned when a JWT header carries no kid.
	ErrMissingKeyID = errors.New("token missing key id")

	// ErrUnknownKey is returned when a JWT references a kid with no key row.
	ErrUnknownKey = errors.New("unknown signing key")

	// ErrTokenExpired is returned for tokens past their exp claim.
	ErrTokenExpired = errors.New("token has expired")

	// ErrWrongIssuer is returned when the iss claim does not match.
	ErrWrongIssuer = errors.New("token issuer mismatch")

	// ErrUnsupportedAlgorithm is returned for algorithms the service cannot generate.
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
)

const (
	defaultAccessTokenTTL   = 15 * time.Minute
	defaultRefreshTokenTTL  = 7 * 24 * time.Hour
	defaultRotationInterval = 30 * 24 * time.Hour
	defaultGracePeriod      = 48 * time.Hour
	defaultCacheTTL         = 5 * time.Minute

	rsaKeyBits = 2048
)

// Config holds the JWKS service configuration.
type Config struct {
	// Issuer is the iss claim stamped into and required from every JWT.
	Issuer string

	// Algorithm is the default signing algorithm for new keys. RS256 only.
	Algorithm string

	// AccessTokenTTL is the default lifetime of signed access tokens.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the lifetime of issued refresh tokens.
	RefreshTokenTTL time.Duration

	// RotationInterval is how long a fresh key stays primary.
	RotationInterval time.Duration

	// GracePeriod is how long a rotated key keeps verifying.
	GracePeriod time.Duration

	// RotationEnabled controls refresh-token rotation on use.
	RotationEnabled bool

	// CacheTTL bounds staleness of the key and JWKS caches.
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Algorithm == "" {
		c.Algorithm = string(jose.RS256)
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = defaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if c.RotationInterval <= 0 {
		c.RotationInterval = defaultRotationInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	return c
}

// Service signs and verifies JWTs with database-persisted keys.
//
// The caches are process-wide and read-mostly; rotation invalidates them.
// Readers may briefly observe the previous cache entry, which stays correct
// because rotated keys remain loadable by kid through the grace period.
type Service struct {
	orm orm.ORM
	cfg Config

	rotateMu sync.Mutex

	activeKey *expirable.LRU[string, *models.JWKSKey]
	keysByKid *expirable.LRU[string, *models.JWKSKey]
	jwksCache *expirable.LRU[string, map[string]any]
}

// NewService creates a JWKS service backed by the given ORM.
func NewService(o orm.ORM, cfg Config) (*Service, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("jwks issuer is required")
	}
	cfg = cfg.withDefaults()

	return &Service{
		orm:       o,
		cfg:       cfg,
		activeKey: expirable.NewLRU[string, *models.JWKSKey](1, nil, cfg.CacheTTL),
		keysByKid: expirable.NewLRU[string, *models.JWKSKey](64, nil, cfg.CacheTTL),
		jwksCache: expirable.NewLRU[string, map[string]any](1, nil, cfg.CacheTTL),
	}, nil
}

// Config returns the effective service configuration.
func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) invalidateCaches() {
	s.activeKey.Purge()
	s.keysByKid.Purge()
	s.jwksCache.Purge()
}

// GenerateKeyPair creates, persists, and returns a new active signing key.
// The new key's expires_at is now + rotation interval.
func (s *Service) GenerateKeyPair(ctx context.Context, alg string) (*models.JWKSKey, error) {
	if alg == "" {
		alg = s.cfg.Algorithm
	}
	if alg != string(jose.RS256) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	kid := uuid.NewString()
	privJWK := jose.JSONWebKey{Key: priv, KeyID: kid, Algorithm: alg, Use: "sig"}
	privJSON, err := privJWK.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal private jwk: %w", err)
	}
	pubJWK := privJWK.Public()
	pubJSON, err := pubJWK.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal public jwk: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.RotationInterval)
	key := &models.JWKSKey{
		ID:         uuid.NewString(),
		KeyID:      kid,
		Algorithm:  alg,
		PublicKey:  string(pubJSON),
		PrivateKey: string(privJSON),
		IsActive:   true,
		CreatedAt:  now,
		ExpiresAt:  &expiresAt,
	}

	if err := s.orm.Create(ctx, key); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}

	s.invalidateCaches()
	return key, nil
}

// GetActiveKey returns the current signing key, from cache when fresh.
// If no active unexpired key exists, a scheduled rotation creates one.
func (s *Service) GetActiveKey(ctx context.Context) (*models.JWKSKey, error) {
	if key, ok := s.activeKey.Get("active"); ok {
		return key, nil
	}

	now := time.Now()
	var key models.JWKSKey
	err := s.orm.FindFirst(ctx, &key, orm.Query{
		Where: func(b orm.B) orm.Pred {
			return b.And(
				b.Eq("is_active", true),
				b.Or(b.IsNull("expires_at"), b.Gt("expires_at", now)),
			)
		},
		Order: []orm.Order{orm.Desc("created_at")},
	})
	if err != nil {
		if errors.Is(err, orm.ErrNotFound) {
			return s.RotateKeys(ctx, models.RotationReasonScheduled)
		}
		return nil, fmt.Errorf("load active key: %w", err)
	}

	s.activeKey.Add("active", &key)
	return &key, nil
}

// GetAllActiveKeys returns every active key row, newest first. During a
// grace period this includes both the primary and the rotated-out key so
// the published JWKS can still verify outstanding tokens.
func (s *Service) GetAllActiveKeys(ctx context.Context) ([]models.JWKSKey, error) {
	var keys []models.JWKSKey
	err := s.orm.FindMany(ctx, &keys, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("is_active", true) },
		Order: []orm.Order{orm.Desc("created_at")},
	})
	if err != nil {
		return nil, fmt.Errorf("load active keys: %w", err)
	}
	return keys, nil
}

// RotateKeys generates a new signing key, demotes the previous primary to
// the grace window, and records the rotation in the audit trail.
func (s *Service) RotateKeys(ctx context.Context, reason models.RotationReason) (*models.JWKSKey, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	now := time.Now()

	// Previous primary, if any. Ignore not-found: first rotation bootstraps.
	// An already-expired primary still counts for lineage; the audit trail
	// must name it even though its tokens are gone.
	var oldKey *models.JWKSKey
	var prev models.JWKSKey
	err := s.orm.FindFirst(ctx, &prev, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("is_active", true) },
		Order: []orm.Order{orm.Desc("created_at")},
	})
	if err == nil {
		oldKey = &prev
	} else if !errors.Is(err, orm.ErrNotFound) {
		return nil, fmt.Errorf("load previous key: %w", err)
	}

	newKey, err := s.GenerateKeyPair(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("rotate keys: %w", err)
	}

	rotation := &models.JWKSKeyRotation{
		ID:             uuid.NewString(),
		NewKeyID:       newKey.KeyID,
		RotationReason: reason,
		RotatedAt:      now,
	}

	if oldKey != nil {
		rotation.OldKeyID = &oldKey.KeyID
		// A live old key stays active through the grace period so outstanding
		// tokens keep verifying; it just stops signing. A key that already
		// expired keeps its original expiry, never a fresh grace window.
		if oldKey.ExpiresAt == nil || oldKey.ExpiresAt.After(now) {
			grace := now.Add(s.cfg.GracePeriod)
			_, err = s.orm.UpdateMany(ctx, (*models.JWKSKey)(nil),
				map[string]any{"expires_at": grace},
				func(b orm.B) orm.Pred { return b.Eq("key_id", oldKey.KeyID) },
			)
			if err != nil {
				return nil, fmt.Errorf("demote previous key: %w", err)
			}
		}
	}

	if err := s.orm.Create(ctx, rotation); err != nil {
		return nil, fmt.Errorf("record rotation: %w", err)
	}

	s.invalidateCaches()
	return newKey, nil
}

// getKeyByKid loads a key by kid regardless of active/grace state.
// Verification must be able to load any key a token references.
func (s *Service) getKeyByKid(ctx context.Context, kid string) (*models.JWKSKey, error) {
	if key, ok := s.keysByKid.Get(kid); ok {
		return key, nil
	}

	var key models.JWKSKey
	err := s.orm.FindFirst(ctx, &key, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("key_id", kid) },
	})
	if err != nil {
		if errors.Is(err, orm.ErrNotFound) {
			return nil, ErrUnknownKey
		}
		return nil, fmt.Errorf("load key %s: %w", kid, err)
	}

	s.keysByKid.Add(kid, &key)
	return &key, nil
}

// SignJWT signs payload with the chosen key (active key when keyID is
// empty). Standard claims iss/iat/exp are stamped by the service; payload
// entries ride alongside. Returns the compact JWS and its expiry.
func (s *Service) SignJWT(ctx context.Context, payload map[string]any, keyID string, ttl time.Duration) (string, time.Time, error) {
	var key *models.JWKSKey
	var err error
	if keyID == "" {
		key, err = s.GetActiveKey(ctx)
	} else {
		key, err = s.getKeyByKid(ctx, keyID)
	}
	if err != nil {
		return "", time.Time{}, err
	}

	var privJWK jose.JSONWebKey
	if err := privJWK.UnmarshalJSON([]byte(key.PrivateKey)); err != nil {
		return "", time.Time{}, fmt.Errorf("unmarshal private jwk: %w", err)
	}

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(key.Algorithm),
		Key:       &privJWK,
	}, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create signer: %w", err)
	}

	if ttl <= 0 {
		ttl = s.cfg.AccessTokenTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := josejwt.Claims{
		Issuer:   s.cfg.Issuer,
		IssuedAt: josejwt.NewNumericDate(now),
		Expiry:   josejwt.NewNumericDate(expiresAt),
	}
	if sub, ok := payload["sub"].(string); ok {
		claims.Subject = sub
	}

	token, err := josejwt.Signed(signer).Claims(claims).Claims(payload).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	// Usage bookkeeping is best effort; stats may undercount under races.
	_, _ = s.orm.UpdateMany(ctx, (*models.JWKSKey)(nil),
		map[string]any{"usage_count": key.UsageCount + 1, "last_used_at": now},
		func(b orm.B) orm.Pred { return b.Eq("key_id", key.KeyID) },
	)

	return token, expiresAt, nil
}

// VerifyJWT verifies a compact JWS and returns its claims. Fails closed on
// blacklist hits, missing or unknown kid, signature mismatch, expiry, and
// issuer mismatch.
func (s *Service) VerifyJWT(ctx context.Context, token string) (map[string]any, error) {
	blacklisted, err := s.IsTokenBlacklisted(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("check blacklist: %w", err)
	}
	if blacklisted {
		return nil, ErrTokenBlacklisted
	}

	parsed, err := josejwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(parsed.Headers) == 0 {
		return nil, ErrInvalidToken
	}
	kid := parsed.Headers[0].KeyID
	if kid == "" {
		return nil, ErrMissingKeyID
	}

	key, err := s.getKeyByKid(ctx, kid)
	if err != nil {
		return nil, err
	}

	var pubJWK jose.JSONWebKey
	if err := pubJWK.UnmarshalJSON([]byte(key.PublicKey)); err != nil {
		return nil, fmt.Errorf("unmarshal public jwk: %w", err)
	}

	var std josejwt.Claims
	var all map[string]any
	if err := parsed.Claims(pubJWK.Key, &std, &all); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if err := std.Validate(josejwt.Expected{Issuer: s.cfg.Issuer, Time: time.Now()}); err != nil {
		switch {
		case errors.Is(err, josejwt.ErrExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, josejwt.ErrInvalidIssuer):
			return nil, ErrWrongIssuer
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	return all, nil
}

// GetPublicJWKS returns the published key set: the JWK form of every active
// key plus use/alg metadata. Cached for the configured cache TTL.
func (s *Service) GetPublicJWKS(ctx context.Context) (map[string]any, error) {
	if doc, ok := s.jwksCache.Get("jwks"); ok {
		return doc, nil
	}

	keys, err := s.GetAllActiveKeys(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		var entry map[string]any
		if err := json.Unmarshal([]byte(key.PublicKey), &entry); err != nil {
			return nil, fmt.Errorf("decode public jwk %s: %w", key.KeyID, err)
		}
		entry["use"] = "sig"
		entry["alg"] = key.Algorithm
		entries = append(entries, entry)
	}

	doc := map[string]any{"keys": entries}
	s.jwksCache.Add("jwks", doc)
	return doc, nil
}
