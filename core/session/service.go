// Package session issues, verifies, refreshes, and destroys sessions.
//
// Two modes: opaque (random handle from a token factory) and JWT (backed by
// the jwks service, tokens come as access/refresh pairs). Both modes write
// one session row per active access token, keyed by the token string, so
// logout and listing share a single path. Enhanced mode adds device and
// metadata side rows.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/SOG-web/reauth-sub000/core/jwks"
	"github.com/SOG-web/reauth-sub000/internal/db/models"
	"github.com/SOG-web/reauth-sub000/internal/tokens"
	"github.com/SOG-web/reauth-sub000/orm"
)

var (
	// ErrTTLTooShort is returned for session TTLs under the 30s floor.
	ErrTTLTooShort = errors.New("session ttl must be at least 30 seconds")
)

const (
	defaultSessionTTL = 24 * time.Hour
	minSessionTTL     = 30 * time.Second

	// Sessions expiring within this window are refreshed pre-emptively.
	refreshWindow = 60 * time.Second
)

// Config holds session service configuration.
type Config struct {
	// SessionTTL is the default session lifetime when the caller passes none.
	SessionTTL time.Duration

	// TokenFactory mints opaque tokens. Defaults to a base58 random token.
	TokenFactory func() (string, error)

	// Enhanced enables device and metadata side rows.
	Enhanced bool

	// DeviceValidator, when set, gates verification on device match.
	DeviceValidator DeviceValidator

	// GetUserData loads extra subject data for inclusion in JWT payloads.
	GetUserData func(ctx context.Context, subjectID string, o orm.ORM) (map[string]any, error)
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.TokenFactory == nil {
		c.TokenFactory = tokens.NewOpaqueToken
	}
	return c
}

// Service is the session service. A nil jwks service selects opaque mode.
type Service struct {
	orm       orm.ORM
	jwks      *jwks.Service
	resolvers *ResolverRegistry
	cfg       Config
}

// NewService creates a session service. Pass a nil jwksService for opaque
// mode.
func NewService(o orm.ORM, jwksService *jwks.Service, resolvers *ResolverRegistry, cfg Config) *Service {
	return &Service{
		orm:       o,
		jwks:      jwksService,
		resolvers: resolvers,
		cfg:       cfg.withDefaults(),
	}
}

// JWTMode reports whether the service issues JWT token pairs.
func (s *Service) JWTMode() bool {
	return s.jwks != nil
}

// Resolvers returns the subject resolver registry.
func (s *Service) Resolvers() *ResolverRegistry {
	return s.resolvers
}

// Options carries optional session creation parameters.
type Options struct {
	TTL        time.Duration
	DeviceInfo map[string]any
	Metadata   map[string]any
}

// Verification is the result of a successful session check.
type Verification struct {
	// Subject is the sanitized principal, or nil when its subject_type has
	// no registered resolver.
	Subject any

	// Token is the credential the caller should keep using; it differs from
	// the presented one after a pre-emptive refresh.
	Token Token

	// Type is "jwt" or "opaque".
	Type string

	// Payload holds the verified JWT claims in JWT mode.
	Payload map[string]any
}

// CreateSession issues a session for a subject. Zero ttl uses the default.
func (s *Service) CreateSession(ctx context.Context, subjectType, subjectID string, ttl time.Duration) (Token, error) {
	return s.CreateSessionWithMetadata(ctx, subjectType, subjectID, Options{TTL: ttl})
}

// CreateSessionWithMetadata issues a session with optional device info and
// metadata. In JWT mode the access token's exp becomes the session row's
// expires_at, so the two never drift.
func (s *Service) CreateSessionWithMetadata(ctx context.Context, subjectType, subjectID string, opts Options) (Token, error) {
	if opts.TTL != 0 && opts.TTL < minSessionTTL {
		return NoToken(), ErrTTLTooShort
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = s.cfg.SessionTTL
	}

	var userData map[string]any
	if s.cfg.GetUserData != nil {
		data, err := s.cfg.GetUserData(ctx, subjectID, s.orm)
		if err != nil {
			return NoToken(), fmt.Errorf("load user data: %w", err)
		}
		userData = data
	}

	now := time.Now()
	var token Token
	var expiresAt time.Time

	if s.jwks != nil {
		payload := map[string]any{
			"sub":          subjectID,
			"subject_type": subjectType,
		}
		if userData != nil {
			payload["userData"] = userData
		}
		if opts.DeviceInfo != nil {
			payload["deviceInfo"] = opts.DeviceInfo
		}

		pair, err := s.jwks.CreateTokenPair(ctx, payload, subjectType, subjectID, opts.DeviceInfo, ttl)
		if err != nil {
			return NoToken(), fmt.Errorf("create token pair: %w", err)
		}
		token = PairToken(pair.AccessToken, pair.RefreshToken)
		// The signed token's own exp is authoritative for the row.
		expiresAt = pair.ExpiresAt
		if exp := jwtExpiry(pair.AccessToken); exp != nil {
			expiresAt = *exp
		}
	} else {
		raw, err := s.cfg.TokenFactory()
		if err != nil {
			return NoToken(), fmt.Errorf("mint session token: %w", err)
		}
		token = OpaqueToken(raw)
		expiresAt = now.Add(ttl)
	}

	row := &models.Session{
		ID:          uuid.NewString(),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Token:       token.AccessToken(),
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
	}
	if err := s.orm.Create(ctx, row); err != nil {
		return NoToken(), fmt.Errorf("persist session: %w", err)
	}

	if s.cfg.Enhanced {
		if err := s.writeSideRows(ctx, row.ID, opts.DeviceInfo, opts.Metadata); err != nil {
			return NoToken(), err
		}
	}

	return token, nil
}

func (s *Service) writeSideRows(ctx context.Context, sessionID string, deviceInfo, metadata map[string]any) error {
	now := time.Now()
	if deviceInfo != nil {
		device := &models.SessionDevice{
			ID:         uuid.NewString(),
			SessionID:  sessionID,
			DeviceInfo: models.JSONMap(deviceInfo),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.orm.Create(ctx, device); err != nil {
			return fmt.Errorf("persist session device: %w", err)
		}
	}
	for key, value := range metadata {
		entry := &models.SessionMetadata{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Key:       key,
		}
		if m, ok := value.(map[string]any); ok {
			entry.Value = models.JSONMap(m)
		} else {
			entry.Value = models.JSONMap{"value": value}
		}
		if err := s.orm.Create(ctx, entry); err != nil {
			return fmt.Errorf("persist session metadata: %w", err)
		}
	}
	return nil
}

// VerifySession checks a token and resolves its subject. Authentication
// failures of any kind return (nil, nil) — the caller only sees valid or
// not. A non-nil error means storage trouble, not a bad token.
//
// Sessions within 60s of expiry are refreshed pre-emptively when a refresh
// token is presented. Two concurrent verifications of the same near-expiry
// token may both attempt the refresh; rotation makes one win and the other
// gets (nil, nil) and must re-authenticate.
func (s *Service) VerifySession(ctx context.Context, token Token, deviceInfo map[string]any) (*Verification, error) {
	if token.IsZero() || token.AccessToken() == "" {
		return nil, nil
	}
	accessToken := token.AccessToken()

	var row models.Session
	err := s.orm.FindFirst(ctx, &row, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("token", accessToken) },
	})
	if err != nil {
		if errors.Is(err, orm.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	now := time.Now()
	sessionExpired := row.ExpiresAt != nil && !row.ExpiresAt.After(now)
	needsRefresh := row.ExpiresAt != nil && !row.ExpiresAt.After(now.Add(refreshWindow))

	verType := "opaque"
	var payload map[string]any
	if s.jwks != nil {
		claims, verifyErr := s.jwks.VerifyJWT(ctx, accessToken)
		if verifyErr == nil {
			verType = "jwt"
			payload = claims
		}
		// Verification failure falls back to opaque semantics: the session
		// row existing is the proof. Expiry still applies below.
	}

	if s.cfg.DeviceValidator != nil {
		stored, err := s.storedDeviceInfo(ctx, row.ID, payload)
		if err != nil {
			return nil, err
		}
		// No stored device info means validation is skipped, not failed.
		if stored != nil && !s.cfg.DeviceValidator(stored, deviceInfo) {
			return nil, nil
		}
	}

	if (sessionExpired || needsRefresh) && token.RefreshToken() != "" && s.jwks != nil {
		return s.refreshSession(ctx, &row, token.RefreshToken())
	}

	if sessionExpired {
		if err := s.deleteSessionRows(ctx, &row); err != nil {
			return nil, err
		}
		return nil, nil
	}

	subject, ok, err := s.resolveSubject(ctx, row.SubjectType, row.SubjectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return &Verification{Subject: subject, Token: token, Type: verType, Payload: payload}, nil
}

// storedDeviceInfo prefers the JWT payload copy, then the session_device row.
func (s *Service) storedDeviceInfo(ctx context.Context, sessionID string, payload map[string]any) (map[string]any, error) {
	if payload != nil {
		if info, ok := payload["deviceInfo"].(map[string]any); ok {
			return info, nil
		}
	}

	var device models.SessionDevice
	err := s.orm.FindFirst(ctx, &device, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("session_id", sessionID) },
	})
	if err != nil {
		if errors.Is(err, orm.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session device: %w", err)
	}
	return map[string]any(device.DeviceInfo), nil
}

// refreshSession rotates an expiring session onto a fresh token pair. The
// old row is deleted before the new one is inserted so the token uniqueness
// constraint holds; device and metadata rows move to the new session id.
func (s *Service) refreshSession(ctx context.Context, old *models.Session, refreshToken string) (*Verification, error) {
	pair, err := s.jwks.RefreshAccessToken(ctx, refreshToken, 0)
	if err != nil {
		// Broken refresh path: drop the session and burn the refresh token.
		if delErr := s.deleteSessionRows(ctx, old); delErr != nil {
			return nil, delErr
		}
		if revErr := s.jwks.RevokeRefreshToken(ctx, refreshToken, models.RevocationReasonSecurity); revErr != nil {
			log.Printf("session refresh: revoke refresh token: %v", revErr)
		}
		return nil, nil
	}

	if _, err := s.orm.DeleteMany(ctx, (*models.Session)(nil),
		func(b orm.B) orm.Pred { return b.Eq("id", old.ID) },
	); err != nil {
		return nil, fmt.Errorf("delete refreshed session: %w", err)
	}

	expiresAt := pair.ExpiresAt
	if exp := jwtExpiry(pair.AccessToken); exp != nil {
		expiresAt = *exp
	}
	newRow := &models.Session{
		ID:          uuid.NewString(),
		SubjectType: old.SubjectType,
		SubjectID:   old.SubjectID,
		Token:       pair.AccessToken,
		ExpiresAt:   &expiresAt,
		CreatedAt:   time.Now(),
	}
	if err := s.orm.Create(ctx, newRow); err != nil {
		return nil, fmt.Errorf("persist refreshed session: %w", err)
	}

	for _, model := range []any{(*models.SessionDevice)(nil), (*models.SessionMetadata)(nil)} {
		if _, err := s.orm.UpdateMany(ctx, model,
			map[string]any{"session_id": newRow.ID},
			func(b orm.B) orm.Pred { return b.Eq("session_id", old.ID) },
		); err != nil {
			return nil, fmt.Errorf("transfer session side rows: %w", err)
		}
	}

	payload, err := s.jwks.VerifyJWT(ctx, pair.AccessToken)
	if err != nil {
		log.Printf("session refresh: verify new access token: %v", err)
		payload = nil
	}

	subject, ok, err := s.resolveSubject(ctx, old.SubjectType, old.SubjectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return &Verification{
		Subject: subject,
		Token:   PairToken(pair.AccessToken, pair.RefreshToken),
		Type:    "jwt",
		Payload: payload,
	}, nil
}

// resolveSubject loads and sanitizes the principal. ok=false means the
// subject is gone; an unregistered subject_type yields (nil, true) so the
// caller still gets the token back.
func (s *Service) resolveSubject(ctx context.Context, subjectType, subjectID string) (any, bool, error) {
	resolver, registered := s.resolvers.Get(subjectType)
	if !registered {
		return nil, true, nil
	}

	subject, err := resolver.GetByID(ctx, subjectID, s.orm)
	if err != nil {
		return nil, false, fmt.Errorf("resolve subject %s/%s: %w", subjectType, subjectID, err)
	}
	if subject == nil {
		return nil, false, nil
	}
	if resolver.Sanitize != nil {
		subject = resolver.Sanitize(subject)
	}
	return subject, true, nil
}

// deleteSessionRows removes a session row and its side rows. Side rows go
// first so a crash never leaves them orphaned behind a deleted session.
func (s *Service) deleteSessionRows(ctx context.Context, row *models.Session) error {
	for _, model := range []any{(*models.SessionDevice)(nil), (*models.SessionMetadata)(nil)} {
		if _, err := s.orm.DeleteMany(ctx, model,
			func(b orm.B) orm.Pred { return b.Eq("session_id", row.ID) },
		); err != nil {
			return fmt.Errorf("delete session side rows: %w", err)
		}
	}
	if _, err := s.orm.DeleteMany(ctx, (*models.Session)(nil),
		func(b orm.B) orm.Pred { return b.Eq("id", row.ID) },
	); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DestroySession removes a session. In JWT mode the access token is
// blacklisted and the refresh token revoked. Idempotent: destroying an
// unknown token is a no-op.
func (s *Service) DestroySession(ctx context.Context, token Token) error {
	if token.IsZero() || token.AccessToken() == "" {
		return nil
	}

	var row models.Session
	err := s.orm.FindFirst(ctx, &row, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("token", token.AccessToken()) },
	})
	if err != nil {
		if errors.Is(err, orm.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load session: %w", err)
	}

	if s.jwks != nil {
		if err := s.jwks.BlacklistToken(ctx, token.AccessToken(), models.BlacklistReasonLogout); err != nil {
			return err
		}
		if token.RefreshToken() != "" {
			if err := s.jwks.RevokeRefreshToken(ctx, token.RefreshToken(), models.RevocationReasonLogout); err != nil {
				return err
			}
		}
	}

	return s.deleteSessionRows(ctx, &row)
}

// DestroyAllSessions removes every session of a subject. In JWT mode all
// tokens are blacklisted and every live refresh token revoked.
func (s *Service) DestroyAllSessions(ctx context.Context, subjectType, subjectID string) error {
	var rows []models.Session
	err := s.orm.FindMany(ctx, &rows, orm.Query{
		Where: func(b orm.B) orm.Pred {
			return b.And(b.Eq("subject_type", subjectType), b.Eq("subject_id", subjectID))
		},
	})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	for i := range rows {
		if s.jwks != nil {
			if err := s.jwks.BlacklistToken(ctx, rows[i].Token, models.BlacklistReasonLogout); err != nil {
				return err
			}
		}
		if err := s.deleteSessionRows(ctx, &rows[i]); err != nil {
			return err
		}
	}

	if s.jwks != nil {
		if _, err := s.jwks.RevokeAllRefreshTokens(ctx, subjectType, subjectID, models.RevocationReasonLogout); err != nil {
			return err
		}
	}
	return nil
}

// Info is one active session with its side rows when enhanced mode is on.
type Info struct {
	Session  models.Session
	Device   *models.SessionDevice
	Metadata map[string]any
}

// ListSessionsForSubject returns a subject's active sessions, newest first.
func (s *Service) ListSessionsForSubject(ctx context.Context, subjectType, subjectID string) ([]Info, error) {
	now := time.Now()
	var rows []models.Session
	err := s.orm.FindMany(ctx, &rows, orm.Query{
		Where: func(b orm.B) orm.Pred {
			return b.And(
				b.Eq("subject_type", subjectType),
				b.Eq("subject_id", subjectID),
				b.Or(b.IsNull("expires_at"), b.Gt("expires_at", now)),
			)
		},
		Order: []orm.Order{orm.Desc("created_at")},
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	infos := make([]Info, 0, len(rows))
	for i := range rows {
		info := Info{Session: rows[i]}
		if s.cfg.Enhanced {
			var device models.SessionDevice
			err := s.orm.FindFirst(ctx, &device, orm.Query{
				Where: func(b orm.B) orm.Pred { return b.Eq("session_id", rows[i].ID) },
			})
			if err == nil {
				info.Device = &device
			} else if !errors.Is(err, orm.ErrNotFound) {
				return nil, fmt.Errorf("load session device: %w", err)
			}

			var entries []models.SessionMetadata
			err = s.orm.FindMany(ctx, &entries, orm.Query{
				Where: func(b orm.B) orm.Pred { return b.Eq("session_id", rows[i].ID) },
			})
			if err != nil {
				return nil, fmt.Errorf("load session metadata: %w", err)
			}
			if len(entries) > 0 {
				info.Metadata = make(map[string]any, len(entries))
				for _, entry := range entries {
					info.Metadata[entry.Key] = map[string]any(entry.Value)
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// CleanupExpiredSessions removes expired session rows and their side rows.
// Returns the number of sessions removed.
func (s *Service) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	now := time.Now()
	var rows []models.Session
	err := s.orm.FindMany(ctx, &rows, orm.Query{
		Where: func(b orm.B) orm.Pred {
			return b.And(b.NotNull("expires_at"), b.Lt("expires_at", now))
		},
	})
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	var cleaned int64
	for i := range rows {
		if err := s.deleteSessionRows(ctx, &rows[i]); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}
