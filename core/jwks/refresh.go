package jwks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SOG-web/reauth-sub000/internal/db/models"
	"github.com/SOG-web/reauth-sub000/internal/tokens"
	"github.com/SOG-web/reauth-sub000/orm"
)

var (
	// ErrRefreshTokenInvalid is returned when no live row matches the token.
	ErrRefreshTokenInvalid = errors.New("invalid refresh token")

	// ErrRefreshTokenExpired is returned for refresh tokens past their expiry.
	ErrRefreshTokenExpired = errors.New("refresh token has expired")
)

// TokenPair bundles an access token with its companion refresh token.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RefreshDevice carries optional client device attributes recorded with a
// refresh token for audit and revocation decisions.
type RefreshDevice struct {
	Fingerprint string
	IPAddress   string
	UserAgent   string
}

func deviceFromMap(deviceInfo map[string]any) RefreshDevice {
	var d RefreshDevice
	if deviceInfo == nil {
		return d
	}
	if v, ok := deviceInfo["fingerprint"].(string); ok {
		d.Fingerprint = v
	}
	if v, ok := deviceInfo["ip_address"].(string); ok {
		d.IPAddress = v
	}
	if v, ok := deviceInfo["user_agent"].(string); ok {
		d.UserAgent = v
	}
	return d
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GenerateRefreshToken mints a refresh token for a subject. Only the SHA-256
// hash of the raw token is persisted; the raw value is returned once and
// cannot be recovered afterwards.
func (s *Service) GenerateRefreshToken(ctx context.Context, subjectType, subjectID string, deviceInfo map[string]any) (string, *models.RefreshToken, error) {
	raw, err := tokens.NewRefreshToken()
	if err != nil {
		return "", nil, fmt.Errorf("generate refresh token: %w", err)
	}

	device := deviceFromMap(deviceInfo)
	now := time.Now()
	row := &models.RefreshToken{
		ID:                uuid.NewString(),
		TokenID:           uuid.NewString(),
		SubjectType:       subjectType,
		SubjectID:         subjectID,
		TokenHash:         tokens.HashToken(raw),
		ExpiresAt:         now.Add(s.cfg.RefreshTokenTTL),
		CreatedAt:         now,
		DeviceFingerprint: strPtr(device.Fingerprint),
		IPAddress:         strPtr(device.IPAddress),
		UserAgent:         strPtr(device.UserAgent),
	}

	if err := s.orm.Create(ctx, row); err != nil {
		return "", nil, fmt.Errorf("persist refresh token: %w", err)
	}
	return raw, row, nil
}

// ValidateRefreshToken resolves a raw refresh token to its unrevoked row.
// Expired tokens are revoked on sight and reported as expired.
func (s *Service) ValidateRefreshToken(ctx context.Context, raw string) (*models.RefreshToken, error) {
	hash := tokens.HashToken(raw)

	var row models.RefreshToken
	err := s.orm.FindFirst(ctx, &row, orm.Query{
		Where: func(b orm.B) orm.Pred {
			return b.And(b.Eq("token_hash", hash), b.Eq("is_revoked", false))
		},
	})
	if err != nil {
		if errors.Is(err, orm.ErrNotFound) {
			return nil, ErrRefreshTokenInvalid
		}
		return nil, fmt.Errorf("load refresh token: %w", err)
	}

	if !row.ExpiresAt.After(time.Now()) {
		if err := s.revokeByHash(ctx, hash, models.RevocationReasonExpired); err != nil {
			return nil, err
		}
		return nil, ErrRefreshTokenExpired
	}

	return &row, nil
}

// CreateTokenPair signs an access token for payload and mints a companion
// refresh token bound to the given subject.
func (s *Service) CreateTokenPair(ctx context.Context, payload map[string]any, subjectType, subjectID string, deviceInfo map[string]any, ttl time.Duration) (*TokenPair, error) {
	access, expiresAt, err := s.SignJWT(ctx, payload, "", ttl)
	if err != nil {
		return nil, err
	}

	refresh, _, err := s.GenerateRefreshToken(ctx, subjectType, subjectID, deviceInfo)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}, nil
}

// RefreshAccessToken exchanges a valid refresh token for a new access token.
// With rotation enabled the presented refresh token is revoked and a fresh
// one issued, so each refresh token works exactly once. Under a concurrent
// double spend one caller wins; the loser gets ErrRefreshTokenInvalid and
// must re-authenticate.
func (s *Service) RefreshAccessToken(ctx context.Context, raw string, ttl time.Duration) (*TokenPair, error) {
	row, err := s.ValidateRefreshToken(ctx, raw)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	_, _ = s.orm.UpdateMany(ctx, (*models.RefreshToken)(nil),
		map[string]any{"last_used_at": now},
		func(b orm.B) orm.Pred { return b.Eq("token_id", row.TokenID) },
	)

	payload := map[string]any{
		"sub":          row.SubjectID,
		"subject_type": row.SubjectType,
	}
	access, expiresAt, err := s.SignJWT(ctx, payload, "", ttl)
	if err != nil {
		return nil, err
	}

	refresh := raw
	if s.cfg.RotationEnabled {
		n, err := s.orm.UpdateMany(ctx, (*models.RefreshToken)(nil),
			map[string]any{
				"is_revoked":        true,
				"revoked_at":        now,
				"revocation_reason": models.RevocationReasonRotation,
			},
			func(b orm.B) orm.Pred {
				return b.And(b.Eq("token_id", row.TokenID), b.Eq("is_revoked", false))
			},
		)
		if err != nil {
			return nil, fmt.Errorf("revoke rotated refresh token: %w", err)
		}
		if n == 0 {
			// Lost the rotation race to a concurrent refresh.
			return nil, ErrRefreshTokenInvalid
		}

		deviceInfo := map[string]any{}
		if row.DeviceFingerprint != nil {
			deviceInfo["fingerprint"] = *row.DeviceFingerprint
		}
		if row.IPAddress != nil {
			deviceInfo["ip_address"] = *row.IPAddress
		}
		if row.UserAgent != nil {
			deviceInfo["user_agent"] = *row.UserAgent
		}
		refresh, _, err = s.GenerateRefreshToken(ctx, row.SubjectType, row.SubjectID, deviceInfo)
		if err != nil {
			return nil, err
		}
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) revokeByHash(ctx context.Context, hash string, reason models.RevocationReason) error {
	now := time.Now()
	_, err := s.orm.UpdateMany(ctx, (*models.RefreshToken)(nil),
		map[string]any{
			"is_revoked":        true,
			"revoked_at":        now,
			"revocation_reason": reason,
		},
		func(b orm.B) orm.Pred {
			return b.And(b.Eq("token_hash", hash), b.Eq("is_revoked", false))
		},
	)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshToken revokes a single refresh token by its raw value.
// Already-revoked and unknown tokens are a no-op.
func (s *Service) RevokeRefreshToken(ctx context.Context, raw string, reason models.RevocationReason) error {
	return s.revokeByHash(ctx, tokens.HashToken(raw), reason)
}

// RevokeAllRefreshTokens revokes every live refresh token of a subject and
// returns how many were revoked.
func (s *Service) RevokeAllRefreshTokens(ctx context.Context, subjectType, subjectID string, reason models.RevocationReason) (int64, error) {
	now := time.Now()
	n, err := s.orm.UpdateMany(ctx, (*models.RefreshToken)(nil),
		map[string]any{
			"is_revoked":        true,
			"revoked_at":        now,
			"revocation_reason": reason,
		},
		func(b orm.B) orm.Pred {
			return b.And(
				b.Eq("subject_type", subjectType),
				b.Eq("subject_id", subjectID),
				b.Eq("is_revoked", false),
			)
		},
	)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens for subject: %w", err)
	}
	return n, nil
}
