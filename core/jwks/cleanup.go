package jwks

import (
	"context"
	"fmt"
	"time"

	"github.com/SOG-web/reauth-sub000/internal/db/models"
	"github.com/SOG-web/reauth-sub000/orm"
)

// blacklistRetention is how long blacklisted tokens are kept after listing.
// Past that the token's own exp has long passed, so the row is dead weight.
const blacklistRetention = 24 * time.Hour

// CleanupExpiredKeys deactivates keys whose grace period has ended and
// removes inactive expired key rows. The rotation audit trail is never
// touched. Returns the number of rows deleted.
func (s *Service) CleanupExpiredKeys(ctx context.Context) (int64, error) {
	now := time.Now()

	// Keys past their grace window stop verifying first.
	_, err := s.orm.UpdateMany(ctx, (*models.JWKSKey)(nil),
		map[string]any{"is_active": false},
		func(b orm.B) orm.Pred {
			return b.And(b.Eq("is_active", true), b.Lt("expires_at", now))
		},
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired keys: %w", err)
	}

	n, err := s.orm.DeleteMany(ctx, (*models.JWKSKey)(nil),
		func(b orm.B) orm.Pred {
			return b.And(b.Eq("is_active", false), b.Lt("expires_at", now))
		},
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired keys: %w", err)
	}

	if n > 0 {
		s.invalidateCaches()
	}
	return n, nil
}

// CleanupBlacklistedTokens removes blacklist rows older than the retention
// window. Returns the number of rows deleted.
func (s *Service) CleanupBlacklistedTokens(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-blacklistRetention)
	n, err := s.orm.DeleteMany(ctx, (*models.JWTBlacklist)(nil),
		func(b orm.B) orm.Pred { return b.Lt("blacklisted_at", cutoff) },
	)
	if err != nil {
		return 0, fmt.Errorf("delete blacklisted tokens: %w", err)
	}
	return n, nil
}

// CleanupExpiredRefreshTokens removes refresh token rows past their expiry,
// revoked or not. Returns the number of rows deleted.
func (s *Service) CleanupExpiredRefreshTokens(ctx context.Context) (int64, error) {
	now := time.Now()
	n, err := s.orm.DeleteMany(ctx, (*models.RefreshToken)(nil),
		func(b orm.B) orm.Pred { return b.Lt("expires_at", now) },
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return n, nil
}
