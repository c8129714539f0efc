package jwks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SOG-web/reauth-sub000/internal/db/models"
	"github.com/SOG-web/reauth-sub000/orm"
)

// BlacklistToken puts a JWT on the blacklist. Every subsequent VerifyJWT of
// the same token fails with ErrTokenBlacklisted, even before its exp.
func (s *Service) BlacklistToken(ctx context.Context, token string, reason models.BlacklistReason) error {
	row := &models.JWTBlacklist{
		ID:            uuid.NewString(),
		Token:         token,
		Reason:        reason,
		BlacklistedAt: time.Now(),
	}
	if err := s.orm.Create(ctx, row); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}
	return nil
}

// IsTokenBlacklisted reports whether token is on the blacklist.
func (s *Service) IsTokenBlacklisted(ctx context.Context, token string) (bool, error) {
	n, err := s.orm.Count(ctx, (*models.JWTBlacklist)(nil),
		func(b orm.B) orm.Pred { return b.Eq("token", token) },
	)
	if err != nil {
		return false, fmt.Errorf("count blacklist entries: %w", err)
	}
	return n > 0, nil
}
