package jwks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth-sub000/internal/db/dbtest"
	"github.com/SOG-web/reauth-sub000/internal/db/models"
	"github.com/SOG-web/reauth-sub000/internal/tokens"
	"github.com/SOG-web/reauth-sub000/orm"
)

func newRotatingService(t *testing.T, rotationEnabled bool) (*Service, orm.ORM) {
	t.Helper()
	o := orm.NewBun(dbtest.NewDB(t))
	svc, err := NewService(o, Config{
		Issuer:          "https://auth.test",
		RotationEnabled: rotationEnabled,
	})
	require.NoError(t, err)
	return svc, o
}

func TestGenerateRefreshToken_StoresOnlyHash(t *testing.T) {
	svc, o := newRotatingService(t, true)
	ctx := context.Background()

	raw, row, err := svc.GenerateRefreshToken(ctx, "user", "subject-1", map[string]any{
		"fingerprint": "fp-1",
		"ip_address":  "10.0.0.1",
		"user_agent":  "test-agent",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	assert.Equal(t, tokens.HashToken(raw), row.TokenHash)
	assert.NotEqual(t, raw, row.TokenHash)
	require.NotNil(t, row.DeviceFingerprint)
	assert.Equal(t, "fp-1", *row.DeviceFingerprint)

	// The raw token appears nowhere in the table.
	n, err := o.Count(ctx, (*models.RefreshToken)(nil), func(b orm.B) orm.Pred {
		return b.Eq("token_hash", raw)
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestValidateRefreshToken(t *testing.T) {
	svc, o := newRotatingService(t, true)
	ctx := context.Background()

	raw, row, err := svc.GenerateRefreshToken(ctx, "user", "subject-1", nil)
	require.NoError(t, err)

	t.Run("valid token resolves", func(t *testing.T) {
		found, err := svc.ValidateRefreshToken(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, row.TokenID, found.TokenID)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := svc.ValidateRefreshToken(ctx, "bogus")
		assert.ErrorIs(t, err, ErrRefreshTokenInvalid)
	})

	t.Run("expired token is revoked on sight", func(t *testing.T) {
		_, err := o.UpdateMany(ctx, (*models.RefreshToken)(nil),
			map[string]any{"expires_at": time.Now().Add(-time.Minute)},
			func(b orm.B) orm.Pred { return b.Eq("token_id", row.TokenID) },
		)
		require.NoError(t, err)

		_, err = svc.ValidateRefreshToken(ctx, raw)
		assert.ErrorIs(t, err, ErrRefreshTokenExpired)

		var revoked models.RefreshToken
		require.NoError(t, o.FindFirst(ctx, &revoked, orm.Query{
			Where: func(b orm.B) orm.Pred { return b.Eq("token_id", row.TokenID) },
		}))
		assert.True(t, revoked.IsRevoked)
		require.NotNil(t, revoked.RevocationReason)
		assert.Equal(t, models.RevocationReasonExpired, *revoked.RevocationReason)
	})
}

func TestRefreshAccessToken_RotatesSingleUse(t *testing.T) {
	svc, _ := newRotatingService(t, true)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, map[string]any{
		"sub":          "subject-1",
		"subject_type": "user",
	}, "user", "subject-1", nil, 0)
	require.NoError(t, err)

	refreshed, err := svc.RefreshAccessToken(ctx, pair.RefreshToken, 0)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, refreshed.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, refreshed.RefreshToken)

	claims, err := svc.VerifyJWT(ctx, refreshed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "subject-1", claims["sub"])
	assert.Equal(t, "user", claims["subject_type"])

	// Replay of the spent refresh token is rejected.
	_, err = svc.RefreshAccessToken(ctx, pair.RefreshToken, 0)
	assert.ErrorIs(t, err, ErrRefreshTokenInvalid)

	// The replacement still works.
	_, err = svc.RefreshAccessToken(ctx, refreshed.RefreshToken, 0)
	assert.NoError(t, err)
}

func TestRefreshAccessToken_RotationDisabledKeepsToken(t *testing.T) {
	svc, _ := newRotatingService(t, false)
	ctx := context.Background()

	raw, _, err := svc.GenerateRefreshToken(ctx, "user", "subject-1", nil)
	require.NoError(t, err)

	first, err := svc.RefreshAccessToken(ctx, raw, 0)
	require.NoError(t, err)
	assert.Equal(t, raw, first.RefreshToken)

	second, err := svc.RefreshAccessToken(ctx, raw, 0)
	require.NoError(t, err)
	assert.Equal(t, raw, second.RefreshToken)
}

func TestRevokeRefreshTokens(t *testing.T) {
	svc, o := newRotatingService(t, true)
	ctx := context.Background()

	raw1, _, err := svc.GenerateRefreshToken(ctx, "user", "subject-1", nil)
	require.NoError(t, err)
	raw2, _, err := svc.GenerateRefreshToken(ctx, "user", "subject-1", nil)
	require.NoError(t, err)
	other, _, err := svc.GenerateRefreshToken(ctx, "user", "subject-2", nil)
	require.NoError(t, err)

	t.Run("single revoke is idempotent", func(t *testing.T) {
		require.NoError(t, svc.RevokeRefreshToken(ctx, raw1, models.RevocationReasonLogout))
		require.NoError(t, svc.RevokeRefreshToken(ctx, raw1, models.RevocationReasonLogout))

		_, err := svc.ValidateRefreshToken(ctx, raw1)
		assert.ErrorIs(t, err, ErrRefreshTokenInvalid)
	})

	t.Run("revoke all for subject", func(t *testing.T) {
		n, err := svc.RevokeAllRefreshTokens(ctx, "user", "subject-1", models.RevocationReasonSecurity)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n) // raw1 already revoked

		_, err = svc.ValidateRefreshToken(ctx, raw2)
		assert.ErrorIs(t, err, ErrRefreshTokenInvalid)

		// Unrelated subjects are untouched.
		_, err = svc.ValidateRefreshToken(ctx, other)
		assert.NoError(t, err)

		live, err := o.Count(ctx, (*models.RefreshToken)(nil), func(b orm.B) orm.Pred {
			return b.And(b.Eq("subject_id", "subject-1"), b.Eq("is_revoked", false))
		})
		require.NoError(t, err)
		assert.Zero(t, live)
	})
}

func TestCleanupExpiredRefreshTokens(t *testing.T) {
	svc, o := newRotatingService(t, true)
	ctx := context.Background()

	_, stale, err := svc.GenerateRefreshToken(ctx, "user", "subject-1", nil)
	require.NoError(t, err)
	fresh, _, err := svc.GenerateRefreshToken(ctx, "user", "subject-1", nil)
	require.NoError(t, err)

	_, err = o.UpdateMany(ctx, (*models.RefreshToken)(nil),
		map[string]any{"expires_at": time.Now().Add(-time.Hour)},
		func(b orm.B) orm.Pred { return b.Eq("token_id", stale.TokenID) },
	)
	require.NoError(t, err)

	n, err := svc.CleanupExpiredRefreshTokens(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = svc.ValidateRefreshToken(ctx, fresh)
	assert.NoError(t, err)
}
