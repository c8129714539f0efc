// Package dbtest provides in-memory SQLite databases for tests, with the
// full schema created from the bun models.
package dbtest

import (
	"context"
	"testing"

	"github.com/uptrace/bun"

	"github.com/SOG-web/reauth-sub000/internal/db/bunx"
	"github.com/SOG-web/reauth-sub000/internal/db/models"
)

// allModels lists every table-backed model, creation order.
var allModels = []any{
	(*models.Subject)(nil),
	(*models.Session)(nil),
	(*models.SessionDevice)(nil),
	(*models.SessionMetadata)(nil),
	(*models.JWKSKey)(nil),
	(*models.JWKSKeyRotation)(nil),
	(*models.JWTBlacklist)(nil),
	(*models.RefreshToken)(nil),
	(*models.ReauthClient)(nil),
	(*models.UserCredential)(nil),
	(*models.VerificationCode)(nil),
}

// NewDB opens an in-memory SQLite database with all tables created. The
// database is closed when the test ends.
func NewDB(t *testing.T) *bun.DB {
	t.Helper()

	db, err := bunx.NewDB(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = bunx.Close(db) })

	ctx := context.Background()
	for _, model := range allModels {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			t.Fatalf("create table for %T: %v", model, err)
		}
	}
	return db
}
