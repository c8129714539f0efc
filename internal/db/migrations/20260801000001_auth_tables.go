package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/SOG-web/reauth-sub000/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20260801000001, down_20260801000001)
}

// up_20260801000001 creates the auth core tables: subjects, sessions (with
// device and metadata side tables), JWKS keys and rotation audit, the JWT
// blacklist, refresh tokens, relying-party clients, and the email-password
// plugin tables.
func up_20260801000001(ctx context.Context, db *bun.DB) error {
	// 1. Create subjects table
	fmt.Print(" [up] creating subjects table...")
	_, err := db.NewCreateTable().
		Model((*models.Subject)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create subjects table: %w", err)
	}
	fmt.Println(" OK")

	// 2. Create sessions table
	fmt.Print(" [up] creating sessions table...")
	_, err = db.NewCreateTable().
		Model((*models.Session)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	// Sessions are looked up by token on every verification
	_, err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token)`)
	if err != nil {
		return fmt.Errorf("failed to create sessions token index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(subject_type, subject_id)`)
	if err != nil {
		return fmt.Errorf("failed to create sessions subject index: %w", err)
	}
	fmt.Println(" OK")

	// 3. Create session_devices table
	fmt.Print(" [up] creating session_devices table...")
	_, err = db.NewCreateTable().
		Model((*models.SessionDevice)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create session_devices table: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_devices_session ON session_devices(session_id)`)
	if err != nil {
		return fmt.Errorf("failed to create session_devices session index: %w", err)
	}
	fmt.Println(" OK")

	// 4. Create session_metadata table
	fmt.Print(" [up] creating session_metadata table...")
	_, err = db.NewCreateTable().
		Model((*models.SessionMetadata)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create session_metadata table: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_metadata_session ON session_metadata(session_id)`)
	if err != nil {
		return fmt.Errorf("failed to create session_metadata session index: %w", err)
	}
	fmt.Println(" OK")

	// 5. Create jwks_keys table
	fmt.Print(" [up] creating jwks_keys table...")
	_, err = db.NewCreateTable().
		Model((*models.JWKSKey)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create jwks_keys table: %w", err)
	}
	_, err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_jwks_keys_key_id ON jwks_keys(key_id)`)
	if err != nil {
		return fmt.Errorf("failed to create jwks_keys key_id index: %w", err)
	}
	fmt.Println(" OK")

	// 6. Create jwks_key_rotations table
	fmt.Print(" [up] creating jwks_key_rotations table...")
	_, err = db.NewCreateTable().
		Model((*models.JWKSKeyRotation)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create jwks_key_rotations table: %w", err)
	}
	fmt.Println(" OK")

	// 7. Create jwt_blacklist table
	fmt.Print(" [up] creating jwt_blacklist table...")
	_, err = db.NewCreateTable().
		Model((*models.JWTBlacklist)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create jwt_blacklist table: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jwt_blacklist_token ON jwt_blacklist(token)`)
	if err != nil {
		return fmt.Errorf("failed to create jwt_blacklist token index: %w", err)
	}
	fmt.Println(" OK")

	// 8. Create refresh_tokens table
	fmt.Print(" [up] creating refresh_tokens table...")
	_, err = db.NewCreateTable().
		Model((*models.RefreshToken)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create refresh_tokens table: %w", err)
	}
	_, err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_refresh_tokens_token_id ON refresh_tokens(token_id)`)
	if err != nil {
		return fmt.Errorf("failed to create refresh_tokens token_id index: %w", err)
	}
	// At most one unrevoked row per hash; lookup is always by hash
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_token_hash ON refresh_tokens(token_hash)`)
	if err != nil {
		return fmt.Errorf("failed to create refresh_tokens token_hash index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_subject ON refresh_tokens(subject_type, subject_id)`)
	if err != nil {
		return fmt.Errorf("failed to create refresh_tokens subject index: %w", err)
	}
	fmt.Println(" OK")

	// 9. Create reauth_clients table
	fmt.Print(" [up] creating reauth_clients table...")
	_, err = db.NewCreateTable().
		Model((*models.ReauthClient)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create reauth_clients table: %w", err)
	}
	fmt.Println(" OK")

	// 10. Create user_credentials table (email-password plugin)
	fmt.Print(" [up] creating user_credentials table...")
	_, err = db.NewCreateTable().
		Model((*models.UserCredential)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create user_credentials table: %w", err)
	}
	_, err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_credentials_email ON user_credentials(email)`)
	if err != nil {
		return fmt.Errorf("failed to create user_credentials email index: %w", err)
	}
	fmt.Println(" OK")

	// 11. Create verification_codes table (email-password plugin)
	fmt.Print(" [up] creating verification_codes table...")
	_, err = db.NewCreateTable().
		Model((*models.VerificationCode)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create verification_codes table: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_verification_codes_subject ON verification_codes(subject_id)`)
	if err != nil {
		return fmt.Errorf("failed to create verification_codes subject index: %w", err)
	}
	fmt.Println(" OK")

	return nil
}

// down_20260801000001 drops all auth core tables in reverse order
func down_20260801000001(ctx context.Context, db *bun.DB) error {
	tables := []any{
		(*models.VerificationCode)(nil),
		(*models.UserCredential)(nil),
		(*models.ReauthClient)(nil),
		(*models.RefreshToken)(nil),
		(*models.JWTBlacklist)(nil),
		(*models.JWKSKeyRotation)(nil),
		(*models.JWKSKey)(nil),
		(*models.SessionMetadata)(nil),
		(*models.SessionDevice)(nil),
		(*models.Session)(nil),
		(*models.Subject)(nil),
	}

	for _, table := range tables {
		fmt.Print(" [down] dropping table...")
		_, err := db.NewDropTable().
			Model(table).
			IfExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to drop table: %w", err)
		}
		fmt.Println(" OK")
	}

	return nil
}
