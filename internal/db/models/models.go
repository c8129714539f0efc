package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// JSONMap stores arbitrary JSON objects in a single column.
// Malformed or absent JSON reads back as an empty map; readers must not
// assume well-formed payloads (device info and metadata come from clients).
type JSONMap map[string]any

// Scan implements sql.Scanner for reading from database
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = make(JSONMap)
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to scan JSONMap: expected []byte or string, got %T", value)
	}
	if len(bytes) == 0 {
		*m = make(JSONMap)
		return nil
	}
	if err := json.Unmarshal(bytes, m); err != nil {
		// Tolerate malformed JSON: fall back to an empty map.
		*m = make(JSONMap)
	}
	return nil
}

// Value implements driver.Valuer for writing to database
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Subject is the principal a session authenticates. Plugins extend it with
// their own columns (credentials, profile data) in their own tables keyed by
// subject id; the core never deletes subjects.
type Subject struct {
	bun.BaseModel `bun:"table:subjects,alias:sub"`

	ID        string    `bun:"id,pk,type:uuid"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// Session tracks one row per active access token, opaque or JWT.
// The row is keyed by the token string itself so opaque and JWT sessions
// share a single destroy/list path.
type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:sess"`

	ID          string     `bun:"id,pk,type:uuid"`
	SubjectType string     `bun:"subject_type,notnull"`
	SubjectID   string     `bun:"subject_id,notnull"`
	Token       string     `bun:"token,notnull,unique"`
	ExpiresAt   *time.Time `bun:"expires_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}

// SessionDevice stores device info for a session when enhanced mode is on.
// Zero or one row per session.
type SessionDevice struct {
	bun.BaseModel `bun:"table:session_devices,alias:sd"`

	ID         string    `bun:"id,pk,type:uuid"`
	SessionID  string    `bun:"session_id,notnull,type:uuid"`
	DeviceInfo JSONMap   `bun:"device_info,type:jsonb,notnull,default:'{}'"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt  time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// SessionMetadata stores one key/value entry per row. Zero-to-many per session.
type SessionMetadata struct {
	bun.BaseModel `bun:"table:session_metadata,alias:sm"`

	ID        string  `bun:"id,pk,type:uuid"`
	SessionID string  `bun:"session_id,notnull,type:uuid"`
	Key       string  `bun:"key,notnull"`
	Value     JSONMap `bun:"value,type:jsonb,notnull,default:'{}'"`
}

// JWKSKey holds an asymmetric signing key pair serialized as JWK JSON.
// At any moment at least one key is active and unexpired; rotated keys stay
// active through a grace period so outstanding tokens keep verifying.
type JWKSKey struct {
	bun.BaseModel `bun:"table:jwks_keys,alias:jk"`

	ID         string     `bun:"id,pk,type:uuid"`
	KeyID      string     `bun:"key_id,notnull,unique"`
	Algorithm  string     `bun:"algorithm,notnull"`
	PublicKey  string     `bun:"public_key,type:text,notnull"`
	PrivateKey string     `bun:"private_key,type:text,notnull"`
	IsActive   bool       `bun:"is_active,notnull,default:true"`
	CreatedAt  time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	ExpiresAt  *time.Time `bun:"expires_at"`
	LastUsedAt *time.Time `bun:"last_used_at"`
	UsageCount int64      `bun:"usage_count,notnull,default:0"`
}

// RotationReason explains why a key rotation happened.
type RotationReason string

const (
	RotationReasonScheduled  RotationReason = "scheduled"
	RotationReasonManual     RotationReason = "manual"
	RotationReasonCompromise RotationReason = "compromise"
)

// JWKSKeyRotation is the append-only audit trail of key rotations.
type JWKSKeyRotation struct {
	bun.BaseModel `bun:"table:jwks_key_rotations,alias:jkr"`

	ID             string         `bun:"id,pk,type:uuid"`
	OldKeyID       *string        `bun:"old_key_id"`
	NewKeyID       string         `bun:"new_key_id,notnull"`
	RotationReason RotationReason `bun:"rotation_reason,notnull"`
	RotatedAt      time.Time      `bun:"rotated_at,notnull,default:current_timestamp"`
}

// BlacklistReason explains why a JWT was revoked.
type BlacklistReason string

const (
	BlacklistReasonLogout     BlacklistReason = "logout"
	BlacklistReasonRevocation BlacklistReason = "revocation"
	BlacklistReasonSecurity   BlacklistReason = "security"
)

// JWTBlacklist tracks revoked JWTs. A blacklisted token never verifies.
type JWTBlacklist struct {
	bun.BaseModel `bun:"table:jwt_blacklist,alias:jbl"`

	ID            string          `bun:"id,pk,type:uuid"`
	Token         string          `bun:"token,type:text,notnull"`
	Reason        BlacklistReason `bun:"reason,notnull"`
	BlacklistedAt time.Time       `bun:"blacklisted_at,notnull,default:current_timestamp"`
}

// RevocationReason explains why a refresh token was revoked.
type RevocationReason string

const (
	RevocationReasonLogout   RevocationReason = "logout"
	RevocationReasonRotation RevocationReason = "rotation"
	RevocationReasonSecurity RevocationReason = "security"
	RevocationReasonExpired  RevocationReason = "expired"
)

// RefreshToken is one row per issued refresh token.
// Only the SHA-256 hash of the raw token is stored; lookup is by hash.
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rt"`

	ID                string            `bun:"id,pk,type:uuid"`
	TokenID           string            `bun:"token_id,notnull,unique"`
	SubjectType       string            `bun:"subject_type,notnull"`
	SubjectID         string            `bun:"subject_id,notnull"`
	TokenHash         string            `bun:"token_hash,notnull"`
	ExpiresAt         time.Time         `bun:"expires_at,notnull"`
	CreatedAt         time.Time         `bun:"created_at,notnull,default:current_timestamp"`
	LastUsedAt        *time.Time        `bun:"last_used_at"`
	IsRevoked         bool              `bun:"is_revoked,notnull,default:false"`
	RevokedAt         *time.Time        `bun:"revoked_at"`
	RevocationReason  *RevocationReason `bun:"revocation_reason"`
	DeviceFingerprint *string           `bun:"device_fingerprint"`
	IPAddress         *string           `bun:"ip_address"`
	UserAgent         *string           `bun:"user_agent"`
}

// ClientType distinguishes public from confidential relying-party clients.
type ClientType string

const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"
)

// ReauthClient is a relying-party client that consumes the published JWKS.
// Confidential clients authenticate with a bcrypt-hashed secret.
type ReauthClient struct {
	bun.BaseModel `bun:"table:reauth_clients,alias:rc"`

	ID               string     `bun:"id,pk,type:uuid"`
	SubjectID        string     `bun:"subject_id,notnull"`
	ClientType       ClientType `bun:"client_type,notnull"`
	ClientSecretHash *string    `bun:"client_secret_hash"`
	Name             string     `bun:"name,notnull"`
	Description      *string    `bun:"description"`
	IsActive         bool       `bun:"is_active,notnull,default:true"`
	CreatedAt        time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt        time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

// UserCredential stores the email-password plugin's login credentials for a
// subject. The hash is bcrypt; the raw password is never persisted.
type UserCredential struct {
	bun.BaseModel `bun:"table:user_credentials,alias:uc"`

	ID           string     `bun:"id,pk,type:uuid"`
	SubjectID    string     `bun:"subject_id,notnull,unique"`
	Email        string     `bun:"email,notnull,unique"`
	PasswordHash string     `bun:"password_hash,notnull"`
	Verified     bool       `bun:"verified,notnull,default:false"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt    time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	LastLoginAt  *time.Time `bun:"last_login_at"`
}

// VerificationCode is a short-lived code emailed to a subject (email
// verification, password reset). Expired rows are removed by a cleanup task.
type VerificationCode struct {
	bun.BaseModel `bun:"table:verification_codes,alias:vc"`

	ID        string    `bun:"id,pk,type:uuid"`
	SubjectID string    `bun:"subject_id,notnull"`
	Purpose   string    `bun:"purpose,notnull"`
	CodeHash  string    `bun:"code_hash,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
