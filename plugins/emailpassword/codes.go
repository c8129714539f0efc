package emailpassword

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/SOG-web/reauth-sub000/core/cleanup"
	"github.com/SOG-web/reauth-sub000/internal/db/models"
	"github.com/SOG-web/reauth-sub000/internal/tokens"
	"github.com/SOG-web/reauth-sub000/orm"
)

const (
	purposeEmailVerify = "email_verify"

	codeDigits = 6
)

// generateCode returns a zero-padded numeric code.
func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

// issueVerificationCode replaces any outstanding code of the same purpose
// and returns the raw code. Only its hash is stored.
func (p *plugin) issueVerificationCode(ctx context.Context, o orm.ORM, subjectID, purpose string) (string, error) {
	_, err := o.DeleteMany(ctx, (*models.VerificationCode)(nil),
		func(b orm.B) orm.Pred {
			return b.And(b.Eq("subject_id", subjectID), b.Eq("purpose", purpose))
		},
	)
	if err != nil {
		return "", fmt.Errorf("clear old verification codes: %w", err)
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}

	row := &models.VerificationCode{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Purpose:   purpose,
		CodeHash:  tokens.HashToken(code),
		ExpiresAt: time.Now().Add(p.cfg.CodeTTL),
		CreatedAt: time.Now(),
	}
	if err := o.Create(ctx, row); err != nil {
		return "", fmt.Errorf("persist verification code: %w", err)
	}
	return code, nil
}

// consumeVerificationCode checks a code and deletes it on match. Expired or
// wrong codes return false; the row survives a wrong guess.
func (p *plugin) consumeVerificationCode(ctx context.Context, o orm.ORM, subjectID, purpose, code string) (bool, error) {
	var row models.VerificationCode
	err := o.FindFirst(ctx, &row, orm.Query{
		Where: func(b orm.B) orm.Pred {
			return b.And(b.Eq("subject_id", subjectID), b.Eq("purpose", purpose))
		},
		Order: []orm.Order{orm.Desc("created_at")},
	})
	if err != nil {
		if errors.Is(err, orm.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load verification code: %w", err)
	}

	if !row.ExpiresAt.After(time.Now()) {
		return false, nil
	}
	if tokens.HashToken(code) != row.CodeHash {
		return false, nil
	}

	_, err = o.DeleteMany(ctx, (*models.VerificationCode)(nil),
		func(b orm.B) orm.Pred { return b.Eq("id", row.ID) },
	)
	if err != nil {
		return false, fmt.Errorf("consume verification code: %w", err)
	}
	return true, nil
}

// cleanupExpiredCodes is the plugin's scheduled maintenance runner.
func cleanupExpiredCodes(ctx context.Context, o orm.ORM, pluginConfig map[string]any) (cleanup.Result, error) {
	now := time.Now()
	n, err := o.DeleteMany(ctx, (*models.VerificationCode)(nil),
		func(b orm.B) orm.Pred { return b.Lt("expires_at", now) },
	)
	if err != nil {
		return cleanup.Result{}, fmt.Errorf("delete expired verification codes: %w", err)
	}
	return cleanup.Result{Cleaned: n}, nil
}
