// Package emailpassword is the email/password authentication plugin:
// register, login, logout, email verification, and profile steps over a
// bcrypt-hashed credential table, plus a cleanup task for expired
// verification codes and a "user" subject resolver.
package emailpassword

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/SOG-web/reauth-sub000/core/cleanup"
	"github.com/SOG-web/reauth-sub000/core/engine"
	"github.com/SOG-web/reauth-sub000/core/session"
	"github.com/SOG-web/reauth-sub000/internal/db/models"
	"github.com/SOG-web/reauth-sub000/orm"
)

// PluginName is the registry name of this plugin.
const PluginName = "email-password"

// SubjectType is the subject_type this plugin authenticates.
const SubjectType = "user"

// Config tunes the plugin.
type Config struct {
	// RequireVerification blocks login until the email is verified.
	RequireVerification bool

	// CodeTTL is the verification code lifetime. Default 15 minutes.
	CodeTTL time.Duration

	// CleanupInterval is how often expired codes are swept. Default 1 hour.
	CleanupInterval time.Duration

	// SessionTTL is passed to session creation on login; zero uses the
	// session service default.
	SessionTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.CodeTTL <= 0 {
		c.CodeTTL = 15 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	return c
}

// New builds the plugin.
func New(cfg Config) *engine.Plugin {
	cfg = cfg.withDefaults()
	p := &plugin{cfg: cfg}

	return &engine.Plugin{
		Name: PluginName,
		Config: map[string]any{
			"require_verification": cfg.RequireVerification,
			"code_ttl":             cfg.CodeTTL.String(),
		},
		Init:       p.init,
		GetProfile: p.profile,
		Steps: []engine.Step{
			{
				Name:             "register",
				ValidationSchema: registerSchema,
				OutputSchema:     outputSchema,
				Inputs:           []string{"email", "password"},
				Protocol: &engine.Protocol{HTTP: &engine.HTTPProtocol{
					Method: "POST",
					Codes:  map[string]int{"su": 201, "eq": 409, "ip": 400},
				}},
				Run: p.register,
			},
			{
				Name:             "login",
				ValidationSchema: loginSchema,
				OutputSchema:     outputSchema,
				Inputs:           []string{"email", "password", "device_info"},
				Protocol: &engine.Protocol{HTTP: &engine.HTTPProtocol{
					Method: "POST",
					Codes:  map[string]int{"su": 200, "unf": 404, "ip": 401, "ev": 403},
				}},
				Run: p.login,
			},
			{
				Name:             "logout",
				ValidationSchema: logoutSchema,
				OutputSchema:     outputSchema,
				Inputs:           []string{"token", "refresh_token"},
				RequiresAuth:     true,
				Protocol: &engine.Protocol{HTTP: &engine.HTTPProtocol{
					Method: "POST",
					Codes:  map[string]int{"su": 200},
					Auth:   true,
				}},
				Run: p.logout,
			},
			{
				Name:             "verify-email",
				ValidationSchema: verifySchema,
				OutputSchema:     outputSchema,
				Inputs:           []string{"email", "code"},
				Protocol: &engine.Protocol{HTTP: &engine.HTTPProtocol{
					Method: "POST",
					Codes:  map[string]int{"su": 200, "unf": 404, "ic": 400},
				}},
				Run: p.verifyEmail,
			},
			{
				Name:             "get-profile",
				ValidationSchema: profileSchema,
				Inputs:           []string{"subject_id"},
				RequiresAuth:     true,
				Protocol: &engine.Protocol{HTTP: &engine.HTTPProtocol{
					Method: "GET",
					Codes:  map[string]int{"su": 200, "unf": 404},
					Auth:   true,
				}},
				Run: p.getProfile,
			},
		},
	}
}

type plugin struct {
	cfg Config
}

// init registers the user resolver and the expired-code cleanup task.
func (p *plugin) init(ctx context.Context, e *engine.Engine) error {
	err := e.RegisterSessionResolver(SubjectType, UserResolver())
	if err != nil {
		return err
	}

	if e.Scheduler() != nil {
		err = e.RegisterCleanupTask(cleanup.Task{
			Name:       "emailpassword.expired-codes",
			PluginName: PluginName,
			Interval:   p.cfg.CleanupInterval,
			Enabled:    true,
			Runner:     cleanupExpiredCodes,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// UserResolver loads and sanitizes "user" subjects. The sanitized form
// never carries the password hash.
func UserResolver() session.Resolver {
	return session.Resolver{
		GetByID: func(ctx context.Context, id string, o orm.ORM) (any, error) {
			var cred models.UserCredential
			err := o.FindFirst(ctx, &cred, orm.Query{
				Where: func(b orm.B) orm.Pred { return b.Eq("subject_id", id) },
			})
			if err != nil {
				if errors.Is(err, orm.ErrNotFound) {
					return nil, nil
				}
				return nil, fmt.Errorf("load user credential: %w", err)
			}
			return &cred, nil
		},
		Sanitize: func(subject any) any {
			cred, ok := subject.(*models.UserCredential)
			if !ok {
				return subject
			}
			return map[string]any{
				"id":       cred.SubjectID,
				"email":    cred.Email,
				"verified": cred.Verified,
			}
		},
	}
}

func (p *plugin) register(ctx context.Context, input map[string]any, sc *engine.StepCtx) (map[string]any, error) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := engine.DecodeInput(input, &in); err != nil {
		return nil, engine.Wrap(engine.KindInputValidation, "invalid register input", err)
	}

	o := sc.Engine.ORM()
	existing, err := o.Count(ctx, (*models.UserCredential)(nil),
		func(b orm.B) orm.Pred { return b.Eq("email", in.Email) },
	)
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "registration failed", err)
	}
	if existing > 0 {
		return failure("eq", "email already registered"), nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "registration failed", err)
	}

	now := time.Now()
	subject := &models.Subject{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	if err := o.Create(ctx, subject); err != nil {
		return nil, engine.Wrap(engine.KindInternal, "registration failed", err)
	}

	cred := &models.UserCredential{
		ID:           uuid.NewString(),
		SubjectID:    subject.ID,
		Email:        in.Email,
		PasswordHash: string(hash),
		Verified:     !p.cfg.RequireVerification,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.Create(ctx, cred); err != nil {
		return nil, engine.Wrap(engine.KindConflict, "email already registered", err)
	}

	out := map[string]any{
		"success":    true,
		"message":    "registered",
		"status":     "su",
		"subject_id": subject.ID,
	}
	if p.cfg.RequireVerification {
		code, err := p.issueVerificationCode(ctx, o, subject.ID, purposeEmailVerify)
		if err != nil {
			return nil, engine.Wrap(engine.KindInternal, "registration failed", err)
		}
		// Delivery is an adapter concern; the code rides in the output for
		// the mailer hook to pick up.
		out["verification_code"] = code
	}
	return out, nil
}

func (p *plugin) login(ctx context.Context, input map[string]any, sc *engine.StepCtx) (map[string]any, error) {
	var in struct {
		Email      string         `json:"email"`
		Password   string         `json:"password"`
		DeviceInfo map[string]any `json:"device_info"`
	}
	if err := engine.DecodeInput(input, &in); err != nil {
		return nil, engine.Wrap(engine.KindInputValidation, "invalid login input", err)
	}

	o := sc.Engine.ORM()
	var cred models.UserCredential
	err := o.FindFirst(ctx, &cred, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("email", in.Email) },
	})
	if err != nil {
		if errors.Is(err, orm.ErrNotFound) {
			return failure("unf", "user not found"), nil
		}
		return nil, engine.Wrap(engine.KindInternal, "login failed", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(in.Password)) != nil {
		return failure("ip", "invalid credentials"), nil
	}
	if p.cfg.RequireVerification && !cred.Verified {
		return failure("ev", "email not verified"), nil
	}

	token, err := sc.Engine.CreateSessionFor(ctx, SubjectType, cred.SubjectID, p.cfg.SessionTTL, in.DeviceInfo)
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "login failed", err)
	}

	now := time.Now()
	_, _ = o.UpdateMany(ctx, (*models.UserCredential)(nil),
		map[string]any{"last_login_at": now, "updated_at": now},
		func(b orm.B) orm.Pred { return b.Eq("id", cred.ID) },
	)

	out := map[string]any{
		"success": true,
		"message": "logged in",
		"status":  "su",
		"subject": map[string]any{"id": cred.SubjectID, "email": cred.Email},
	}
	if token.Kind() == session.TokenPair {
		out["token"] = map[string]any{
			"accessToken":  token.AccessToken(),
			"refreshToken": token.RefreshToken(),
		}
	} else {
		out["token"] = token.AccessToken()
	}
	return out, nil
}

func (p *plugin) logout(ctx context.Context, input map[string]any, sc *engine.StepCtx) (map[string]any, error) {
	var in struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := engine.DecodeInput(input, &in); err != nil {
		return nil, engine.Wrap(engine.KindInputValidation, "invalid logout input", err)
	}

	token := session.OpaqueToken(in.Token)
	if in.RefreshToken != "" {
		token = session.PairToken(in.Token, in.RefreshToken)
	}
	if err := sc.Engine.Sessions().DestroySession(ctx, token); err != nil {
		return nil, engine.Wrap(engine.KindInternal, "logout failed", err)
	}

	return map[string]any{"success": true, "message": "logged out", "status": "su"}, nil
}

func (p *plugin) verifyEmail(ctx context.Context, input map[string]any, sc *engine.StepCtx) (map[string]any, error) {
	var in struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := engine.DecodeInput(input, &in); err != nil {
		return nil, engine.Wrap(engine.KindInputValidation, "invalid verification input", err)
	}

	o := sc.Engine.ORM()
	var cred models.UserCredential
	err := o.FindFirst(ctx, &cred, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("email", in.Email) },
	})
	if err != nil {
		if errors.Is(err, orm.ErrNotFound) {
			return failure("unf", "user not found"), nil
		}
		return nil, engine.Wrap(engine.KindInternal, "verification failed", err)
	}

	ok, err := p.consumeVerificationCode(ctx, o, cred.SubjectID, purposeEmailVerify, in.Code)
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "verification failed", err)
	}
	if !ok {
		return failure("ic", "invalid or expired code"), nil
	}

	now := time.Now()
	_, err = o.UpdateMany(ctx, (*models.UserCredential)(nil),
		map[string]any{"verified": true, "updated_at": now},
		func(b orm.B) orm.Pred { return b.Eq("id", cred.ID) },
	)
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "verification failed", err)
	}

	return map[string]any{"success": true, "message": "email verified", "status": "su"}, nil
}

func (p *plugin) getProfile(ctx context.Context, input map[string]any, sc *engine.StepCtx) (map[string]any, error) {
	var in struct {
		SubjectID string `json:"subject_id"`
	}
	if err := engine.DecodeInput(input, &in); err != nil {
		return nil, engine.Wrap(engine.KindInputValidation, "invalid profile input", err)
	}

	data, err := p.profile(ctx, in.SubjectID, sc)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return failure("unf", "user not found"), nil
	}

	return map[string]any{
		"success": true,
		"message": "profile",
		"status":  "su",
		"profile": data,
	}, nil
}

// profile is the plugin's GetUnifiedProfile contribution.
func (p *plugin) profile(ctx context.Context, subjectID string, sc *engine.StepCtx) (map[string]any, error) {
	var cred models.UserCredential
	err := sc.Engine.ORM().FindFirst(ctx, &cred, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("subject_id", subjectID) },
	})
	if err != nil {
		if errors.Is(err, orm.ErrNotFound) {
			return nil, nil
		}
		return nil, engine.Wrap(engine.KindInternal, "profile lookup failed", err)
	}

	data := map[string]any{
		"email":      cred.Email,
		"verified":   cred.Verified,
		"created_at": cred.CreatedAt.UTC().Format(time.RFC3339),
	}
	if cred.LastLoginAt != nil {
		data["last_login_at"] = cred.LastLoginAt.UTC().Format(time.RFC3339)
	}
	return data, nil
}

func failure(status, message string) map[string]any {
	return map[string]any{"success": false, "message": message, "status": status}
}
