package cmd

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/SOG-web/reauth-sub000/core/cleanup"
	"github.com/SOG-web/reauth-sub000/core/engine"
	"github.com/SOG-web/reauth-sub000/core/jwks"
	"github.com/SOG-web/reauth-sub000/core/session"
	"github.com/SOG-web/reauth-sub000/internal/telemetry"
	"github.com/SOG-web/reauth-sub000/orm"
	"github.com/SOG-web/reauth-sub000/plugins/emailpassword"
)

// services is the wired service graph behind every command that needs more
// than a bare database handle.
type services struct {
	ORM       orm.ORM
	JWKS      *jwks.Service
	Sessions  *session.Service
	Scheduler *cleanup.Scheduler
	Engine    *engine.Engine
}

// buildServices wires the ORM, services, scheduler, and engine from the
// loaded configuration, and registers the email-password plugin plus the
// core maintenance tasks.
func buildServices(ctx context.Context, db *bun.DB) (*services, error) {
	o := orm.NewBun(db)

	var jwksService *jwks.Service
	if cfg.JWT.Enabled {
		var err error
		jwksService, err = jwks.NewService(o, jwks.Config{
			Issuer:           cfg.JWT.Issuer,
			AccessTokenTTL:   cfg.JWT.AccessTokenTTL,
			RefreshTokenTTL:  cfg.JWT.RefreshTokenTTL,
			RotationInterval: cfg.JWT.RotationInterval,
			GracePeriod:      cfg.JWT.GracePeriod,
			RotationEnabled:  cfg.JWT.RotationEnabled,
		})
		if err != nil {
			return nil, fmt.Errorf("build jwks service: %w", err)
		}
	}

	sessionCfg := session.Config{
		SessionTTL: cfg.Session.TTL,
		Enhanced:   cfg.Session.Enhanced,
	}
	if cfg.Session.DeviceExpression != "" {
		sessionCfg.DeviceValidator = session.ExpressionValidator(cfg.Session.DeviceExpression)
	}
	sessions := session.NewService(o, jwksService, session.NewResolverRegistry(), sessionCfg)

	scheduler := cleanup.NewScheduler(o)
	for _, task := range cleanup.CoreTasks(jwksService, sessions, cfg.CleanupInterval) {
		if err := scheduler.RegisterTask(task); err != nil {
			return nil, err
		}
	}

	metrics, err := telemetry.NewEngineMetrics()
	if err != nil {
		return nil, fmt.Errorf("build metrics: %w", err)
	}

	eng, err := engine.New(engine.Deps{
		ORM:       o,
		Sessions:  sessions,
		JWKS:      jwksService,
		Scheduler: scheduler,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}

	if err := eng.RegisterPlugin(ctx, emailpassword.New(emailpassword.Config{
		SessionTTL: cfg.Session.TTL,
	})); err != nil {
		return nil, err
	}

	return &services{
		ORM:       o,
		JWKS:      jwksService,
		Sessions:  sessions,
		Scheduler: scheduler,
		Engine:    eng,
	}, nil
}
