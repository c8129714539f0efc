package cleanup

import (
	"context"
	"time"

	"github.com/SOG-web/reauth-sub000/core/jwks"
	"github.com/SOG-web/reauth-sub000/core/session"
	"github.com/SOG-web/reauth-sub000/orm"
)

// CoreTasks returns the engine's own maintenance tasks: expired session
// rows, expired signing keys, stale blacklist entries, and expired refresh
// tokens. Interval zero defaults to one hour.
func CoreTasks(jwksService *jwks.Service, sessions *session.Service, interval time.Duration) []Task {
	if interval <= 0 {
		interval = time.Hour
	}

	tasks := []Task{
		{
			Name:       "core.expired-sessions",
			PluginName: "core",
			Interval:   interval,
			Enabled:    true,
			Runner: func(ctx context.Context, _ orm.ORM, _ map[string]any) (Result, error) {
				n, err := sessions.CleanupExpiredSessions(ctx)
				return Result{Cleaned: n}, err
			},
		},
	}

	if jwksService != nil {
		tasks = append(tasks,
			Task{
				Name:       "core.expired-keys",
				PluginName: "core",
				Interval:   interval,
				Enabled:    true,
				Runner: func(ctx context.Context, _ orm.ORM, _ map[string]any) (Result, error) {
					n, err := jwksService.CleanupExpiredKeys(ctx)
					return Result{Cleaned: n}, err
				},
			},
			Task{
				Name:       "core.stale-blacklist",
				PluginName: "core",
				Interval:   interval,
				Enabled:    true,
				Runner: func(ctx context.Context, _ orm.ORM, _ map[string]any) (Result, error) {
					n, err := jwksService.CleanupBlacklistedTokens(ctx)
					return Result{Cleaned: n}, err
				},
			},
			Task{
				Name:       "core.expired-refresh-tokens",
				PluginName: "core",
				Interval:   interval,
				Enabled:    true,
				Runner: func(ctx context.Context, _ orm.ORM, _ map[string]any) (Result, error) {
					n, err := jwksService.CleanupExpiredRefreshTokens(ctx)
					return Result{Cleaned: n}, err
				},
			},
		)
	}

	return tasks
}
