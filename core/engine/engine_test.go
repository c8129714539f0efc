package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth-sub000/core/schema"
	"github.com/SOG-web/reauth-sub000/core/session"
	"github.com/SOG-web/reauth-sub000/internal/db/dbtest"
	"github.com/SOG-web/reauth-sub000/orm"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	o := orm.NewBun(dbtest.NewDB(t))
	registry := session.NewResolverRegistry()
	require.NoError(t, registry.Register("user", session.Resolver{
		GetByID: func(ctx context.Context, id string, _ orm.ORM) (any, error) {
			return map[string]any{"id": id}, nil
		},
	}))
	sessions := session.NewService(o, nil, registry, session.Config{})

	e, err := New(Deps{ORM: o, Sessions: sessions})
	require.NoError(t, err)
	return e
}

func echoStep(name string) Step {
	return Step{
		Name: name,
		Run: func(ctx context.Context, input map[string]any, sc *StepCtx) (map[string]any, error) {
			return input, nil
		},
	}
}

func TestRegisterPlugin(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var inits int
	p := &Plugin{
		Name:  "demo",
		Steps: []Step{echoStep("noop")},
		Init: func(ctx context.Context, e *Engine) error {
			inits++
			return nil
		},
	}
	require.NoError(t, e.RegisterPlugin(ctx, p))
	assert.Equal(t, 1, inits)

	t.Run("duplicate name rejected", func(t *testing.T) {
		err := e.RegisterPlugin(ctx, &Plugin{Name: "demo"})
		assert.Error(t, err)
		assert.Equal(t, 1, inits)
	})

	t.Run("failed init leaves plugin unregistered", func(t *testing.T) {
		err := e.RegisterPlugin(ctx, &Plugin{
			Name: "broken",
			Init: func(ctx context.Context, e *Engine) error { return errors.New("no db") },
		})
		assert.Error(t, err)
		_, ok := e.GetPlugin("broken")
		assert.False(t, ok)
	})

	t.Run("nameless plugin rejected", func(t *testing.T) {
		assert.Error(t, e.RegisterPlugin(ctx, &Plugin{}))
	})
}

func TestExecuteStep_HookOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var order []string
	record := func(label string) HookFunc {
		return func(ctx context.Context, data map[string]any, sc *StepCtx) (map[string]any, error) {
			order = append(order, label)
			return nil, nil
		}
	}

	p := &Plugin{
		Name: "demo",
		RootHooks: StepHooks{
			Before: record("plugin.before"),
			After:  record("plugin.after"),
		},
		Steps: []Step{{
			Name: "work",
			Hooks: StepHooks{
				Before: record("step.before"),
				After:  record("step.after"),
			},
			Run: func(ctx context.Context, input map[string]any, sc *StepCtx) (map[string]any, error) {
				order = append(order, "run")
				return input, nil
			},
		}},
	}
	require.NoError(t, e.RegisterPlugin(ctx, p))
	e.RegisterAuthHook(AuthHook{
		Universal: true,
		Before:    record("engine.before"),
		After:     record("engine.after"),
	})

	_, err := e.ExecuteStep(ctx, "demo", "work", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"engine.before", "plugin.before", "step.before",
		"run",
		"step.after", "plugin.after", "engine.after",
	}, order)
}

func TestExecuteStep_HookDataFlow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p := &Plugin{
		Name: "demo",
		Steps: []Step{{
			Name: "work",
			Hooks: StepHooks{
				// A returned map replaces the input.
				Before: func(ctx context.Context, data map[string]any, sc *StepCtx) (map[string]any, error) {
					return map[string]any{"injected": true}, nil
				},
				// A nil return keeps the current output.
				After: func(ctx context.Context, data map[string]any, sc *StepCtx) (map[string]any, error) {
					return nil, nil
				},
			},
			Run: func(ctx context.Context, input map[string]any, sc *StepCtx) (map[string]any, error) {
				return input, nil
			},
		}},
	}
	require.NoError(t, e.RegisterPlugin(ctx, p))

	out, err := e.ExecuteStep(ctx, "demo", "work", map[string]any{"original": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"injected": true}, out)
}

func TestExecuteStep_ErrorChain(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("chain runs innermost first and can suppress", func(t *testing.T) {
		e := newTestEngine(t)
		var order []string

		p := &Plugin{
			Name: "demo",
			RootHooks: StepHooks{
				OnError: func(ctx context.Context, input map[string]any, sc *StepCtx, stepErr error) (map[string]any, error) {
					order = append(order, "plugin.onError")
					return map[string]any{"recovered": true}, nil
				},
			},
			Steps: []Step{{
				Name: "failing",
				Hooks: StepHooks{
					OnError: func(ctx context.Context, input map[string]any, sc *StepCtx, stepErr error) (map[string]any, error) {
						order = append(order, "step.onError")
						return nil, nil
					},
				},
				Run: func(ctx context.Context, input map[string]any, sc *StepCtx) (map[string]any, error) {
					return nil, boom
				},
			}},
		}
		require.NoError(t, e.RegisterPlugin(ctx, p))
		e.RegisterAuthHook(AuthHook{
			Universal: true,
			OnError: func(ctx context.Context, input map[string]any, sc *StepCtx, stepErr error) (map[string]any, error) {
				order = append(order, "engine.onError")
				return nil, nil
			},
		})

		out, err := e.ExecuteStep(ctx, "demo", "failing", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"recovered": true}, out)
		// The plugin hook suppressed the error; the engine hook never ran.
		assert.Equal(t, []string{"step.onError", "plugin.onError"}, order)
	})

	t.Run("unsuppressed error surfaces, possibly replaced", func(t *testing.T) {
		e := newTestEngine(t)
		replaced := errors.New("replaced")

		p := &Plugin{
			Name: "demo",
			Steps: []Step{{
				Name: "failing",
				Hooks: StepHooks{
					OnError: func(ctx context.Context, input map[string]any, sc *StepCtx, stepErr error) (map[string]any, error) {
						return nil, replaced
					},
				},
				Run: func(ctx context.Context, input map[string]any, sc *StepCtx) (map[string]any, error) {
					return nil, boom
				},
			}},
		}
		require.NoError(t, e.RegisterPlugin(ctx, p))

		_, err := e.ExecuteStep(ctx, "demo", "failing", map[string]any{})
		assert.ErrorIs(t, err, replaced)
	})
}

func TestExecuteStep_Validation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	inputSchema := schema.MustParse(`{
		"type": "object",
		"required": ["email"],
		"properties": {"email": {"type": "string"}}
	}`)
	outputSchema := schema.MustParse(`{
		"type": "object",
		"required": ["ok"],
		"properties": {"ok": {"type": "boolean"}}
	}`)

	p := &Plugin{
		Name: "demo",
		Steps: []Step{{
			Name:             "strict",
			ValidationSchema: inputSchema,
			OutputSchema:     outputSchema,
			Run: func(ctx context.Context, input map[string]any, sc *StepCtx) (map[string]any, error) {
				if input["email"] == "bad@output.test" {
					return map[string]any{"ok": "not-a-bool"}, nil
				}
				return map[string]any{"ok": true}, nil
			},
		}},
	}
	require.NoError(t, e.RegisterPlugin(ctx, p))

	t.Run("missing plugin and step", func(t *testing.T) {
		_, err := e.ExecuteStep(ctx, "nope", "strict", nil)
		assert.Equal(t, KindNotFound, KindOf(err))
		_, err = e.ExecuteStep(ctx, "demo", "nope", nil)
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("input rejected before the step runs", func(t *testing.T) {
		_, err := e.ExecuteStep(ctx, "demo", "strict", map[string]any{})
		assert.Equal(t, KindInputValidation, KindOf(err))
	})

	t.Run("output asserted after the step", func(t *testing.T) {
		_, err := e.ExecuteStep(ctx, "demo", "strict", map[string]any{"email": "bad@output.test"})
		assert.Equal(t, KindOutputValidation, KindOf(err))
	})

	t.Run("valid round trip", func(t *testing.T) {
		out, err := e.ExecuteStep(ctx, "demo", "strict", map[string]any{"email": "a@b.c"})
		require.NoError(t, err)
		assert.Equal(t, true, out["ok"])
	})
}

func TestAuthHookMatching(t *testing.T) {
	tests := []struct {
		name   string
		hook   AuthHook
		plugin string
		step   string
		want   bool
	}{
		{"universal matches anything", AuthHook{Universal: true}, "p", "s", true},
		{"plugin scope match", AuthHook{PluginName: "p"}, "p", "s", true},
		{"plugin scope miss", AuthHook{PluginName: "other"}, "p", "s", false},
		{"step scope match", AuthHook{Steps: []string{"s"}}, "p", "s", true},
		{"step scope miss", AuthHook{Steps: []string{"t"}}, "p", "s", false},
		{"plugin and step both required", AuthHook{PluginName: "p", Steps: []string{"t"}}, "p", "s", false},
		{"unscoped matches everything", AuthHook{}, "p", "s", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.hook.matches(tt.plugin, tt.step))
		})
	}
}

func TestCreateSessionForAndCheckSession(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var beforeRuns, afterRuns int
	e.RegisterSessionHook(SessionHook{
		Before: func(ctx context.Context, data map[string]any, sc *StepCtx) (map[string]any, error) {
			beforeRuns++
			return nil, nil
		},
		After: func(ctx context.Context, data map[string]any, sc *StepCtx) (map[string]any, error) {
			afterRuns++
			return nil, nil
		},
	})

	token, err := e.CreateSessionFor(ctx, "user", "subject-1", time.Hour, nil)
	require.NoError(t, err)
	assert.False(t, token.IsZero())
	assert.Equal(t, 1, beforeRuns)
	assert.Equal(t, 1, afterRuns)

	t.Run("valid token", func(t *testing.T) {
		check, err := e.CheckSession(ctx, token, nil)
		require.NoError(t, err)
		assert.True(t, check.Valid)
		subject := check.Subject.(map[string]any)
		assert.Equal(t, "subject-1", subject["id"])
	})

	t.Run("unknown token is invalid, not an error", func(t *testing.T) {
		check, err := e.CheckSession(ctx, session.OpaqueToken("bogus"), nil)
		require.NoError(t, err)
		assert.False(t, check.Valid)
		assert.Nil(t, check.Subject)
	})

	t.Run("hook veto blocks issuance", func(t *testing.T) {
		e.RegisterSessionHook(SessionHook{
			Before: func(ctx context.Context, data map[string]any, sc *StepCtx) (map[string]any, error) {
				return nil, errors.New("subject suspended")
			},
		})
		_, err := e.CreateSessionFor(ctx, "user", "subject-2", time.Hour, nil)
		assert.Error(t, err)
	})
}

func TestCheckSession_HookErrorChain(t *testing.T) {
	ctx := context.Background()

	t.Run("suppressing onError keeps the check alive", func(t *testing.T) {
		e := newTestEngine(t)
		token, err := e.CreateSessionFor(ctx, "user", "subject-1", time.Hour, nil)
		require.NoError(t, err)

		var onErrorRan bool
		e.RegisterSessionHook(SessionHook{
			Before: func(ctx context.Context, data map[string]any, sc *StepCtx) (map[string]any, error) {
				return nil, errors.New("transient hook failure")
			},
			OnError: func(ctx context.Context, data map[string]any, sc *StepCtx, err error) (map[string]any, error) {
				onErrorRan = true
				return map[string]any{"recovered": true}, nil
			},
		})

		check, err := e.CheckSession(ctx, token, nil)
		require.NoError(t, err)
		assert.True(t, onErrorRan)
		assert.True(t, check.Valid)
	})

	t.Run("unsuppressed hook error fails the check", func(t *testing.T) {
		e := newTestEngine(t)
		token, err := e.CreateSessionFor(ctx, "user", "subject-1", time.Hour, nil)
		require.NoError(t, err)

		var onErrorRan bool
		e.RegisterSessionHook(SessionHook{
			After: func(ctx context.Context, data map[string]any, sc *StepCtx) (map[string]any, error) {
				return nil, errors.New("audit sink down")
			},
			OnError: func(ctx context.Context, data map[string]any, sc *StepCtx, err error) (map[string]any, error) {
				onErrorRan = true
				return nil, nil
			},
		})

		check, err := e.CheckSession(ctx, token, nil)
		require.NoError(t, err)
		assert.True(t, onErrorRan)
		assert.False(t, check.Valid)
	})
}

func TestGetStepInputsAndIntrospection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p := &Plugin{
		Name: "demo",
		Steps: []Step{{
			Name:             "login",
			Inputs:           []string{"email", "password"},
			RequiresAuth:     false,
			ValidationSchema: schema.MustParse(`{"type": "object"}`),
			Protocol: &Protocol{HTTP: &HTTPProtocol{
				Method: "POST",
				Codes:  map[string]int{"su": 200, "ip": 401},
			}},
			Run: func(ctx context.Context, input map[string]any, sc *StepCtx) (map[string]any, error) {
				return input, nil
			},
		}},
	}
	require.NoError(t, e.RegisterPlugin(ctx, p))

	inputs, err := e.GetStepInputs("demo", "login")
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "password"}, inputs)
	_, err = e.GetStepInputs("demo", "missing")
	assert.Equal(t, KindNotFound, KindOf(err))

	data := e.GetIntrospectionData()
	plugins := data["plugins"].([]map[string]any)
	require.Len(t, plugins, 1)
	assert.Equal(t, "demo", plugins[0]["name"])

	steps := plugins[0]["steps"].([]map[string]any)
	require.Len(t, steps, 1)
	assert.Equal(t, "login", steps[0]["name"])
	assert.Contains(t, steps[0], "inputSchema")
	assert.Contains(t, steps[0], "protocol")
}

func TestGetUnifiedProfile(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.RegisterPlugin(ctx, &Plugin{
		Name: "healthy",
		GetProfile: func(ctx context.Context, subjectID string, sc *StepCtx) (map[string]any, error) {
			return map[string]any{"email": "alice@example.com"}, nil
		},
	}))
	require.NoError(t, e.RegisterPlugin(ctx, &Plugin{
		Name: "failing",
		GetProfile: func(ctx context.Context, subjectID string, sc *StepCtx) (map[string]any, error) {
			return nil, E(KindExternalService, "upstream timeout")
		},
	}))
	require.NoError(t, e.RegisterPlugin(ctx, &Plugin{Name: "silent"}))

	profile := e.GetUnifiedProfile(ctx, "subject-1")
	assert.Equal(t, "subject-1", profile["subjectId"])
	assert.NotEmpty(t, profile["generatedAt"])

	contributions := profile["plugins"].(map[string]any)
	assert.Equal(t, map[string]any{"email": "alice@example.com"}, contributions["healthy"])
	assert.Equal(t, map[string]any{"error": "upstream timeout"}, contributions["failing"])
	assert.NotContains(t, contributions, "silent")
}

func TestDecodeInput(t *testing.T) {
	type loginInput struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Remember bool   `json:"remember"`
	}

	var in loginInput
	err := DecodeInput(map[string]any{
		"email":    "alice@example.com",
		"password": "secret",
		"remember": "true", // weakly typed JSON input
	}, &in)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", in.Email)
	assert.True(t, in.Remember)
}
