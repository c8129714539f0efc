// Package engine is the composition root of the auth core: it holds the
// plugin registry, dispatches steps through the hook pipeline, fronts the
// session service, and exposes introspection for transport adapters.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/SOG-web/reauth-sub000/core/cleanup"
	"github.com/SOG-web/reauth-sub000/core/jwks"
	"github.com/SOG-web/reauth-sub000/core/schema"
	"github.com/SOG-web/reauth-sub000/core/session"
	"github.com/SOG-web/reauth-sub000/internal/telemetry"
	"github.com/SOG-web/reauth-sub000/orm"
)

// Deps carries the engine's collaborators. ORM and Sessions are required;
// JWKS, Scheduler, and Metrics are optional.
type Deps struct {
	ORM       orm.ORM
	Sessions  *session.Service
	JWKS      *jwks.Service
	Scheduler *cleanup.Scheduler
	Metrics   *telemetry.EngineMetrics

	// SchemaCacheSize bounds the compiled-schema LRU. Zero uses a default.
	SchemaCacheSize int
}

const defaultSchemaCacheSize = 128

// Engine wires the subsystems together and exposes the public API. The
// plugin map and hook lists are mutated only during construction; after
// setup the engine is effectively immutable and safe for concurrent use.
type Engine struct {
	orm       orm.ORM
	sessions  *session.Service
	jwks      *jwks.Service
	scheduler *cleanup.Scheduler
	metrics   *telemetry.EngineMetrics
	validator *schema.Validator

	mu           sync.RWMutex
	plugins      map[string]*Plugin
	pluginOrder  []string
	authHooks    []AuthHook
	sessionHooks []SessionHook
}

// New creates an engine.
func New(deps Deps) (*Engine, error) {
	if deps.ORM == nil {
		return nil, fmt.Errorf("engine requires an ORM")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("engine requires a session service")
	}
	cacheSize := deps.SchemaCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultSchemaCacheSize
	}
	validator, err := schema.NewValidator(cacheSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		orm:       deps.ORM,
		sessions:  deps.Sessions,
		jwks:      deps.JWKS,
		scheduler: deps.Scheduler,
		metrics:   deps.Metrics,
		validator: validator,
		plugins:   make(map[string]*Plugin),
	}, nil
}

// ORM returns the engine's persistence port; steps reach it via StepCtx.
func (e *Engine) ORM() orm.ORM {
	return e.orm
}

// Sessions returns the session service.
func (e *Engine) Sessions() *session.Service {
	return e.sessions
}

// JWKS returns the JWKS service, nil in opaque mode.
func (e *Engine) JWKS() *jwks.Service {
	return e.jwks
}

// Scheduler returns the cleanup scheduler, nil when not configured.
func (e *Engine) Scheduler() *cleanup.Scheduler {
	return e.scheduler
}

// RegisterPlugin adds a plugin and runs its Init exactly once. Duplicate
// names are rejected; a failed Init leaves the plugin unregistered.
func (e *Engine) RegisterPlugin(ctx context.Context, p *Plugin) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("plugin requires a name")
	}

	e.mu.Lock()
	if _, exists := e.plugins[p.Name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("plugin %q already registered", p.Name)
	}
	e.mu.Unlock()

	if p.Init != nil {
		if err := p.Init(ctx, e); err != nil {
			return fmt.Errorf("initialize plugin %s: %w", p.Name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.plugins[p.Name] = p
	e.pluginOrder = append(e.pluginOrder, p.Name)
	if e.scheduler != nil && p.Config != nil {
		e.scheduler.SetPluginConfig(p.Name, p.Config)
	}
	return nil
}

// RegisterAuthHook appends an engine-level step hook.
func (e *Engine) RegisterAuthHook(h AuthHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.authHooks = append(e.authHooks, h)
}

// RegisterSessionHook appends a session hook.
func (e *Engine) RegisterSessionHook(h SessionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionHooks = append(e.sessionHooks, h)
}

// RegisterSessionResolver registers a subject resolver with the session
// service.
func (e *Engine) RegisterSessionResolver(subjectType string, r session.Resolver) error {
	return e.sessions.Resolvers().Register(subjectType, r)
}

// RegisterCleanupTask registers a periodic maintenance task.
func (e *Engine) RegisterCleanupTask(task cleanup.Task) error {
	if e.scheduler == nil {
		return fmt.Errorf("engine has no cleanup scheduler")
	}
	return e.scheduler.RegisterTask(task)
}

// GetAllPlugins returns the registered plugins in registration order.
func (e *Engine) GetAllPlugins() []*Plugin {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Plugin, 0, len(e.pluginOrder))
	for _, name := range e.pluginOrder {
		out = append(out, e.plugins[name])
	}
	return out
}

// GetPlugin returns a plugin by name.
func (e *Engine) GetPlugin(name string) (*Plugin, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.plugins[name]
	return p, ok
}

// GetStepInputs returns the declared input keys of a step.
func (e *Engine) GetStepInputs(pluginName, stepName string) ([]string, error) {
	p, ok := e.GetPlugin(pluginName)
	if !ok {
		return nil, E(KindNotFound, fmt.Sprintf("plugin %s not found", pluginName))
	}
	step := p.step(stepName)
	if step == nil {
		return nil, E(KindNotFound, fmt.Sprintf("step %s.%s not found", pluginName, stepName))
	}
	return step.Inputs, nil
}

// ExecuteStep runs one step through the full pipeline: input validation,
// before hooks outermost-first, the step itself, after hooks innermost-
// first, then output validation. Errors raised inside the pipeline walk the
// onError chain innermost-first; an onError hook may substitute an output
// and suppress the error.
func (e *Engine) ExecuteStep(ctx context.Context, pluginName, stepName string, input map[string]any) (map[string]any, error) {
	started := time.Now()
	output, err := e.executeStep(ctx, pluginName, stepName, input)
	e.metrics.RecordStep(ctx, pluginName, stepName, err == nil, float64(time.Since(started).Milliseconds()))
	return output, err
}

func (e *Engine) executeStep(ctx context.Context, pluginName, stepName string, input map[string]any) (map[string]any, error) {
	plugin, ok := e.GetPlugin(pluginName)
	if !ok {
		return nil, E(KindNotFound, fmt.Sprintf("plugin %s not found", pluginName))
	}
	step := plugin.step(stepName)
	if step == nil {
		return nil, E(KindNotFound, fmt.Sprintf("step %s.%s not found", pluginName, stepName))
	}
	if step.Run == nil {
		return nil, E(KindInternal, fmt.Sprintf("step %s.%s has no run function", pluginName, stepName))
	}

	if step.ValidationSchema != nil {
		if err := e.validator.Validate(step.ValidationSchema, any(input)); err != nil {
			return nil, Wrap(KindInputValidation, err.Error(), err)
		}
	}

	sc := &StepCtx{Engine: e, Config: plugin.Config}

	e.mu.RLock()
	hooks := make([]AuthHook, 0, len(e.authHooks))
	for _, h := range e.authHooks {
		if h.matches(pluginName, stepName) {
			hooks = append(hooks, h)
		}
	}
	e.mu.RUnlock()

	output, err := e.runPipeline(ctx, hooks, plugin, step, sc, input)
	if err != nil {
		output, err = e.runErrorChain(ctx, hooks, plugin, step, sc, input, err)
		if err != nil {
			return nil, err
		}
	}

	if step.OutputSchema != nil {
		if verr := e.validator.Validate(step.OutputSchema, any(output)); verr != nil {
			return nil, Wrap(KindOutputValidation, verr.Error(), verr)
		}
	}
	return output, nil
}

func (e *Engine) runPipeline(ctx context.Context, hooks []AuthHook, plugin *Plugin, step *Step, sc *StepCtx, input map[string]any) (map[string]any, error) {
	var err error

	for _, h := range hooks {
		if h.Before == nil {
			continue
		}
		if input, err = applyHook(ctx, h.Before, input, sc); err != nil {
			return nil, err
		}
	}
	if plugin.RootHooks.Before != nil {
		if input, err = applyHook(ctx, plugin.RootHooks.Before, input, sc); err != nil {
			return nil, err
		}
	}
	if step.Hooks.Before != nil {
		if input, err = applyHook(ctx, step.Hooks.Before, input, sc); err != nil {
			return nil, err
		}
	}

	output, err := step.Run(ctx, input, sc)
	if err != nil {
		return nil, err
	}

	if step.Hooks.After != nil {
		if output, err = applyHook(ctx, step.Hooks.After, output, sc); err != nil {
			return nil, err
		}
	}
	if plugin.RootHooks.After != nil {
		if output, err = applyHook(ctx, plugin.RootHooks.After, output, sc); err != nil {
			return nil, err
		}
	}
	for _, h := range hooks {
		if h.After == nil {
			continue
		}
		if output, err = applyHook(ctx, h.After, output, sc); err != nil {
			return nil, err
		}
	}

	return output, nil
}

// applyHook runs one hook; a nil return keeps the current data.
func applyHook(ctx context.Context, fn HookFunc, data map[string]any, sc *StepCtx) (map[string]any, error) {
	replaced, err := fn(ctx, data, sc)
	if err != nil {
		return nil, err
	}
	if replaced != nil {
		return replaced, nil
	}
	return data, nil
}

// runErrorChain walks step → plugin → engine onError hooks. The first hook
// that returns a non-nil output suppresses the error; a hook error replaces
// the current one.
func (e *Engine) runErrorChain(ctx context.Context, hooks []AuthHook, plugin *Plugin, step *Step, sc *StepCtx, input map[string]any, stepErr error) (map[string]any, error) {
	chain := make([]ErrorHookFunc, 0, len(hooks)+2)
	if step.Hooks.OnError != nil {
		chain = append(chain, step.Hooks.OnError)
	}
	if plugin.RootHooks.OnError != nil {
		chain = append(chain, plugin.RootHooks.OnError)
	}
	for _, h := range hooks {
		if h.OnError != nil {
			chain = append(chain, h.OnError)
		}
	}

	for _, fn := range chain {
		output, err := fn(ctx, input, sc, stepErr)
		if err != nil {
			stepErr = err
			continue
		}
		if output != nil {
			return output, nil
		}
	}
	return nil, stepErr
}

// CreateSessionFor issues a session for a subject, running session hooks
// around the issuance.
func (e *Engine) CreateSessionFor(ctx context.Context, subjectType, subjectID string, ttl time.Duration, deviceInfo map[string]any) (session.Token, error) {
	sc := &StepCtx{Engine: e}
	data := map[string]any{
		"subject_type": subjectType,
		"subject_id":   subjectID,
	}
	if deviceInfo != nil {
		data["device_info"] = deviceInfo
	}

	e.mu.RLock()
	hooks := make([]SessionHook, len(e.sessionHooks))
	copy(hooks, e.sessionHooks)
	e.mu.RUnlock()

	var err error
	for _, h := range hooks {
		if h.Before == nil {
			continue
		}
		if data, err = applyHook(ctx, h.Before, data, sc); err != nil {
			return session.NoToken(), e.sessionError(ctx, hooks, sc, data, err)
		}
	}

	token, err := e.sessions.CreateSessionWithMetadata(ctx, subjectType, subjectID, session.Options{
		TTL:        ttl,
		DeviceInfo: deviceInfo,
	})
	if err != nil {
		return session.NoToken(), e.sessionError(ctx, hooks, sc, data, err)
	}
	e.metrics.RecordSessionIssued(ctx, subjectType)

	after := map[string]any{"subject_type": subjectType, "subject_id": subjectID}
	for _, h := range hooks {
		if h.After == nil {
			continue
		}
		if _, err = h.After(ctx, after, sc); err != nil {
			return session.NoToken(), e.sessionError(ctx, hooks, sc, after, err)
		}
	}

	return token, nil
}

func (e *Engine) sessionError(ctx context.Context, hooks []SessionHook, sc *StepCtx, data map[string]any, err error) error {
	for _, h := range hooks {
		if h.OnError == nil {
			continue
		}
		if output, hookErr := h.OnError(ctx, data, sc, err); hookErr != nil {
			err = hookErr
		} else if output != nil {
			return nil
		}
	}
	return err
}

// SessionCheck is what CheckSession returns to adapters.
type SessionCheck struct {
	Valid   bool           `json:"valid"`
	Subject any            `json:"subject,omitempty"`
	Token   session.Token  `json:"-"`
	Type    string         `json:"type,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// CheckSession verifies a token and resolves its subject. Authentication
// failures come back as Valid=false, never as an error; a non-nil error
// means storage trouble. Hook errors run the OnError chain first, and a
// suppressed error lets the check continue.
func (e *Engine) CheckSession(ctx context.Context, token session.Token, deviceInfo map[string]any) (*SessionCheck, error) {
	sc := &StepCtx{Engine: e}
	data := map[string]any{"token": token.AccessToken()}

	e.mu.RLock()
	hooks := make([]SessionHook, len(e.sessionHooks))
	copy(hooks, e.sessionHooks)
	e.mu.RUnlock()

	for _, h := range hooks {
		if h.Before == nil {
			continue
		}
		replaced, hookErr := applyHook(ctx, h.Before, data, sc)
		if hookErr != nil {
			if e.sessionError(ctx, hooks, sc, data, hookErr) != nil {
				e.metrics.RecordSessionCheck(ctx, false)
				return &SessionCheck{Valid: false}, nil
			}
			continue
		}
		data = replaced
	}

	verification, err := e.sessions.VerifySession(ctx, token, deviceInfo)
	if err != nil {
		return nil, err
	}
	if verification == nil {
		e.metrics.RecordSessionCheck(ctx, false)
		return &SessionCheck{Valid: false}, nil
	}

	for _, h := range hooks {
		if h.After == nil {
			continue
		}
		if _, hookErr := h.After(ctx, data, sc); hookErr != nil {
			if e.sessionError(ctx, hooks, sc, data, hookErr) != nil {
				e.metrics.RecordSessionCheck(ctx, false)
				return &SessionCheck{Valid: false}, nil
			}
		}
	}

	e.metrics.RecordSessionCheck(ctx, true)
	return &SessionCheck{
		Valid:   true,
		Subject: verification.Subject,
		Token:   verification.Token,
		Type:    verification.Type,
		Payload: verification.Payload,
	}, nil
}

// GetIntrospectionData describes the registered plugins, their steps, and
// the steps' schemas and protocol metadata. Schema conversion problems are
// logged and yield an empty plugin list; callers must not treat
// introspection as a correctness signal.
func (e *Engine) GetIntrospectionData() map[string]any {
	plugins := make([]map[string]any, 0)

	for _, p := range e.GetAllPlugins() {
		steps := make([]map[string]any, 0, len(p.Steps))
		for i := range p.Steps {
			step := &p.Steps[i]
			entry := map[string]any{
				"name":         step.Name,
				"requiresAuth": step.RequiresAuth,
			}
			if len(step.Inputs) > 0 {
				entry["inputs"] = step.Inputs
			}
			if step.ValidationSchema != nil {
				doc, err := step.ValidationSchema.Doc()
				if err != nil {
					log.Printf("introspection: input schema for %s.%s: %v", p.Name, step.Name, err)
					return map[string]any{"plugins": []map[string]any{}}
				}
				entry["inputSchema"] = doc
			}
			if step.OutputSchema != nil {
				doc, err := step.OutputSchema.Doc()
				if err != nil {
					log.Printf("introspection: output schema for %s.%s: %v", p.Name, step.Name, err)
					return map[string]any{"plugins": []map[string]any{}}
				}
				entry["outputSchema"] = doc
			}
			if step.Protocol != nil {
				entry["protocol"] = step.Protocol
			}
			steps = append(steps, entry)
		}
		plugins = append(plugins, map[string]any{
			"name":  p.Name,
			"steps": steps,
		})
	}

	return map[string]any{"plugins": plugins}
}

// GetUnifiedProfile aggregates every plugin's GetProfile contribution. A
// failing plugin contributes {"error": …} without affecting the others.
func (e *Engine) GetUnifiedProfile(ctx context.Context, subjectID string) map[string]any {
	contributions := make(map[string]any)
	for _, p := range e.GetAllPlugins() {
		if p.GetProfile == nil {
			continue
		}
		sc := &StepCtx{Engine: e, Config: p.Config}
		data, err := p.GetProfile(ctx, subjectID, sc)
		if err != nil {
			contributions[p.Name] = map[string]any{"error": SanitizedView(err).Message}
			continue
		}
		contributions[p.Name] = data
	}
	return map[string]any{
		"subjectId":   subjectID,
		"plugins":     contributions,
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
	}
}
