package engine

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/SOG-web/reauth-sub000/core/schema"
)

// StepCtx is what a step sees at run time: the engine handle (sessions,
// ORM, JWKS) and the owning plugin's config.
type StepCtx struct {
	Engine *Engine
	Config map[string]any
}

// HookFunc is a before/after hook. A non-nil return value replaces the
// input (before) or output (after) flowing through the pipeline.
type HookFunc func(ctx context.Context, data map[string]any, sc *StepCtx) (map[string]any, error)

// ErrorHookFunc is an onError hook. Returning (output, nil) with a non-nil
// output suppresses the error and substitutes the output; returning
// (nil, nil) leaves the error in place.
type ErrorHookFunc func(ctx context.Context, input map[string]any, sc *StepCtx, stepErr error) (map[string]any, error)

// StepHooks bundles the three hook points of a step or a plugin root.
type StepHooks struct {
	Before  HookFunc
	After   HookFunc
	OnError ErrorHookFunc
}

// HTTPProtocol is transport metadata adapters use to map a step onto HTTP.
// Codes maps short status tags (su, ip, unf, …) to HTTP status codes. The
// engine never interprets it.
type HTTPProtocol struct {
	Method string         `json:"method"`
	Codes  map[string]int `json:"codes,omitempty"`
	Auth   bool           `json:"auth,omitempty"`
}

// Protocol is the per-step adapter metadata envelope.
type Protocol struct {
	HTTP *HTTPProtocol `json:"http,omitempty"`
}

// Step is a named operation exposed by a plugin.
type Step struct {
	Name string

	// ValidationSchema and OutputSchema, when set, are asserted around Run.
	ValidationSchema *schema.Schema
	OutputSchema     *schema.Schema

	// Inputs names the keys the step reads; surfaced via GetStepInputs.
	Inputs []string

	Protocol     *Protocol
	RequiresAuth bool
	Hooks        StepHooks

	Run func(ctx context.Context, input map[string]any, sc *StepCtx) (map[string]any, error)
}

// Plugin bundles steps, config, optional init, and an optional profile
// provider under a unique name.
type Plugin struct {
	Name   string
	Config map[string]any
	Steps  []Step

	// RootHooks wrap every step of the plugin.
	RootHooks StepHooks

	// Init runs exactly once, at registration. Plugins register their
	// subject resolvers and cleanup tasks here.
	Init func(ctx context.Context, e *Engine) error

	// GetProfile contributes this plugin's slice of a unified profile.
	GetProfile func(ctx context.Context, subjectID string, sc *StepCtx) (map[string]any, error)
}

func (p *Plugin) step(name string) *Step {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

// DecodeInput decodes a step's map input into a typed struct using json
// field tags, tolerating numeric type looseness from decoded JSON.
func DecodeInput(input map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build input decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("decode step input: %w", err)
	}
	return nil
}
