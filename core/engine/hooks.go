package engine

// AuthHook is an engine-level hook woven around step executions. Scoping:
// Universal matches every step; otherwise PluginName (when set) and Steps
// (when non-empty) both have to match.
type AuthHook struct {
	Universal  bool
	PluginName string
	Steps      []string

	Before  HookFunc
	After   HookFunc
	OnError ErrorHookFunc
}

func (h AuthHook) matches(pluginName, stepName string) bool {
	if h.Universal {
		return true
	}
	if h.PluginName != "" && h.PluginName != pluginName {
		return false
	}
	if len(h.Steps) > 0 {
		for _, s := range h.Steps {
			if s == stepName {
				return true
			}
		}
		return false
	}
	return true
}

// SessionHook wraps CreateSessionFor and CheckSession. Session hooks carry
// no plugin/step scoping; all registered hooks run in registration order.
type SessionHook struct {
	Before  HookFunc
	After   HookFunc
	OnError ErrorHookFunc
}
