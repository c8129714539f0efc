package session

import (
	"reflect"
	"strings"
	"sync"

	"github.com/hashicorp/go-bexpr"
)

// DeviceValidator decides whether the device presenting a token matches the
// device the session was created on. stored comes from the JWT payload or
// the session_device row; current from the caller.
type DeviceValidator func(stored, current map[string]any) bool

// FingerprintValidator requires equal "fingerprint" values. Sessions created
// without a fingerprint pass.
func FingerprintValidator(stored, current map[string]any) bool {
	want, ok := stored["fingerprint"].(string)
	if !ok || want == "" {
		return true
	}
	got, _ := current["fingerprint"].(string)
	return got == want
}

// exprCache stores compiled bexpr evaluators keyed by expression text.
var exprCache = &sync.Map{}

// ExpressionValidator builds a DeviceValidator from a go-bexpr expression.
// The datum exposes three maps: "stored" and "current" device info, plus
// "match" — per-field equality flags over the union of both key sets. bexpr
// compares a selector against a literal, never against another selector, so
// cross-side equality goes through the match flags.
//
// Example: `match.fingerprint == true and current.ip_address != ""`
//
// An empty expression allows everything; invalid syntax or evaluation
// failure denies.
func ExpressionValidator(expr string) DeviceValidator {
	return func(stored, current map[string]any) bool {
		if strings.TrimSpace(expr) == "" {
			return true
		}

		datum := map[string]any{
			"stored":  stored,
			"current": current,
			"match":   fieldMatches(stored, current),
		}

		if cached, ok := exprCache.Load(expr); ok {
			matches, err := cached.(*bexpr.Evaluator).Evaluate(datum)
			if err != nil {
				return false
			}
			return matches
		}

		evaluator, err := bexpr.CreateEvaluator(expr)
		if err != nil {
			return false
		}
		exprCache.Store(expr, evaluator)

		matches, err := evaluator.Evaluate(datum)
		if err != nil {
			return false
		}
		return matches
	}
}

// fieldMatches flags, per key, whether stored and current agree. A key
// present on only one side is false.
func fieldMatches(stored, current map[string]any) map[string]any {
	out := make(map[string]any, len(stored)+len(current))
	for k, v := range stored {
		cv, ok := current[k]
		out[k] = ok && reflect.DeepEqual(v, cv)
	}
	for k := range current {
		if _, ok := out[k]; !ok {
			out[k] = false
		}
	}
	return out
}
