package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowdeploy/flowdeploy/internal/ir"
)

// UnresolvedError reports a reference whose target attribute is not yet in state.
type UnresolvedError struct {
	Ref string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved reference %s", e.Ref)
}

// HashInputs returns the sha256 of the canonical JSON form of props.
// encoding/json sorts map keys, so equal maps always hash equally.
func HashInputs(props map[string]any) (string, error) {
	b, err := json.Marshal(normalizeValue(props))
	if err != nil {
		return "", fmt.Errorf("failed to hash inputs: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ResolveProperties substitutes every reference in props with the referenced
// attribute from state. With strict unset, unresolvable references are left in
// place; with strict set they are an error.
func ResolveProperties(props map[string]any, state *ir.State, strict bool) (map[string]any, error) {
	r := &resolver{state: state, strict: strict}
	out, err := r.value(normalizeValue(props))
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

type resolver struct {
	state  *ir.State
	strict bool
}

func (r *resolver) value(val any) (any, error) {
	switch v := val.(type) {
	case string:
		return r.str(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := r.value(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.value(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *resolver) str(s string) (any, error) {
	if strings.HasPrefix(s, ir.RefScheme) {
		v, ok := r.lookup(s)
		if !ok {
			if r.strict {
				return nil, &UnresolvedError{Ref: s}
			}
			return s, nil
		}
		return v, nil
	}

	if !strings.Contains(s, "${"+ir.RefScheme) {
		return s, nil
	}

	var firstErr error
	out := embeddedRef.ReplaceAllStringFunc(s, func(m string) string {
		ref := embeddedRef.FindStringSubmatch(m)[1]
		v, ok := r.lookup(ref)
		if !ok {
			if r.strict && firstErr == nil {
				firstErr = &UnresolvedError{Ref: ref}
			}
			return m
		}
		return fmt.Sprintf("%v", v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// lookup finds the attribute in the target's outputs, then its inputs.
func (r *resolver) lookup(ref string) (any, bool) {
	addr, attr, ok := ir.ParseRef(ref)
	if !ok || r.state == nil {
		return nil, false
	}
	res := r.state.Lookup(addr)
	if res == nil {
		return nil, false
	}
	if attr == "" {
		attr = "id"
	}
	if v, ok := res.Outputs[attr]; ok {
		return v, true
	}
	if v, ok := res.Inputs[attr]; ok {
		return v, true
	}
	return nil, false
}

// ResolveOutputs resolves declared outputs against state, leaving anything
// unresolvable as written.
func ResolveOutputs(outputs map[string]any, state *ir.State) map[string]any {
	if len(outputs) == 0 {
		return nil
	}
	resolved, err := ResolveProperties(outputs, state, false)
	if err != nil {
		return outputs
	}
	return resolved
}

// normalizeValue converts typed maps and slices into the generic JSON shape
// so that properties compare and hash the same before and after a state round-trip.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		newMap := make(map[string]any, len(val))
		for k, v := range val {
			newMap[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return newMap
	case map[string]any:
		newMap := make(map[string]any, len(val))
		for k, v := range val {
			newMap[k] = normalizeValue(v)
		}
		return newMap
	case map[string]string:
		newMap := make(map[string]any, len(val))
		for k, v := range val {
			newMap[k] = v
		}
		return newMap
	case []any:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = normalizeValue(v)
		}
		return newSlice
	case []string:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = v
		}
		return newSlice
	case []map[string]any:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = normalizeValue(v)
		}
		return newSlice
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}
