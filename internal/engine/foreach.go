package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowdeploy/flowdeploy/internal/ir"
)

// ExpandForEach expands resources with a ForEach field into one instance per
// key, named name["key"]. Instances follow key order. The input is not modified.
func ExpandForEach(resources []*ir.Resource) []*ir.Resource {
	var expanded []*ir.Resource

	for _, res := range resources {
		if len(res.ForEach) == 0 {
			expanded = append(expanded, res)
			continue
		}

		keys := make([]string, 0, len(res.ForEach))
		for k := range res.ForEach {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			clone := cloneResource(res)
			clone.Name = fmt.Sprintf("%s[%q]", res.Name, key)
			clone.Properties = substituteEach(clone.Properties, key, res.ForEach[key])
			expanded = append(expanded, clone)
		}
	}

	return expanded
}

func cloneResource(res *ir.Resource) *ir.Resource {
	clone := &ir.Resource{
		Type:     res.Type,
		Name:     res.Name,
		Provider: res.Provider,
		Timeout:  res.Timeout,
	}
	if res.Lifecycle != nil {
		clone.Lifecycle = &ir.Lifecycle{
			PreventDestroy: res.Lifecycle.PreventDestroy,
			IgnoreChanges:  append([]string{}, res.Lifecycle.IgnoreChanges...),
			AdoptExisting:  res.Lifecycle.AdoptExisting,
		}
	}
	clone.DependsOn = append([]string{}, res.DependsOn...)
	clone.Sensitive = append([]string{}, res.Sensitive...)
	clone.Properties = deepCopyMap(res.Properties)

	return clone
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		clone := make([]any, len(val))
		for i, item := range val {
			clone[i] = deepCopyValue(item)
		}
		return clone
	default:
		return v
	}
}

const (
	eachKey   = "${each.key}"
	eachValue = "${each.value}"
)

func substituteEach(props map[string]any, key string, value any) map[string]any {
	result := make(map[string]any, len(props))
	for k, v := range props {
		result[k] = substituteValue(v, key, value)
	}
	return result
}

func substituteValue(v any, key string, value any) any {
	switch val := v.(type) {
	case string:
		// A value that is exactly ${each.value} keeps its original type.
		if val == eachValue {
			return deepCopyValue(value)
		}
		val = strings.ReplaceAll(val, eachKey, key)
		return strings.ReplaceAll(val, eachValue, fmt.Sprintf("%v", value))
	case map[string]any:
		return substituteEach(val, key, value)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = substituteValue(item, key, value)
		}
		return result
	default:
		return v
	}
}
