package ir

import (
	"fmt"
	"strings"
)

// RefScheme prefixes a reference to another resource's attribute.
const RefScheme = "ptr://"

// Resource represents a single managed resource.
type Resource struct {
	Type      string     `json:"type"` // e.g. "gcp:SQL.Instance"
	Name      string     `json:"name"`
	Provider  string     `json:"provider"`
	Lifecycle *Lifecycle `json:"lifecycle,omitempty"`
	DependsOn []string   `json:"dependsOn,omitempty"`
	// ForEach expands the resource into one instance per key.
	ForEach map[string]any `json:"forEach,omitempty"`
	Timeout string         `json:"timeout,omitempty"`
	// Sensitive lists property keys whose values are masked in plan output.
	Sensitive  []string       `json:"sensitive,omitempty"`
	Properties map[string]any `json:"properties"`
}

type Lifecycle struct {
	PreventDestroy bool     `json:"preventDestroy,omitempty"`
	IgnoreChanges  []string `json:"ignoreChanges,omitempty"`
	// AdoptExisting records a pre-existing cloud resource instead of failing on conflict.
	AdoptExisting bool `json:"adoptExisting,omitempty"`
}

// Address returns the resource address (type.name).
func (r *Resource) Address() string {
	return Address(r.Type, r.Name)
}

// IsSensitive reports whether key is declared sensitive.
func (r *Resource) IsSensitive(key string) bool {
	for _, s := range r.Sensitive {
		if s == key {
			return true
		}
	}
	return false
}

// Address joins a resource type and name.
func Address(typ, name string) string {
	return fmt.Sprintf("%s.%s", typ, name)
}

// Ref builds a whole-value reference to attr of the named resource.
//
//	Ref("gcp:SQL.Instance", "db", "connectionName") == "ptr://gcp:SQL.Instance/db/connectionName"
func Ref(typ, name, attr string) string {
	return fmt.Sprintf("%s%s/%s/%s", RefScheme, typ, name, attr)
}

// Embed wraps a reference so it can be interpolated inside a larger string.
func Embed(ref string) string {
	return "${" + ref + "}"
}

// ParseRef splits a reference into the target address and attribute.
func ParseRef(ref string) (addr, attr string, ok bool) {
	if !strings.HasPrefix(ref, RefScheme) {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(ref, RefScheme), "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	if len(parts) == 3 {
		attr = parts[2]
	}
	return Address(parts[0], parts[1]), attr, true
}
