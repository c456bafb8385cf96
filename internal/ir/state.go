package ir

// State is the persisted record of everything the engine has applied.
type State struct {
	Version   int              `json:"version"`
	Serial    int              `json:"serial"`
	Lineage   string           `json:"lineage"`
	Resources []*ResourceState `json:"resources"`
	Outputs   map[string]any   `json:"outputs,omitempty"`
}

type ResourceState struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	Inputs       map[string]any `json:"inputs,omitempty"` // resolved desired properties
	InputsHash   string         `json:"inputsHash"`
	Outputs      map[string]any `json:"outputs,omitempty"` // provider returned
	Dependencies []string       `json:"dependencies,omitempty"`
	Sensitive    []string       `json:"sensitive,omitempty"`
	Tainted      bool           `json:"tainted,omitempty"`
}

// Address returns the resource address (type.name).
func (r *ResourceState) Address() string {
	return Address(r.Type, r.Name)
}

// NewState returns an empty state at the current format version.
func NewState() *State {
	return &State{Version: 1}
}

// Lookup returns the state entry for addr, or nil.
func (s *State) Lookup(addr string) *ResourceState {
	for _, res := range s.Resources {
		if res.Address() == addr {
			return res
		}
	}
	return nil
}

// Remove drops the entry for addr and reports whether it was present.
func (s *State) Remove(addr string) bool {
	for i, res := range s.Resources {
		if res.Address() == addr {
			s.Resources = append(s.Resources[:i], s.Resources[i+1:]...)
			return true
		}
	}
	return false
}
