package ir

// Plan represents a calculated execution plan.
type Plan struct {
	Metadata *PlanMetadata     `json:"metadata"`
	Changes  []*ResourceChange `json:"changes"`
	Summary  *PlanSummary      `json:"summary"`
	Outputs  map[string]any    `json:"outputs,omitempty"`
}

type PlanMetadata struct {
	Timestamp string   `json:"timestamp"`
	Targets   []string `json:"targets,omitempty"`
}

type ResourceChange struct {
	Address string                   `json:"address"`
	Action  string                   `json:"action"` // CREATE, UPDATE, DELETE, REPLACE
	Desired *Resource                `json:"resource,omitempty"`
	Prior   *ResourceState           `json:"prior,omitempty"`
	Diff    map[string]*PropertyDiff `json:"diff,omitempty"`
	// Dependencies are the graph edges recorded into state on apply.
	Dependencies []string `json:"dependencies,omitempty"`
	// Reason explains why a change was planned when inputs did not change.
	Reason string `json:"reason,omitempty"`
}

type PropertyDiff struct {
	Before    any    `json:"before,omitempty"`
	After     any    `json:"after,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
	Action    string `json:"action"` // create, update, delete
}

type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	NoOp    int `json:"noop"`
}

// HasChanges reports whether applying the plan would touch anything.
func (p *Plan) HasChanges() bool {
	return len(p.Changes) > 0
}
