// Package provider defines the contract between the engine and resource providers.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Action is the planned operation for a single resource.
type Action int

const (
	NOOP Action = iota
	CREATE
	UPDATE
	REPLACE
	DELETE
)

func (a Action) String() string {
	switch a {
	case CREATE:
		return "CREATE"
	case UPDATE:
		return "UPDATE"
	case REPLACE:
		return "REPLACE"
	case DELETE:
		return "DELETE"
	default:
		return "NOOP"
	}
}

// ParseAction converts the string form stored in plans back to an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "NOOP", "":
		return NOOP, nil
	case "CREATE":
		return CREATE, nil
	case "UPDATE":
		return UPDATE, nil
	case "REPLACE":
		return REPLACE, nil
	case "DELETE":
		return DELETE, nil
	}
	return NOOP, fmt.Errorf("unknown action %q", s)
}

// PlanRequest asks a provider to classify the change between prior and desired inputs.
// It is only sent for resources that already exist and whose inputs changed.
type PlanRequest struct {
	Type              string
	Name              string
	DesiredConfigJSON []byte
	PriorInputsJSON   []byte
	PriorStateJSON    []byte
}

type PlanResponse struct {
	Action            Action
	ChangedAttributes []string
}

// ApplyRequest creates or updates a resource. PriorStateJSON is empty for creates.
type ApplyRequest struct {
	Type              string
	Name              string
	DesiredConfigJSON []byte
	PriorStateJSON    []byte
	// Adopt lets a create succeed against a resource that already exists.
	Adopt bool
	// Retrying marks a create repeated after a transient failure. The earlier
	// attempt may have reached the cloud, so an already-exists answer means
	// that attempt made the resource.
	Retrying bool
}

type ApplyResponse struct {
	NewStateJSON []byte
}

type DeleteRequest struct {
	Type             string
	Name             string
	ID               string
	CurrentStateJSON []byte
}

// Provider manages the lifecycle of a family of resource types.
type Provider interface {
	Plan(ctx context.Context, req *PlanRequest) (*PlanResponse, error)
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)
	Delete(ctx context.Context, req *DeleteRequest) error
}

// ConflictError reports that a resource being created already exists outside of state.
// Err is the cloud API error, unmodified.
type ConflictError struct {
	Type string
	Name string
	ID   string
	Err  error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists: %v", e.Type, e.ID, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// DiffAttributes returns the sorted top-level keys whose values differ.
func DiffAttributes(prior, desired map[string]any) []string {
	keys := make(map[string]bool)
	for k := range prior {
		keys[k] = true
	}
	for k := range desired {
		keys[k] = true
	}

	var changed []string
	for k := range keys {
		if !reflect.DeepEqual(prior[k], desired[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Classify maps a set of changed attributes to an action. Any attribute in
// forceNew forces replacement.
func Classify(changed []string, forceNew ...string) Action {
	if len(changed) == 0 {
		return NOOP
	}
	for _, c := range changed {
		for _, f := range forceNew {
			if c == f {
				return REPLACE
			}
		}
	}
	return UPDATE
}

// PlanByAttributes is the common Plan implementation: decode both sides, diff and classify.
func PlanByAttributes(req *PlanRequest, forceNew ...string) (*PlanResponse, error) {
	var desired, prior map[string]any
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	if len(req.PriorInputsJSON) > 0 {
		if err := json.Unmarshal(req.PriorInputsJSON, &prior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior inputs: %w", err)
		}
	}
	if prior == nil {
		return &PlanResponse{Action: CREATE}, nil
	}

	changed := DiffAttributes(prior, desired)
	return &PlanResponse{
		Action:            Classify(changed, forceNew...),
		ChangedAttributes: changed,
	}, nil
}
