package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/flowdeploy/flowdeploy/internal/ir"
	"github.com/flowdeploy/flowdeploy/internal/logging"
	"github.com/flowdeploy/flowdeploy/internal/provider"
	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

// Engine orchestrates the lifecycle of resources.
type Engine struct {
	registry *provider.Registry
	// Retry overrides DefaultRetryPolicy for provider calls.
	Retry *RetryPolicy
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry: registry,
	}
}

// CreatePlan generates an execution plan by comparing desired config with current state.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	return e.CreatePlanWithTargets(ctx, cfg, state, nil)
}

// CreatePlanWithTargets generates a plan restricted to targets and their
// transitive dependencies. If targets is empty, all resources are planned and
// resources that left the configuration are deleted.
func (e *Engine) CreatePlanWithTargets(ctx context.Context, cfg *ir.Config, state *ir.State, targets []string) (*ir.Plan, error) {
	if state == nil {
		state = ir.NewState()
	}
	logging.Debug("creating plan", "resources", len(cfg.Resources), "state_resources", len(state.Resources), "targets", len(targets))

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Targets:   targets,
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
		Outputs: cfg.Outputs,
	}

	resources := ExpandForEach(cfg.Resources)

	for _, res := range resources {
		if err := e.registry.LoadProvider(res.Provider); err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
		}
	}

	dag, err := BuildDAG(resources)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}

	targetSet, err := dag.TargetSet(targets)
	if err != nil {
		return nil, err
	}

	configByAddr := make(map[string]*ir.Resource, len(resources))
	for _, res := range resources {
		configByAddr[res.Address()] = res
	}

	actions := make(map[string]pb.Action)

	for _, addr := range dag.CreationOrder() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("plan cancelled: %w", err)
		}
		if targetSet != nil && !targetSet[addr] {
			continue
		}
		res := configByAddr[addr]

		change, err := e.planResource(ctx, res, state.Lookup(addr), state, dag, actions)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", addr, err)
		}

		action, _ := pb.ParseAction(change.Action)
		actions[addr] = action
		if action == pb.NOOP {
			plan.Summary.NoOp++
			continue
		}

		plan.Changes = append(plan.Changes, change)
		countAction(plan.Summary, action)
	}

	if targetSet == nil {
		deletes, err := planOrphans(state, configByAddr)
		if err != nil {
			return nil, err
		}
		for _, change := range deletes {
			plan.Changes = append(plan.Changes, change)
			plan.Summary.Delete++
		}
	}

	return plan, nil
}

func (e *Engine) planResource(ctx context.Context, res *ir.Resource, prior *ir.ResourceState, state *ir.State, dag *DAG, actions map[string]pb.Action) (*ir.ResourceChange, error) {
	addr := res.Address()

	if _, err := ParseTimeout(res.Timeout); err != nil {
		return nil, err
	}

	desired, err := ResolveProperties(res.Properties, state, false)
	if err != nil {
		return nil, err
	}
	hash, err := HashInputs(desired)
	if err != nil {
		return nil, err
	}

	change := &ir.ResourceChange{
		Address:      addr,
		Desired:      res,
		Prior:        prior,
		Dependencies: dag.Dependencies(addr),
	}

	var action pb.Action
	switch {
	case prior == nil:
		action = pb.CREATE
		change.Diff = buildCreateDiff(res, desired)

	case prior.Tainted:
		action = pb.REPLACE
		change.Reason = "resource is tainted"
		change.Diff = buildPropertyDiff(res, prior.Inputs, desired)

	case prior.InputsHash != "" && prior.InputsHash == hash:
		action = pb.NOOP

	default:
		action, err = e.classify(ctx, res, prior, desired)
		if err != nil {
			return nil, err
		}
		change.Diff = buildPropertyDiff(res, prior.Inputs, desired)
	}

	if action == pb.NOOP {
		if upstream := pendingUpstream(dag.References(addr), actions); upstream != "" {
			action = pb.UPDATE
			change.Reason = fmt.Sprintf("%s will change", upstream)
		}
	}

	if err := enforceLifecycle(res, prior, action); err != nil {
		return nil, err
	}

	change.Action = action.String()
	return change, nil
}

// classify asks the provider what an input change requires.
func (e *Engine) classify(ctx context.Context, res *ir.Resource, prior *ir.ResourceState, desired map[string]any) (pb.Action, error) {
	prov, err := e.registry.Get(res.Provider)
	if err != nil {
		return pb.NOOP, err
	}

	desiredJSON, err := json.Marshal(desired)
	if err != nil {
		return pb.NOOP, fmt.Errorf("failed to marshal properties: %w", err)
	}
	priorInputsJSON, err := json.Marshal(prior.Inputs)
	if err != nil {
		return pb.NOOP, fmt.Errorf("failed to marshal prior inputs: %w", err)
	}
	priorJSON, err := json.Marshal(prior.Outputs)
	if err != nil {
		return pb.NOOP, fmt.Errorf("failed to marshal prior state: %w", err)
	}

	resp, err := prov.Plan(ctx, &pb.PlanRequest{
		Type:              res.Type,
		Name:              res.Name,
		DesiredConfigJSON: desiredJSON,
		PriorInputsJSON:   priorInputsJSON,
		PriorStateJSON:    priorJSON,
	})
	if err != nil {
		return pb.NOOP, err
	}

	action := resp.Action
	if action == pb.UPDATE || action == pb.REPLACE {
		action = filterIgnoredChanges(res, resp)
	}
	return action, nil
}

// pendingUpstream returns the first referenced resource whose attributes this
// run will change, or "".
func pendingUpstream(refs []string, actions map[string]pb.Action) string {
	for _, ref := range refs {
		switch actions[ref] {
		case pb.CREATE, pb.UPDATE, pb.REPLACE:
			return ref
		}
	}
	return ""
}

// planOrphans plans deletion of state entries that left the configuration,
// dependents first.
func planOrphans(state *ir.State, configByAddr map[string]*ir.Resource) ([]*ir.ResourceChange, error) {
	var orphans []*ir.ResourceState
	for _, res := range state.Resources {
		if _, ok := configByAddr[res.Address()]; !ok {
			orphans = append(orphans, res)
		}
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	dag, err := BuildDAGFromState(orphans)
	if err != nil {
		return nil, fmt.Errorf("failed to order deletions: %w", err)
	}

	var changes []*ir.ResourceChange
	for _, addr := range dag.DestructionOrder() {
		prior := state.Lookup(addr)
		changes = append(changes, &ir.ResourceChange{
			Address: addr,
			Action:  pb.DELETE.String(),
			Prior:   prior,
			Diff:    buildDeleteDiff(prior),
		})
	}
	return changes, nil
}

// PlanDestroy plans deletion of every resource in state in reverse dependency
// order. Resources protected by prevent_destroy in cfg block the plan unless force is set.
func (e *Engine) PlanDestroy(cfg *ir.Config, state *ir.State, force bool) (*ir.Plan, error) {
	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{Timestamp: time.Now().UTC().Format(time.RFC3339)},
		Changes:  []*ir.ResourceChange{},
		Summary:  &ir.PlanSummary{},
	}

	protected := make(map[string]bool)
	if cfg != nil {
		for _, res := range ExpandForEach(cfg.Resources) {
			if res.Lifecycle != nil && res.Lifecycle.PreventDestroy {
				protected[res.Address()] = true
			}
		}
	}

	dag, err := BuildDAGFromState(state.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to order deletions: %w", err)
	}

	for _, addr := range dag.DestructionOrder() {
		if protected[addr] && !force {
			return nil, fmt.Errorf("resource %s has prevent_destroy set; use --force to destroy it", addr)
		}
		prior := state.Lookup(addr)
		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			Address: addr,
			Action:  pb.DELETE.String(),
			Prior:   prior,
			Diff:    buildDeleteDiff(prior),
		})
		plan.Summary.Delete++
	}
	return plan, nil
}

func countAction(s *ir.PlanSummary, action pb.Action) {
	switch action {
	case pb.CREATE:
		s.Create++
	case pb.UPDATE:
		s.Update++
	case pb.REPLACE:
		s.Replace++
	case pb.DELETE:
		s.Delete++
	}
}

// enforceLifecycle checks lifecycle rules and returns an error if violated.
// A tainted resource may always be replaced.
func enforceLifecycle(res *ir.Resource, prior *ir.ResourceState, action pb.Action) error {
	if res.Lifecycle == nil || !res.Lifecycle.PreventDestroy {
		return nil
	}
	if action != pb.DELETE && action != pb.REPLACE {
		return nil
	}
	if prior != nil && prior.Tainted {
		return nil
	}
	return fmt.Errorf("resource %s has prevent_destroy set but plan requires destruction", res.Address())
}

// filterIgnoredChanges downgrades the action to NOOP when every changed
// attribute is listed in IgnoreChanges.
func filterIgnoredChanges(res *ir.Resource, resp *pb.PlanResponse) pb.Action {
	if res.Lifecycle == nil || len(res.Lifecycle.IgnoreChanges) == 0 || len(resp.ChangedAttributes) == 0 {
		return resp.Action
	}

	ignoreSet := make(map[string]bool)
	for _, attr := range res.Lifecycle.IgnoreChanges {
		ignoreSet[attr] = true
	}
	for _, attr := range resp.ChangedAttributes {
		if !ignoreSet[attr] {
			return resp.Action
		}
	}
	return pb.NOOP
}

// buildPropertyDiff compares prior and desired properties. Sensitive values are masked.
func buildPropertyDiff(res *ir.Resource, prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		var d *ir.PropertyDiff
		switch {
		case !inPrior:
			d = &ir.PropertyDiff{After: desiredVal, Action: "create"}
		case !inDesired:
			d = &ir.PropertyDiff{Before: priorVal, Action: "delete"}
		case !reflect.DeepEqual(priorVal, desiredVal):
			d = &ir.PropertyDiff{Before: priorVal, After: desiredVal, Action: "update"}
		default:
			continue
		}
		diff[k] = mask(res, k, d)
	}

	return diff
}

func buildCreateDiff(res *ir.Resource, props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = mask(res, k, &ir.PropertyDiff{After: v, Action: "create"})
	}
	return diff
}

func buildDeleteDiff(prior *ir.ResourceState) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range prior.Inputs {
		d := &ir.PropertyDiff{Before: v, Action: "delete"}
		if contains(prior.Sensitive, k) {
			d.Before, d.Sensitive = nil, true
		}
		diff[k] = d
	}
	return diff
}

func mask(res *ir.Resource, key string, d *ir.PropertyDiff) *ir.PropertyDiff {
	if res.IsSensitive(key) {
		d.Before, d.After, d.Sensitive = nil, nil, true
	}
	return d
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
