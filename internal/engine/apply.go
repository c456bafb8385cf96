package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowdeploy/flowdeploy/internal/ir"
	"github.com/flowdeploy/flowdeploy/internal/logging"
	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

// ApplyEvent represents a progress event during apply.
type ApplyEvent struct {
	Address  string
	Action   string
	Status   string // "started", "completed", "failed"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// ApplyPlan executes a plan and updates the state.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.Plan, state *ir.State) (*ir.State, error) {
	return e.ApplyPlanWithCallback(ctx, plan, state, nil)
}

// ApplyPlanWithCallback executes the plan's changes one at a time, in plan
// order, and stops at the first failure. State reflects every change that
// completed, so the caller should persist it whether or not an error is returned.
func (e *Engine) ApplyPlanWithCallback(ctx context.Context, plan *ir.Plan, state *ir.State, callback ApplyCallback) (*ir.State, error) {
	emit := func(event ApplyEvent) {
		if callback != nil {
			callback(event)
		}
	}

	if state == nil {
		state = ir.NewState()
	}

	for _, change := range plan.Changes {
		if err := ctx.Err(); err != nil {
			state.Serial++
			return state, fmt.Errorf("apply cancelled: %w", err)
		}

		start := time.Now()
		emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "started"})
		if err := e.applyChange(ctx, change, state); err != nil {
			emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "failed", Duration: time.Since(start), Error: err})
			state.Serial++
			return state, fmt.Errorf("apply %s: %w", change.Address, err)
		}
		emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "completed", Duration: time.Since(start)})
	}

	state.Serial++
	if plan.Outputs != nil {
		state.Outputs = ResolveOutputs(plan.Outputs, state)
	}

	return state, nil
}

func (e *Engine) applyChange(ctx context.Context, change *ir.ResourceChange, state *ir.State) error {
	addr := change.Address
	logging.Debug("applying change", "address", addr, "action", change.Action)

	action, err := pb.ParseAction(change.Action)
	if err != nil {
		return err
	}

	timeout := DefaultTimeout
	if change.Desired != nil {
		if timeout, err = ParseTimeout(change.Desired.Timeout); err != nil {
			return err
		}
	}
	ctx, cancel := WithTimeout(ctx, timeout)
	defer cancel()

	provName := ""
	switch {
	case change.Desired != nil:
		provName = change.Desired.Provider
	case change.Prior != nil:
		provName = change.Prior.Provider
	}
	if err := e.registry.LoadProvider(provName); err != nil {
		return err
	}
	prov, err := e.registry.Get(provName)
	if err != nil {
		return err
	}

	switch action {
	case pb.CREATE, pb.UPDATE, pb.REPLACE:
		if change.Desired == nil {
			return fmt.Errorf("%s change has no desired resource", change.Action)
		}
		return e.applyResource(ctx, prov, action, change, state)
	case pb.DELETE:
		prior := state.Lookup(addr)
		if prior == nil {
			return nil
		}
		if err := e.deleteResource(ctx, prov, prior); err != nil {
			return err
		}
		state.Remove(addr)
	}

	return nil
}

func (e *Engine) applyResource(ctx context.Context, prov pb.Provider, action pb.Action, change *ir.ResourceChange, state *ir.State) error {
	res := change.Desired
	addr := res.Address()

	resolved, err := ResolveProperties(res.Properties, state, true)
	if err != nil {
		return err
	}
	hash, err := HashInputs(resolved)
	if err != nil {
		return err
	}
	desiredJSON, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}

	prior := state.Lookup(addr)
	if action == pb.REPLACE && prior != nil {
		if err := e.deleteResource(ctx, prov, prior); err != nil {
			return fmt.Errorf("replace: %w", err)
		}
		state.Remove(addr)
		prior = nil
	}

	var priorJSON []byte
	if prior != nil && prior.Outputs != nil {
		if priorJSON, err = json.Marshal(prior.Outputs); err != nil {
			return fmt.Errorf("failed to marshal prior state: %w", err)
		}
	}

	adopt := res.Lifecycle != nil && res.Lifecycle.AdoptExisting && prior == nil

	var resp *pb.ApplyResponse
	attempts := 0
	err = RetryWithBackoff(ctx, e.retryPolicy(), func() error {
		var applyErr error
		resp, applyErr = prov.Apply(ctx, &pb.ApplyRequest{
			Type:              res.Type,
			Name:              res.Name,
			DesiredConfigJSON: desiredJSON,
			PriorStateJSON:    priorJSON,
			Adopt:             adopt,
			Retrying:          prior == nil && attempts > 0,
		})
		attempts++
		return applyErr
	}, IsTransientError)
	if err != nil {
		return err
	}

	var outputs map[string]any
	if resp != nil && len(resp.NewStateJSON) > 0 {
		if err := json.Unmarshal(resp.NewStateJSON, &outputs); err != nil {
			return fmt.Errorf("failed to unmarshal state: %w", err)
		}
	}

	upsert(state, &ir.ResourceState{
		Type:         res.Type,
		Name:         res.Name,
		Provider:     res.Provider,
		Inputs:       resolved,
		InputsHash:   hash,
		Outputs:      outputs,
		Dependencies: change.Dependencies,
		Sensitive:    res.Sensitive,
	})
	return nil
}

func (e *Engine) deleteResource(ctx context.Context, prov pb.Provider, prior *ir.ResourceState) error {
	currentJSON, err := json.Marshal(prior.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal current state: %w", err)
	}

	var id string
	if v, ok := prior.Outputs["id"]; ok {
		id = fmt.Sprintf("%v", v)
	}

	return RetryWithBackoff(ctx, e.retryPolicy(), func() error {
		return prov.Delete(ctx, &pb.DeleteRequest{
			Type:             prior.Type,
			Name:             prior.Name,
			ID:               id,
			CurrentStateJSON: currentJSON,
		})
	}, IsTransientError)
}

func (e *Engine) retryPolicy() *RetryPolicy {
	if e.Retry != nil {
		return e.Retry
	}
	return DefaultRetryPolicy()
}

// upsert replaces the entry with the same address in place, or appends it.
func upsert(state *ir.State, rs *ir.ResourceState) {
	addr := rs.Address()
	for i, existing := range state.Resources {
		if existing.Address() == addr {
			state.Resources[i] = rs
			return
		}
	}
	state.Resources = append(state.Resources, rs)
}
