package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/flowdeploy/flowdeploy/internal/ir"
	"github.com/flowdeploy/flowdeploy/internal/provider"
	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
	"github.com/stretchr/testify/require"
)

// fakeProvider echoes desired config back as state and records every call.
// Changing "immutable" forces replacement.
type fakeProvider struct {
	applies  []string
	deletes  []string
	failOn   map[string]error
	failOnce map[string]error
	adopted  []string
	retrying []string
	extraOut map[string]map[string]any
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{failOn: map[string]error{}, failOnce: map[string]error{}, extraOut: map[string]map[string]any{}}
}

func (f *fakeProvider) Plan(_ context.Context, req *pb.PlanRequest) (*pb.PlanResponse, error) {
	return pb.PlanByAttributes(req, "immutable")
}

func (f *fakeProvider) Apply(_ context.Context, req *pb.ApplyRequest) (*pb.ApplyResponse, error) {
	addr := ir.Address(req.Type, req.Name)
	f.applies = append(f.applies, addr)
	if req.Adopt {
		f.adopted = append(f.adopted, addr)
	}
	if req.Retrying {
		f.retrying = append(f.retrying, addr)
	}
	if err := f.failOn[addr]; err != nil {
		return nil, err
	}
	if err, ok := f.failOnce[addr]; ok {
		delete(f.failOnce, addr)
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(req.DesiredConfigJSON, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	out["id"] = fmt.Sprintf("%s-%s", req.Type, req.Name)
	for k, v := range f.extraOut[addr] {
		out[k] = v
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &pb.ApplyResponse{NewStateJSON: b}, nil
}

func (f *fakeProvider) Delete(_ context.Context, req *pb.DeleteRequest) error {
	f.deletes = append(f.deletes, ir.Address(req.Type, req.Name))
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeProvider) {
	t.Helper()
	fake := newFakeProvider()
	reg := provider.NewRegistry()
	reg.Register("fake", fake)
	eng := NewEngine(reg)
	eng.Retry = &RetryPolicy{MaxRetries: 0}
	return eng, fake
}

func fakeRes(name string, props map[string]any, deps ...string) *ir.Resource {
	return &ir.Resource{
		Type:       "fake:Thing",
		Name:       name,
		Provider:   "fake",
		DependsOn:  deps,
		Properties: props,
	}
}

func planAndApply(t *testing.T, eng *Engine, cfg *ir.Config, state *ir.State, targets ...string) (*ir.Plan, *ir.State) {
	t.Helper()
	ctx := context.Background()
	plan, err := eng.CreatePlanWithTargets(ctx, cfg, state, targets)
	require.NoError(t, err)
	state, err = eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)
	return plan, state
}

func indexOf(slice []string, item string) int {
	for i, s := range slice {
		if s == item {
			return i
		}
	}
	return -1
}

func addresses(plan *ir.Plan) []string {
	var out []string
	for _, c := range plan.Changes {
		out = append(out, c.Address)
	}
	return out
}
