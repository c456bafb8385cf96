package random

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"

	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyPassword(t *testing.T, p *Provider, cfg string, prior []byte) PasswordState {
	t.Helper()
	resp, err := p.Apply(context.Background(), &pb.ApplyRequest{
		Type:              TypePassword,
		Name:              "db_password",
		DesiredConfigJSON: []byte(cfg),
		PriorStateJSON:    prior,
	})
	require.NoError(t, err)

	var st PasswordState
	require.NoError(t, json.Unmarshal(resp.NewStateJSON, &st))
	return st
}

func TestApply_Generates(t *testing.T) {
	p := New()

	st := applyPassword(t, p, `{"length": 32}`, nil)
	assert.Len(t, st.Result, 32)
	assert.Equal(t, "db_password", st.ID)
	for _, c := range st.Result {
		assert.True(t, strings.ContainsRune(alphanumeric, c), "unexpected %q", c)
	}

	other := applyPassword(t, p, `{"length": 32}`, nil)
	assert.NotEqual(t, st.Result, other.Result)
}

func TestApply_SpecialCharset(t *testing.T) {
	p := New()
	p.rand = func(max *big.Int) (*big.Int, error) {
		return new(big.Int).Sub(max, big.NewInt(1)), nil
	}

	st := applyPassword(t, p, `{"length": 10, "special": true, "overrideSpecial": "@"}`, nil)
	assert.Equal(t, strings.Repeat("@", 10), st.Result)
}

func TestApply_KeepsExistingValue(t *testing.T) {
	p := New()
	first := applyPassword(t, p, `{"length": 16}`, nil)
	prior, err := json.Marshal(first)
	require.NoError(t, err)

	again := applyPassword(t, p, `{"length": 16}`, prior)
	assert.Equal(t, first.Result, again.Result)
}

func TestApply_Errors(t *testing.T) {
	p := New()
	ctx := context.Background()

	_, err := p.Apply(ctx, &pb.ApplyRequest{Type: TypePassword, Name: "x", DesiredConfigJSON: []byte(`{"length": 4}`)})
	assert.ErrorContains(t, err, "length must be between")

	_, err = p.Apply(ctx, &pb.ApplyRequest{Type: "random:Pet", DesiredConfigJSON: []byte(`{}`)})
	assert.ErrorContains(t, err, "unknown resource type")

	p.rand = func(*big.Int) (*big.Int, error) { return nil, errors.New("no entropy") }
	_, err = p.Apply(ctx, &pb.ApplyRequest{Type: TypePassword, Name: "x", DesiredConfigJSON: []byte(`{"length": 8}`)})
	assert.ErrorContains(t, err, "no entropy")
}

func TestPlan_AnyChangeReplaces(t *testing.T) {
	p := New()
	tests := []struct {
		name    string
		prior   string
		desired string
		want    pb.Action
	}{
		{"unchanged", `{"length": 32}`, `{"length": 32}`, pb.NOOP},
		{"length", `{"length": 32}`, `{"length": 48}`, pb.REPLACE},
		{"special", `{"length": 32}`, `{"length": 32, "special": true}`, pb.REPLACE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := p.Plan(context.Background(), &pb.PlanRequest{
				Type:              TypePassword,
				DesiredConfigJSON: []byte(tt.desired),
				PriorInputsJSON:   []byte(tt.prior),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Action)
		})
	}
}

func TestDelete(t *testing.T) {
	p := New()
	assert.NoError(t, p.Delete(context.Background(), &pb.DeleteRequest{Type: TypePassword}))
	assert.Error(t, p.Delete(context.Background(), &pb.DeleteRequest{Type: "random:Pet"}))
}
