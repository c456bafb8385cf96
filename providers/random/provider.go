// Package random generates values that are created once and then kept in state.
package random

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"

	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

const (
	TypePassword = "random:Password"

	alphanumeric   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	defaultSpecial = "!#$%&*()-_=+[]{}<>:?"
)

// Provider implements random:Password.
type Provider struct {
	// rand is the entropy source; nil means crypto/rand.
	rand func(max *big.Int) (*big.Int, error)
}

func New() *Provider {
	return &Provider{}
}

// PasswordConfig is the desired configuration of a random:Password.
type PasswordConfig struct {
	Length          int    `json:"length"`
	Special         bool   `json:"special"`
	OverrideSpecial string `json:"overrideSpecial,omitempty"`
}

// PasswordState is what a random:Password records.
type PasswordState struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Length int    `json:"length"`
}

// Every input shapes the generated value, so any change regenerates it.
var forceNew = []string{"length", "special", "overrideSpecial"}

func (p *Provider) Plan(ctx context.Context, req *pb.PlanRequest) (*pb.PlanResponse, error) {
	if req.Type != TypePassword {
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	return pb.PlanByAttributes(req, forceNew...)
}

func (p *Provider) Apply(ctx context.Context, req *pb.ApplyRequest) (*pb.ApplyResponse, error) {
	if req.Type != TypePassword {
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}

	var desired PasswordConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	if desired.Length < 8 || desired.Length > 256 {
		return nil, fmt.Errorf("%s.%s: length must be between 8 and 256, got %d", req.Type, req.Name, desired.Length)
	}

	// An existing value is never regenerated in place.
	if len(req.PriorStateJSON) > 0 {
		var prior PasswordState
		if err := json.Unmarshal(req.PriorStateJSON, &prior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
		}
		if prior.Result != "" {
			return &pb.ApplyResponse{NewStateJSON: req.PriorStateJSON}, nil
		}
	}

	charset := alphanumeric
	if desired.Special {
		special := desired.OverrideSpecial
		if special == "" {
			special = defaultSpecial
		}
		charset += special
	}

	result, err := p.generate(desired.Length, charset)
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s.%s: %w", req.Type, req.Name, err)
	}

	stateJSON, err := json.Marshal(PasswordState{
		ID:     req.Name,
		Result: result,
		Length: desired.Length,
	})
	if err != nil {
		return nil, err
	}
	return &pb.ApplyResponse{NewStateJSON: stateJSON}, nil
}

// Delete forgets the value; there is nothing remote to remove.
func (p *Provider) Delete(ctx context.Context, req *pb.DeleteRequest) error {
	if req.Type != TypePassword {
		return fmt.Errorf("unknown resource type: %s", req.Type)
	}
	return nil
}

func (p *Provider) generate(length int, charset string) (string, error) {
	source := p.rand
	if source == nil {
		source = func(max *big.Int) (*big.Int, error) { return rand.Int(rand.Reader, max) }
	}

	max := big.NewInt(int64(len(charset)))
	out := make([]byte, length)
	for i := range out {
		n, err := source(max)
		if err != nil {
			return "", err
		}
		out[i] = charset[n.Int64()]
	}
	return string(out), nil
}
