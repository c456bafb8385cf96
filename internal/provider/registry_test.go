package provider

import (
	"context"
	"errors"
	"testing"

	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{ closed bool }

func (s *stubProvider) Plan(context.Context, *pb.PlanRequest) (*pb.PlanResponse, error) {
	return &pb.PlanResponse{}, nil
}

func (s *stubProvider) Apply(context.Context, *pb.ApplyRequest) (*pb.ApplyResponse, error) {
	return &pb.ApplyResponse{}, nil
}

func (s *stubProvider) Delete(context.Context, *pb.DeleteRequest) error { return nil }

func (s *stubProvider) Close() error {
	s.closed = true
	return nil
}

func TestRegistry_Builtins(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []string{"docker", "gcp", "random"}, reg.Names())

	require.NoError(t, reg.LoadProvider("random"))
	p, err := reg.Get("random")
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestRegistry_Unknown(t *testing.T) {
	reg := NewRegistry()

	err := reg.LoadProvider("aws")
	assert.ErrorContains(t, err, "unknown provider")

	_, err = reg.Get("gcp")
	assert.ErrorContains(t, err, "not loaded")
}

func TestRegistry_FactoryCalledOnce(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.RegisterFactory("stub", func() (pb.Provider, error) {
		calls++
		return &stubProvider{}, nil
	})

	require.NoError(t, reg.LoadProvider("stub"))
	require.NoError(t, reg.LoadProvider("stub"))
	assert.Equal(t, 1, calls)
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFactory("broken", func() (pb.Provider, error) {
		return nil, errors.New("no credentials")
	})

	err := reg.LoadProvider("broken")
	assert.ErrorContains(t, err, "no credentials")
}

func TestRegistry_RegisterOverridesAndClose(t *testing.T) {
	reg := NewRegistry()
	stub := &stubProvider{}
	reg.Register("gcp", stub)

	require.NoError(t, reg.LoadProvider("gcp"))
	p, err := reg.Get("gcp")
	require.NoError(t, err)
	assert.Same(t, stub, p)

	require.NoError(t, reg.Close())
	assert.True(t, stub.closed)
}
