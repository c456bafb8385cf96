// Package docker builds and publishes the application image and runs it
// locally for smoke tests.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

const (
	TypeImage     = "docker:Image"
	TypeContainer = "docker:Container"

	// DefaultPlatform is what the image is always built for; Cloud Run only
	// runs linux/amd64.
	DefaultPlatform = "linux/amd64"

	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

// API is the subset of the Docker Engine client the provider uses.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// TokenSourceFunc returns credentials used to push to Artifact Registry.
type TokenSourceFunc func(ctx context.Context) (oauth2.TokenSource, error)

type Provider struct {
	// Out receives build and push progress.
	Out io.Writer

	mu          sync.Mutex
	client      API
	newClient   func() (API, error)
	tokenSource TokenSourceFunc
}

func New() *Provider {
	return &Provider{
		Out: os.Stderr,
		newClient: func() (API, error) {
			return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		},
		tokenSource: func(ctx context.Context) (oauth2.TokenSource, error) {
			return google.DefaultTokenSource(ctx, cloudPlatformScope)
		},
	}
}

// NewWithClient returns a provider that uses api for every call.
func NewWithClient(api API, tokens TokenSourceFunc) *Provider {
	p := New()
	p.client = api
	if tokens != nil {
		p.tokenSource = tokens
	}
	return p
}

func (p *Provider) ensureClient() (API, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	cli, err := p.newClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	p.client = cli
	return cli, nil
}

// Ping checks that the Docker daemon answers.
func (p *Provider) Ping(ctx context.Context) error {
	cli, err := p.ensureClient()
	if err != nil {
		return err
	}
	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon is not reachable: %w", err)
	}
	return nil
}

func (p *Provider) Plan(ctx context.Context, req *pb.PlanRequest) (*pb.PlanResponse, error) {
	switch req.Type {
	case TypeImage:
		// Rebuilding pushes over the same tag, so nothing is ever replaced.
		return pb.PlanByAttributes(req)
	case TypeContainer:
		return pb.PlanByAttributes(req, "image", "name", "env", "ports", "platform")
	}
	return nil, fmt.Errorf("unknown resource type: %s", req.Type)
}

func (p *Provider) Apply(ctx context.Context, req *pb.ApplyRequest) (*pb.ApplyResponse, error) {
	cli, err := p.ensureClient()
	if err != nil {
		return nil, err
	}

	var st any
	switch req.Type {
	case TypeImage:
		st, err = p.applyImage(ctx, cli, req)
	case TypeContainer:
		st, err = p.applyContainer(ctx, cli, req)
	default:
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	if err != nil {
		return nil, err
	}

	stateJSON, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return &pb.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (p *Provider) Delete(ctx context.Context, req *pb.DeleteRequest) error {
	switch req.Type {
	case TypeImage:
		// Pushed images stay in the registry; the repository owns them.
		return nil
	case TypeContainer:
		cli, err := p.ensureClient()
		if err != nil {
			return err
		}
		return p.deleteContainer(ctx, cli, req)
	}
	return fmt.Errorf("unknown resource type: %s", req.Type)
}

// Close releases the Docker client.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

func (p *Provider) out() io.Writer {
	if p.Out == nil {
		return io.Discard
	}
	return p.Out
}
