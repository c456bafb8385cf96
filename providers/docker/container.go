package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

// ContainerConfig runs an image locally. Ports maps host ports to container ports.
type ContainerConfig struct {
	Image    string            `json:"image"`
	Name     string            `json:"name"`
	Env      map[string]string `json:"env,omitempty"`
	Ports    map[string]int    `json:"ports,omitempty"`
	Platform string            `json:"platform,omitempty"`
	Pull     bool              `json:"pull,omitempty"`
}

type ContainerState struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

func (p *Provider) applyContainer(ctx context.Context, cli API, req *pb.ApplyRequest) (*ContainerState, error) {
	var desired ContainerConfig
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	if desired.Platform == "" {
		desired.Platform = DefaultPlatform
	}
	platform, err := ParsePlatform(desired.Platform)
	if err != nil {
		return nil, err
	}

	if desired.Pull {
		auth, err := p.registryAuth(ctx)
		if err != nil {
			return nil, err
		}
		reader, err := cli.ImagePull(ctx, desired.Image, image.PullOptions{RegistryAuth: auth, Platform: desired.Platform})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", desired.Image, err)
		}
		err = drain(reader, p.out())
		reader.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", desired.Image, err)
		}
	}

	portBindings := nat.PortMap{}
	exposed := nat.PortSet{}
	for hostPort, containerPort := range desired.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		exposed[port] = struct{}{}
		portBindings[port] = append(portBindings[port], nat.PortBinding{
			HostIP:   "127.0.0.1",
			HostPort: hostPort,
		})
	}

	resp, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:        desired.Image,
			Env:          envList(desired.Env),
			ExposedPorts: exposed,
		},
		&container.HostConfig{PortBindings: portBindings},
		&network.NetworkingConfig{},
		platform,
		desired.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &ContainerState{ID: resp.ID, Name: desired.Name, Image: desired.Image}, nil
}

func (p *Provider) deleteContainer(ctx context.Context, cli API, req *pb.DeleteRequest) error {
	var prior ContainerState
	if err := json.Unmarshal(req.CurrentStateJSON, &prior); err != nil {
		return fmt.Errorf("failed to unmarshal current state: %w", err)
	}
	if prior.ID == "" {
		return nil
	}

	timeout := 10
	_ = cli.ContainerStop(ctx, prior.ID, container.StopOptions{Timeout: &timeout})
	if err := cli.ContainerRemove(ctx, prior.ID, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}
	return nil
}

// Logs copies the container's demultiplexed stdout and stderr to w.
func (p *Provider) Logs(ctx context.Context, containerID string, w io.Writer) error {
	cli, err := p.ensureClient()
	if err != nil {
		return err
	}
	logs, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()
	_, err = stdcopy.StdCopy(w, w, logs)
	return err
}

// ParsePlatform parses os/arch[/variant].
func ParsePlatform(s string) (*v1.Platform, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q: want os/arch[/variant]", s)
	}
	platform := &v1.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		platform.Variant = parts[2]
	}
	return platform, nil
}

func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
