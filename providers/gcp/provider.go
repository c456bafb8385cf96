// Package gcp manages the Google Cloud resources of a deployment.
package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/option"

	"github.com/flowdeploy/flowdeploy/internal/logging"
	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

// Resource types.
const (
	TypeService        = "gcp:ServiceUsage.Service"
	TypeRepository     = "gcp:ArtifactRegistry.Repository"
	TypeSQLInstance    = "gcp:SQL.Instance"
	TypeSQLDatabase    = "gcp:SQL.Database"
	TypeSQLUser        = "gcp:SQL.User"
	TypeSecret         = "gcp:SecretManager.Secret"
	TypeSecretVersion  = "gcp:SecretManager.SecretVersion"
	TypeServiceAccount = "gcp:IAM.ServiceAccount"
	TypeProjectBinding = "gcp:IAM.ProjectBinding"
	TypeRunService     = "gcp:Run.Service"
	TypeRunIamMember   = "gcp:Run.ServiceIamMember"
)

const defaultPollInterval = 2 * time.Second

// forceNew lists, per type, the inputs that cannot change in place.
var forceNew = map[string][]string{
	TypeService:        {"project", "service"},
	TypeRepository:     {"project", "location", "repositoryId", "format"},
	TypeSQLInstance:    {"project", "name", "region", "databaseVersion"},
	TypeSQLDatabase:    {"project", "instance", "name", "charset"},
	TypeSQLUser:        {"project", "instance", "name"},
	TypeSecret:         {"project", "secretId"},
	TypeSecretVersion:  {"secret", "data"},
	TypeServiceAccount: {"project", "accountId"},
	TypeProjectBinding: {"project", "role", "member"},
	TypeRunService:     {"project", "region", "name"},
	TypeRunIamMember:   {"project", "region", "service", "role", "member"},
}

// Provider talks to Google Cloud with Application Default Credentials.
// Clients are created on first use, so constructing a Provider never
// touches the network.
type Provider struct {
	opts         []option.ClientOption
	pollInterval time.Duration

	mu       sync.Mutex
	services ServiceUsageAPI
	registry ArtifactRegistryAPI
	sql      SQLAdminAPI
	secrets  SecretManagerAPI
	iam      IAMAPI
	projects ProjectsAPI
	run      RunAPI
}

func New(opts ...option.ClientOption) *Provider {
	return &Provider{opts: opts, pollInterval: defaultPollInterval}
}

type applyFunc func(p *Provider, ctx context.Context, req *pb.ApplyRequest) (any, error)
type deleteFunc func(p *Provider, ctx context.Context, req *pb.DeleteRequest) error

type handler struct {
	apply  applyFunc
	delete deleteFunc
}

var handlers = map[string]handler{
	TypeService:        {(*Provider).applyService, (*Provider).deleteService},
	TypeRepository:     {(*Provider).applyRepository, (*Provider).deleteRepository},
	TypeSQLInstance:    {(*Provider).applySQLInstance, (*Provider).deleteSQLInstance},
	TypeSQLDatabase:    {(*Provider).applySQLDatabase, (*Provider).deleteSQLDatabase},
	TypeSQLUser:        {(*Provider).applySQLUser, (*Provider).deleteSQLUser},
	TypeSecret:         {(*Provider).applySecret, (*Provider).deleteSecret},
	TypeSecretVersion:  {(*Provider).applySecretVersion, (*Provider).deleteSecretVersion},
	TypeServiceAccount: {(*Provider).applyServiceAccount, (*Provider).deleteServiceAccount},
	TypeProjectBinding: {(*Provider).applyProjectBinding, (*Provider).deleteProjectBinding},
	TypeRunService:     {(*Provider).applyRunService, (*Provider).deleteRunService},
	TypeRunIamMember:   {(*Provider).applyRunIamMember, (*Provider).deleteRunIamMember},
}

func (p *Provider) Plan(ctx context.Context, req *pb.PlanRequest) (*pb.PlanResponse, error) {
	attrs, ok := forceNew[req.Type]
	if !ok {
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	return pb.PlanByAttributes(req, attrs...)
}

func (p *Provider) Apply(ctx context.Context, req *pb.ApplyRequest) (*pb.ApplyResponse, error) {
	h, ok := handlers[req.Type]
	if !ok {
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}

	st, err := h.apply(p, ctx, req)
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
	h, ok := handlers[req.Type]
	if !ok {
		return fmt.Errorf("unknown resource type: %s", req.Type)
	}
	return h.delete(p, ctx, req)
}

// ProjectNumber returns the numeric id of a project.
func (p *Provider) ProjectNumber(ctx context.Context, projectID string) (string, error) {
	api, err := p.projectsAPI(ctx)
	if err != nil {
		return "", err
	}
	proj, err := api.GetProject(ctx, "projects/"+projectID)
	if err != nil {
		return "", fmt.Errorf("failed to get project %s: %w", projectID, err)
	}
	return strings.TrimPrefix(proj.GetName(), "projects/"), nil
}

// Close releases the gRPC connections.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, c := range []any{p.projects, p.run} {
		if closer, ok := c.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	p.projects, p.run = nil, nil
	return errors.Join(errs...)
}

// lazy returns the client in slot, building it on first use. Clients outlive
// the call that created them, so they are built without its deadline.
func lazy[T any](ctx context.Context, mu *sync.Mutex, slot *T, name string, build func(context.Context) (T, error)) (T, error) {
	mu.Lock()
	defer mu.Unlock()

	if any(*slot) != nil {
		return *slot, nil
	}
	c, err := build(context.WithoutCancel(ctx))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to create %s client: %w", name, err)
	}
	logging.Debug("created client", "api", name)
	*slot = c
	return c, nil
}

func (p *Provider) serviceUsageAPI(ctx context.Context) (ServiceUsageAPI, error) {
	return lazy(ctx, &p.mu, &p.services, "Service Usage", func(ctx context.Context) (ServiceUsageAPI, error) {
		return newServiceUsage(ctx, p.pollInterval, p.opts...)
	})
}

func (p *Provider) registryAPI(ctx context.Context) (ArtifactRegistryAPI, error) {
	return lazy(ctx, &p.mu, &p.registry, "Artifact Registry", func(ctx context.Context) (ArtifactRegistryAPI, error) {
		return newArtifactRegistry(ctx, p.pollInterval, p.opts...)
	})
}

func (p *Provider) sqlAPI(ctx context.Context) (SQLAdminAPI, error) {
	return lazy(ctx, &p.mu, &p.sql, "Cloud SQL Admin", func(ctx context.Context) (SQLAdminAPI, error) {
		return newSQLAdmin(ctx, p.pollInterval, p.opts...)
	})
}

func (p *Provider) secretsAPI(ctx context.Context) (SecretManagerAPI, error) {
	return lazy(ctx, &p.mu, &p.secrets, "Secret Manager", func(ctx context.Context) (SecretManagerAPI, error) {
		return newSecretManager(ctx, p.opts...)
	})
}

func (p *Provider) iamAPI(ctx context.Context) (IAMAPI, error) {
	return lazy(ctx, &p.mu, &p.iam, "IAM", func(ctx context.Context) (IAMAPI, error) {
		return newIAM(ctx, p.opts...)
	})
}

func (p *Provider) projectsAPI(ctx context.Context) (ProjectsAPI, error) {
	return lazy(ctx, &p.mu, &p.projects, "Resource Manager", func(ctx context.Context) (ProjectsAPI, error) {
		return newProjects(ctx, p.opts...)
	})
}

func (p *Provider) runAPI(ctx context.Context) (RunAPI, error) {
	return lazy(ctx, &p.mu, &p.run, "Cloud Run", func(ctx context.Context) (RunAPI, error) {
		return newRun(ctx, p.opts...)
	})
}

func decode[T any](data []byte, what string) (*T, error) {
	var v T
	if len(data) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return &v, nil
}
