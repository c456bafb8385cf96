package gcp

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/artifactregistry/v1"

	"github.com/flowdeploy/flowdeploy/internal/logging"
	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

// ServiceConfig enables one API on a project.
type ServiceConfig struct {
	Project string `json:"project"`
	Service string `json:"service"`
	// DisableOnDestroy turns the API off when the resource is deleted.
	DisableOnDestroy bool `json:"disableOnDestroy,omitempty"`
}

type ServiceState struct {
	ID               string `json:"id"`
	Service          string `json:"service"`
	State            string `json:"state"`
	DisableOnDestroy bool   `json:"disableOnDestroy,omitempty"`
}

func serviceName(project, service string) string {
	return fmt.Sprintf("projects/%s/services/%s", project, service)
}

func (p *Provider) applyService(ctx context.Context, req *pb.ApplyRequest) (any, error) {
	desired, err := decode[ServiceConfig](req.DesiredConfigJSON, "desired config")
	if err != nil {
		return nil, err
	}
	api, err := p.serviceUsageAPI(ctx)
	if err != nil {
		return nil, err
	}

	name := serviceName(desired.Project, desired.Service)
	if err := api.EnableService(ctx, name); err != nil {
		return nil, fmt.Errorf("failed to enable %s: %w", desired.Service, err)
	}
	logging.Debug("service enabled", "service", desired.Service, "project", desired.Project)

	return &ServiceState{
		ID:               name,
		Service:          desired.Service,
		State:            "ENABLED",
		DisableOnDestroy: desired.DisableOnDestroy,
	}, nil
}

// deleteService leaves the API enabled unless disableOnDestroy was set;
// other workloads in the project may depend on it.
func (p *Provider) deleteService(ctx context.Context, req *pb.DeleteRequest) error {
	st, err := decode[ServiceState](req.CurrentStateJSON, "current state")
	if err != nil {
		return err
	}
	if !st.DisableOnDestroy || st.ID == "" {
		return nil
	}
	api, err := p.serviceUsageAPI(ctx)
	if err != nil {
		return err
	}
	if err := ignoreNotFound(api.DisableService(ctx, st.ID)); err != nil {
		return fmt.Errorf("failed to disable %s: %w", st.Service, err)
	}
	return nil
}

// RepositoryConfig is an Artifact Registry repository.
type RepositoryConfig struct {
	Project      string `json:"project"`
	Location     string `json:"location"`
	RepositoryID string `json:"repositoryId"`
	Format       string `json:"format"`
	Description  string `json:"description,omitempty"`
}

type RepositoryState struct {
	ID           string `json:"id"`
	RepositoryID string `json:"repositoryId"`
	Location     string `json:"location"`
	Format       string `json:"format"`
	URL          string `json:"url"`
	Adopted      bool   `json:"adopted,omitempty"`
}

func (c *RepositoryConfig) name() string {
	return fmt.Sprintf("projects/%s/locations/%s/repositories/%s", c.Project, c.Location, c.RepositoryID)
}

func (c *RepositoryConfig) state(adopted bool) *RepositoryState {
	return &RepositoryState{
		ID:           c.name(),
		RepositoryID: c.RepositoryID,
		Location:     c.Location,
		Format:       c.Format,
		URL:          fmt.Sprintf("%s-docker.pkg.dev/%s/%s", c.Location, c.Project, c.RepositoryID),
		Adopted:      adopted,
	}
}

func (p *Provider) applyRepository(ctx context.Context, req *pb.ApplyRequest) (any, error) {
	desired, err := decode[RepositoryConfig](req.DesiredConfigJSON, "desired config")
	if err != nil {
		return nil, err
	}
	if desired.Format == "" {
		desired.Format = "DOCKER"
	}
	api, err := p.registryAPI(ctx)
	if err != nil {
		return nil, err
	}
	name := desired.name()

	if len(req.PriorStateJSON) > 0 {
		repo := &artifactregistry.Repository{Description: desired.Description}
		if err := api.UpdateRepository(ctx, name, repo, "description"); err != nil {
			return nil, fmt.Errorf("failed to update repository %s: %w", desired.RepositoryID, err)
		}
		prior, err := decode[RepositoryState](req.PriorStateJSON, "prior state")
		if err != nil {
			return nil, err
		}
		return desired.state(prior.Adopted), nil
	}

	if req.Adopt {
		existing, err := api.GetRepository(ctx, name)
		switch {
		case err == nil:
			if !strings.EqualFold(existing.Format, desired.Format) {
				return nil, &pb.ConflictError{
					Type: req.Type,
					Name: req.Name,
					ID:   name,
					Err:  fmt.Errorf("existing repository has format %s, want %s", existing.Format, desired.Format),
				}
			}
			logging.Info("adopting existing repository", "repository", name)
			return desired.state(true), nil
		case !isNotFound(err):
			return nil, fmt.Errorf("failed to look up repository %s: %w", desired.RepositoryID, err)
		}
	}

	parent := fmt.Sprintf("projects/%s/locations/%s", desired.Project, desired.Location)
	repo := &artifactregistry.Repository{
		Format:      desired.Format,
		Description: desired.Description,
	}
	if err := api.CreateRepository(ctx, parent, desired.RepositoryID, repo); err != nil && !createdEarlier(req, err) {
		return nil, conflict(req, name, err)
	}
	return desired.state(false), nil
}

func (p *Provider) deleteRepository(ctx context.Context, req *pb.DeleteRequest) error {
	st, err := decode[RepositoryState](req.CurrentStateJSON, "current state")
	if err != nil {
		return err
	}
	if st.ID == "" {
		return nil
	}
	// A repository that existed before the first run is only released.
	if st.Adopted {
		logging.Info("releasing adopted repository", "repository", st.ID)
		return nil
	}
	api, err := p.registryAPI(ctx)
	if err != nil {
		return err
	}
	if err := ignoreNotFound(api.DeleteRepository(ctx, st.ID)); err != nil {
		return fmt.Errorf("failed to delete repository %s: %w", st.RepositoryID, err)
	}
	return nil
}
