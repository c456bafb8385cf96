package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/flowdeploy/flowdeploy/internal/config"
	"github.com/flowdeploy/flowdeploy/internal/engine"
	"github.com/flowdeploy/flowdeploy/internal/ir"
	"github.com/flowdeploy/flowdeploy/internal/logging"
	"github.com/flowdeploy/flowdeploy/internal/provider"
	"github.com/flowdeploy/flowdeploy/internal/stack"
	"github.com/flowdeploy/flowdeploy/internal/state"
	"github.com/flowdeploy/flowdeploy/providers/docker"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

type pinger interface {
	Ping(ctx context.Context) error
}

type projectNumberer interface {
	ProjectNumber(ctx context.Context, projectID string) (string, error)
}

// Deployment is the Phases implementation backed by the engine, the
// built-in providers and a state backend.
type Deployment struct {
	Config   config.Options
	Registry *provider.Registry
	// StatePath overrides the local state file location.
	StatePath string
	// Backend overrides the backend selected by the configuration.
	Backend state.Backend
	// Credentials checks that cloud credentials can be found.
	Credentials func(ctx context.Context) error
	// Retry overrides the engine's retry policy.
	Retry *engine.RetryPolicy

	project *config.Project
	graph   *ir.Config
	engine  *engine.Engine
	backend state.Backend
	state   *ir.State
	number  string
	locked  bool
	// owned is set when the backend was opened here and must be closed.
	owned   bool
	applied ir.PlanSummary
}

// Project returns the configuration resolved by Prerequisites.
func (d *Deployment) Project() *config.Project { return d.project }

// State returns the state as of the last completed step.
func (d *Deployment) State() *ir.State { return d.state }

// Applied counts the changes applied across all steps.
func (d *Deployment) Applied() ir.PlanSummary { return d.applied }

func (d *Deployment) Prerequisites(ctx context.Context) (*Target, error) {
	if d.Registry == nil {
		d.Registry = provider.NewRegistry()
	}
	project, err := config.Load(d.Config)
	if err != nil {
		return nil, precondition("configuration", err)
	}
	d.project = project
	logging.Info("configuration resolved", "project", project.ProjectID, "region", project.Region, "service", project.ServiceName)

	if err := d.pingDocker(ctx); err != nil {
		return nil, precondition("docker", err)
	}

	check := d.Credentials
	if check == nil {
		check = findCredentials
	}
	if err := check(ctx); err != nil {
		return nil, precondition("credentials", err)
	}

	contextDir := project.Path(project.BuildContext)
	dockerfile := project.Dockerfile
	if !filepath.IsAbs(dockerfile) {
		dockerfile = filepath.Join(contextDir, dockerfile)
	}
	if _, err := os.Stat(dockerfile); err != nil {
		return nil, precondition("dockerfile", err)
	}
	digest, err := docker.ContextDigest(contextDir, project.Dockerfile)
	if err != nil {
		return nil, precondition("build context", err)
	}

	d.number, err = d.projectNumber(ctx, project.ProjectID)
	if err != nil {
		return nil, precondition("project", err)
	}

	d.graph = stack.Build(project, stack.Params{ProjectNumber: d.number, ContextDigest: digest})
	if _, err := engine.BuildDAG(engine.ExpandForEach(d.graph.Resources)); err != nil {
		return nil, precondition("resource graph", err)
	}

	d.engine = engine.NewEngine(d.Registry)
	d.engine.Retry = d.Retry

	backend := d.Backend
	if backend == nil {
		if backend, err = OpenBackend(ctx, project, d.StatePath); err != nil {
			return nil, precondition("state", err)
		}
		d.owned = true
	}
	d.backend = backend
	if err := backend.Lock(ctx); err != nil {
		_ = d.Finish(context.WithoutCancel(ctx))
		return nil, precondition("state lock", err)
	}
	d.locked = true

	if d.state, err = backend.Read(ctx); err != nil {
		_ = d.Finish(context.WithoutCancel(ctx))
		return nil, precondition("state", err)
	}
	logging.Debug("state loaded", "location", backend.String(), "resources", len(d.state.Resources), "serial", d.state.Serial)

	return &Target{ImageRef: project.ImageRef(), Platform: config.TargetPlatform}, nil
}

func (d *Deployment) PhaseA(ctx context.Context) error {
	return d.converge(ctx, "phase A", []string{stack.RegistryAddr})
}

func (d *Deployment) Publish(ctx context.Context) error {
	err := d.converge(ctx, "publish", []string{stack.ImageAddr})
	if err == nil {
		return nil
	}
	var pe *docker.PublishError
	if errors.As(err, &pe) {
		return err
	}
	return &docker.PublishError{Image: d.project.ImageRef(), Stage: "publish", Err: err}
}

func (d *Deployment) PhaseB(ctx context.Context) (string, error) {
	if err := d.converge(ctx, "phase B", nil); err != nil {
		return "", err
	}
	if url, ok := d.state.Outputs[stack.OutputServiceURL].(string); ok && url != "" {
		return url, nil
	}
	return d.project.ServiceURL(d.number), nil
}

// Finish releases the state lock and closes a backend the deployment opened.
func (d *Deployment) Finish(ctx context.Context) error {
	var err error
	if d.locked {
		d.locked = false
		if uerr := d.backend.Unlock(ctx); uerr != nil {
			err = fmt.Errorf("failed to release state lock: %w", uerr)
		}
	}
	if d.owned {
		d.owned = false
		if cerr := state.Close(d.backend); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close state backend: %w", cerr)
		}
	}
	return err
}

// converge plans and applies the graph restricted to targets, then persists
// state whether or not the apply succeeded.
func (d *Deployment) converge(ctx context.Context, phase string, targets []string) error {
	plan, err := d.engine.CreatePlanWithTargets(ctx, d.graph, d.state, targets)
	if err != nil {
		return fmt.Errorf("failed to plan: %w", err)
	}
	s := plan.Summary
	logging.Info("plan ready", "phase", phase, "create", s.Create, "update", s.Update, "replace", s.Replace, "delete", s.Delete, "unchanged", s.NoOp)

	next, applyErr := d.engine.ApplyPlanWithCallback(ctx, plan, d.state, logEvent)
	if next != nil {
		d.state = next
	}
	d.count(plan, applyErr)

	if err := d.backend.Write(context.WithoutCancel(ctx), d.state); err != nil {
		return errors.Join(applyErr, fmt.Errorf("failed to write state: %w", err))
	}
	return applyErr
}

func (d *Deployment) count(plan *ir.Plan, applyErr error) {
	if applyErr != nil {
		return
	}
	d.applied.Create += plan.Summary.Create
	d.applied.Update += plan.Summary.Update
	d.applied.Replace += plan.Summary.Replace
	d.applied.Delete += plan.Summary.Delete
	d.applied.NoOp += plan.Summary.NoOp
}

func logEvent(ev engine.ApplyEvent) {
	switch ev.Status {
	case "started":
		logging.Info("applying", "address", ev.Address, "action", ev.Action)
	case "completed":
		logging.Info("applied", "address", ev.Address, "action", ev.Action, "duration", ev.Duration.Round(time.Millisecond))
	case "failed":
		logging.Error("apply failed", "address", ev.Address, "action", ev.Action, "error", ev.Error)
	}
}

func (d *Deployment) pingDocker(ctx context.Context) error {
	p, err := d.load("docker")
	if err != nil {
		return err
	}
	if pp, ok := p.(pinger); ok {
		return pp.Ping(ctx)
	}
	return nil
}

func (d *Deployment) projectNumber(ctx context.Context, projectID string) (string, error) {
	p, err := d.load("gcp")
	if err != nil {
		return "", err
	}
	pn, ok := p.(projectNumberer)
	if !ok {
		return "", fmt.Errorf("provider gcp cannot look up project numbers")
	}
	return pn.ProjectNumber(ctx, projectID)
}

func (d *Deployment) load(name string) (any, error) {
	if err := d.Registry.LoadProvider(name); err != nil {
		return nil, err
	}
	return d.Registry.Get(name)
}

func findCredentials(ctx context.Context) error {
	if _, err := google.FindDefaultCredentials(ctx, cloudPlatformScope); err != nil {
		return fmt.Errorf("no application default credentials (run 'gcloud auth application-default login'): %w", err)
	}
	return nil
}

// OpenBackend returns the state backend selected by the configuration.
// statePath overrides the local state file.
func OpenBackend(ctx context.Context, project *config.Project, statePath string) (state.Backend, error) {
	if statePath == "" {
		statePath = project.Path(state.DefaultPath)
	}
	return state.NewBackend(ctx, state.BackendConfig{
		Type:      project.State.Backend,
		Path:      statePath,
		Bucket:    project.State.Bucket,
		Prefix:    project.State.Prefix,
		Region:    project.State.Region,
		LockTable: project.State.LockTable,
	})
}
