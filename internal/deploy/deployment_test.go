package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdeploy/flowdeploy/internal/config"
	"github.com/flowdeploy/flowdeploy/internal/engine"
	"github.com/flowdeploy/flowdeploy/internal/ir"
	"github.com/flowdeploy/flowdeploy/internal/provider"
	"github.com/flowdeploy/flowdeploy/internal/state"
	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
	"github.com/flowdeploy/flowdeploy/providers/docker"
)

// echoProvider returns the desired config as state plus the attributes real
// providers compute.
type echoProvider struct {
	applies []string
	deletes []string
	fail    map[string]error
}

func newEcho() *echoProvider {
	return &echoProvider{fail: map[string]error{}}
}

func (f *echoProvider) Plan(_ context.Context, req *pb.PlanRequest) (*pb.PlanResponse, error) {
	return pb.PlanByAttributes(req)
}

func (f *echoProvider) Apply(_ context.Context, req *pb.ApplyRequest) (*pb.ApplyResponse, error) {
	addr := ir.Address(req.Type, req.Name)
	f.applies = append(f.applies, addr)
	if err := f.fail[addr]; err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(req.DesiredConfigJSON, &out); err != nil {
		return nil, err
	}
	out["id"] = addr
	switch req.Type {
	case "docker:Image":
		out["digest"] = "sha256:feed"
	case "random:Password":
		out["result"] = fmt.Sprintf("generated-%s-%d", req.Name, len(f.applies))
	case "gcp:SQL.Instance":
		out["connectionName"] = fmt.Sprintf("%s:%s:%s", out["project"], out["region"], out["name"])
	case "gcp:SecretManager.Secret":
		out["id"] = fmt.Sprintf("projects/%s/secrets/%s", out["project"], out["secretId"])
	case "gcp:SecretManager.SecretVersion":
		out["version"] = fmt.Sprint(len(f.applies))
	case "gcp:IAM.ServiceAccount":
		email := fmt.Sprintf("%s@%s.iam.gserviceaccount.com", out["accountId"], out["project"])
		out["email"] = email
		out["member"] = "serviceAccount:" + email
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &pb.ApplyResponse{NewStateJSON: b}, nil
}

func (f *echoProvider) Delete(_ context.Context, req *pb.DeleteRequest) error {
	f.deletes = append(f.deletes, ir.Address(req.Type, req.Name))
	return nil
}

type fakeGCP struct{ *echoProvider }

func (f *fakeGCP) ProjectNumber(context.Context, string) (string, error) { return "987654321", nil }

type fakeDockerProvider struct {
	*echoProvider
	pingErr error
}

func (f *fakeDockerProvider) Ping(context.Context) error { return f.pingErr }

type fixture struct {
	dir      string
	registry *provider.Registry
	gcp      *fakeGCP
	docker   *fakeDockerProvider
	random   *echoProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultFile), []byte("PROJECT_ID=proj-123\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM n8nio/n8n\n"), 0o644))

	f := &fixture{
		dir:      dir,
		registry: provider.NewRegistry(),
		gcp:      &fakeGCP{newEcho()},
		docker:   &fakeDockerProvider{echoProvider: newEcho()},
		random:   newEcho(),
	}
	f.registry.Register("gcp", f.gcp)
	f.registry.Register("docker", f.docker)
	f.registry.Register("random", f.random)
	return f
}

func (f *fixture) deployment() *Deployment {
	return &Deployment{
		Config: config.Options{
			Path:    filepath.Join(f.dir, config.DefaultFile),
			Environ: func(string) (string, bool) { return "", false },
		},
		Registry:    f.registry,
		Credentials: func(context.Context) error { return nil },
		Retry:       &engine.RetryPolicy{MaxRetries: 0},
	}
}

func (f *fixture) statePath() string {
	return filepath.Join(f.dir, state.DefaultPath)
}

func (f *fixture) run(t *testing.T) (*Deployment, string, error) {
	t.Helper()
	d := f.deployment()
	var out bytes.Buffer
	err := (&Orchestrator{Phases: d, Out: &out, Styles: NewStyles(false)}).Run(context.Background())
	return d, out.String(), err
}

func (f *fixture) readState(t *testing.T) *ir.State {
	t.Helper()
	s, err := state.NewManager(f.statePath()).Read(context.Background())
	require.NoError(t, err)
	return s
}

func TestDeploymentFullRunConverges(t *testing.T) {
	f := newFixture(t)

	d, out, err := f.run(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Service URL: https://n8n-987654321.us-central1.run.app\n")
	assert.Greater(t, d.Applied().Create, 0)

	// Phase A touches only the registry and the API it needs.
	assert.Equal(t, []string{
		"gcp:ServiceUsage.Service.artifactregistry",
		"gcp:ArtifactRegistry.Repository.registry",
	}, f.gcp.applies[:2])
	assert.Equal(t, []string{"docker:Image.app"}, f.docker.applies)

	st := f.readState(t)
	assert.Equal(t, "https://n8n-987654321.us-central1.run.app", st.Outputs["service_url"])
	assert.Equal(t, "proj-123:us-central1:n8n-db", st.Outputs["db_connection_name"])
	svc := st.Lookup("gcp:Run.Service.app")
	require.NotNil(t, svc)
	assert.Equal(t, "sha256:feed", svc.Inputs["imageDigest"])

	gcpApplies := len(f.gcp.applies)
	d2, _, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, ir.PlanSummary{NoOp: d2.Applied().NoOp}, d2.Applied())
	assert.Len(t, f.gcp.applies, gcpApplies)
	assert.Len(t, f.docker.applies, 1)

	// The lock is released after each run.
	require.NoError(t, state.NewManager(f.statePath()).Lock(context.Background()))
}

func TestDeploymentSecretsStableUntilTainted(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.run(t)
	require.NoError(t, err)

	key := f.readState(t).Lookup("random:Password.encryption_key")
	require.NotNil(t, key)
	original := key.Outputs["result"]

	_, _, err = f.run(t)
	require.NoError(t, err)
	assert.Equal(t, original, f.readState(t).Lookup("random:Password.encryption_key").Outputs["result"])

	st := f.readState(t)
	st.Lookup("random:Password.encryption_key").Tainted = true
	require.NoError(t, state.NewManager(f.statePath()).Write(context.Background(), st))

	d, _, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Applied().Replace)

	rotated := f.readState(t)
	assert.NotEqual(t, original, rotated.Lookup("random:Password.encryption_key").Outputs["result"])
	assert.Equal(t, rotated.Lookup("random:Password.encryption_key").Outputs["result"],
		rotated.Lookup("gcp:SecretManager.SecretVersion.encryption_key").Inputs["data"])
	assert.Contains(t, f.random.deletes, "random:Password.encryption_key")
}

func TestDeploymentPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.docker.fail["docker:Image.app"] = errors.New("denied: permission to push")

	_, out, err := f.run(t)
	require.Error(t, err)

	var pub *docker.PublishError
	require.True(t, errors.As(err, &pub))
	assert.Equal(t, "us-central1-docker.pkg.dev/proj-123/n8n-repo/n8n:latest", pub.Image)
	assert.Contains(t, err.Error(), "denied: permission to push")
	assert.NotContains(t, out, "Phase B")
	assert.NotContains(t, f.gcp.applies, "gcp:Run.Service.app")

	// Phase A results were persisted so a re-run resumes.
	st := f.readState(t)
	assert.NotNil(t, st.Lookup("gcp:ArtifactRegistry.Repository.registry"))
	assert.Nil(t, st.Lookup("docker:Image.app"))
}

func TestDeploymentConflictIsReported(t *testing.T) {
	f := newFixture(t)
	cause := errors.New("googleapi: Error 409: The Cloud SQL instance already exists., instanceAlreadyExists")
	f.gcp.fail["gcp:SQL.Instance.db"] = &pb.ConflictError{Type: "gcp:SQL.Instance", Name: "db", ID: "n8n-db", Err: cause}

	_, _, err := f.run(t)
	require.Error(t, err)

	var conflict *pb.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Contains(t, err.Error(), cause.Error())
	assert.Contains(t, err.Error(), "state rm gcp:SQL.Instance.db")
	assert.Empty(t, f.gcp.deletes)
}

func TestDeploymentPreconditions(t *testing.T) {
	t.Run("missing config", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, os.Remove(filepath.Join(f.dir, config.DefaultFile)))

		_, _, err := f.run(t)
		var pre *PreconditionError
		require.True(t, errors.As(err, &pre))
		assert.Equal(t, "configuration", pre.Check)
		assert.True(t, errors.Is(err, config.ErrConfigNotFound))
	})

	t.Run("docker unreachable", func(t *testing.T) {
		f := newFixture(t)
		f.docker.pingErr = errors.New("Cannot connect to the Docker daemon")

		_, _, err := f.run(t)
		var pre *PreconditionError
		require.True(t, errors.As(err, &pre))
		assert.Equal(t, "docker", pre.Check)
	})

	t.Run("missing dockerfile", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, os.Remove(filepath.Join(f.dir, "Dockerfile")))

		_, _, err := f.run(t)
		var pre *PreconditionError
		require.True(t, errors.As(err, &pre))
		assert.Equal(t, "dockerfile", pre.Check)
	})

	t.Run("no credentials", func(t *testing.T) {
		f := newFixture(t)
		d := f.deployment()
		d.Credentials = func(context.Context) error { return errors.New("could not find default credentials") }

		err := (&Orchestrator{Phases: d, Out: &bytes.Buffer{}, Styles: NewStyles(false)}).Run(context.Background())
		var pre *PreconditionError
		require.True(t, errors.As(err, &pre))
		assert.Equal(t, "credentials", pre.Check)
		assert.Empty(t, f.gcp.applies)
	})

	t.Run("state locked", func(t *testing.T) {
		f := newFixture(t)
		held := state.NewManager(f.statePath())
		require.NoError(t, held.Lock(context.Background()))
		t.Cleanup(func() { _ = held.Unlock(context.Background()) })

		_, _, err := f.run(t)
		var pre *PreconditionError
		require.True(t, errors.As(err, &pre))
		assert.Equal(t, "state lock", pre.Check)
		assert.Empty(t, f.gcp.applies)
	})
}

type closingBackend struct {
	*state.Manager
	unlocked, closed int
}

func (b *closingBackend) Unlock(ctx context.Context) error {
	b.unlocked++
	return b.Manager.Unlock(ctx)
}

func (b *closingBackend) Close() error {
	b.closed++
	return nil
}

func TestDeploymentFinishClosesOwnedBackend(t *testing.T) {
	backend := &closingBackend{Manager: state.NewManager(filepath.Join(t.TempDir(), "state.json"))}
	d := &Deployment{backend: backend, locked: true, owned: true}

	require.NoError(t, d.Finish(context.Background()))
	require.NoError(t, d.Finish(context.Background()))
	assert.Equal(t, 1, backend.unlocked)
	assert.Equal(t, 1, backend.closed)

	// A backend passed in by the caller stays open.
	shared := &closingBackend{Manager: state.NewManager(filepath.Join(t.TempDir(), "state.json"))}
	d = &Deployment{backend: shared, locked: true}
	require.NoError(t, d.Finish(context.Background()))
	assert.Equal(t, 1, shared.unlocked)
	assert.Zero(t, shared.closed)
}
