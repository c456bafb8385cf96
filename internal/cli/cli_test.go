package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cloudlogging "cloud.google.com/go/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowdeploy/flowdeploy/internal/config"
	"github.com/flowdeploy/flowdeploy/internal/ir"
	"github.com/flowdeploy/flowdeploy/internal/state"
)

func newProjectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultFile), []byte("PROJECT_ID=proj-123\n"), 0o644))
	return dir
}

func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	statePath, logFormat = "", "json"
	outputJSON, stateShowSensitive = false, false
	destroyForce, destroyAutoApprove = false, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{
		"--config", filepath.Join(dir, config.DefaultFile),
		"--non-interactive", "--no-color", "--log-level", "error",
	}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedState(t *testing.T, dir string, resources ...*ir.ResourceState) {
	t.Helper()
	s := state.NewState()
	s.Resources = resources
	s.Outputs = map[string]any{"service_url": "https://n8n-987654321.us-central1.run.app"}
	require.NoError(t, state.NewManager(filepath.Join(dir, state.DefaultPath)).Write(context.Background(), s))
}

func loadState(t *testing.T, dir string) *ir.State {
	t.Helper()
	s, err := state.NewManager(filepath.Join(dir, state.DefaultPath)).Read(context.Background())
	require.NoError(t, err)
	return s
}

func password(name string) *ir.ResourceState {
	return &ir.ResourceState{
		Type:     "random:Password",
		Name:     name,
		Provider: "random",
		Inputs:   map[string]any{"length": 32},
		Outputs:  map[string]any{"id": "none", "result": "s3cr3t-" + name},
	}
}

func TestInitWritesTemplateOnce(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, dir, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Created")

	data, err := os.ReadFile(filepath.Join(dir, config.DefaultFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "PROJECT_ID=")

	out, err = execute(t, dir, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestValidate(t *testing.T) {
	dir := newProjectDir(t)
	out, err := execute(t, dir, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid.")
	assert.Contains(t, out, "us-central1-docker.pkg.dev/proj-123/n8n-repo/n8n:latest")
}

func TestValidateMissingProjectNonInteractive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultFile), []byte("REGION=us-east1\n"), 0o644))
	t.Setenv("FLOWDEPLOY_PROJECT_ID", "")

	_, err := execute(t, dir, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROJECT_ID is required")
}

func TestImage(t *testing.T) {
	dir := newProjectDir(t)
	out, err := execute(t, dir, "image")
	require.NoError(t, err)
	assert.Equal(t, "us-central1-docker.pkg.dev/proj-123/n8n-repo/n8n:latest\n", out)
}

func TestGraph(t *testing.T) {
	dir := newProjectDir(t)
	out, err := execute(t, dir, "graph")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "digraph flowdeploy {"))
	assert.Contains(t, out, `"docker:Image.app" -> "gcp:ArtifactRegistry.Repository.registry";`)
	assert.True(t, strings.HasSuffix(out, "}\n"))
}

func TestOutput(t *testing.T) {
	dir := newProjectDir(t)
	seedState(t, dir)

	out, err := execute(t, dir, "output", "service_url")
	require.NoError(t, err)
	assert.Equal(t, "https://n8n-987654321.us-central1.run.app\n", out)

	out, err = execute(t, dir, "output", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"service_url": "https://n8n-987654321.us-central1.run.app"`)

	_, err = execute(t, dir, "output", "missing")
	assert.Error(t, err)
}

func TestStateCommands(t *testing.T) {
	dir := newProjectDir(t)
	seedState(t, dir, password("db_password"), password("encryption_key"))

	out, err := execute(t, dir, "state", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "random:Password.db_password")
	assert.Contains(t, out, "Total: 2 resource(s)")

	out, err = execute(t, dir, "state", "show", "random:Password.db_password")
	require.NoError(t, err)
	assert.Contains(t, out, "result = (sensitive)")
	assert.NotContains(t, out, "s3cr3t")

	out, err = execute(t, dir, "state", "show", "--show-sensitive", "random:Password.db_password")
	require.NoError(t, err)
	assert.Contains(t, out, "s3cr3t-db_password")

	_, err = execute(t, dir, "state", "mv", "random:Password.db_password", "random:Password.database")
	require.NoError(t, err)
	assert.NotNil(t, loadState(t, dir).Lookup("random:Password.database"))

	_, err = execute(t, dir, "state", "rm", "random:Password.database")
	require.NoError(t, err)
	s := loadState(t, dir)
	assert.Nil(t, s.Lookup("random:Password.database"))
	assert.Len(t, s.Resources, 1)

	log, err := os.ReadFile(filepath.Join(dir, ".flowdeploy", "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), `"operation":"state.mv"`)
	assert.Contains(t, string(log), `"operation":"state.rm"`)
}

func TestTaintAndUntaint(t *testing.T) {
	dir := newProjectDir(t)
	seedState(t, dir, password("encryption_key"))
	serial := loadState(t, dir).Serial

	out, err := execute(t, dir, "taint", "random:Password.encryption_key")
	require.NoError(t, err)
	assert.Contains(t, out, "tainted")
	s := loadState(t, dir)
	assert.True(t, s.Lookup("random:Password.encryption_key").Tainted)
	assert.Equal(t, serial+1, s.Serial)

	_, err = execute(t, dir, "untaint", "random:Password.encryption_key")
	require.NoError(t, err)
	assert.False(t, loadState(t, dir).Lookup("random:Password.encryption_key").Tainted)

	_, err = execute(t, dir, "taint", "random:Password.nope")
	assert.Error(t, err)
}

func TestDestroy(t *testing.T) {
	t.Run("requires approval when not interactive", func(t *testing.T) {
		dir := newProjectDir(t)
		seedState(t, dir, password("db_password"))

		_, err := execute(t, dir, "destroy")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--auto-approve")
		assert.Len(t, loadState(t, dir).Resources, 1)
	})

	t.Run("prevent_destroy blocks without force", func(t *testing.T) {
		dir := newProjectDir(t)
		seedState(t, dir, password("encryption_key"))

		_, err := execute(t, dir, "destroy", "--auto-approve")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prevent_destroy")
	})

	t.Run("deletes and clears outputs", func(t *testing.T) {
		dir := newProjectDir(t)
		seedState(t, dir, password("db_password"), password("encryption_key"))

		out, err := execute(t, dir, "destroy", "--auto-approve", "--force")
		require.NoError(t, err)
		assert.Contains(t, out, "2 resource(s) deleted")

		s := loadState(t, dir)
		assert.Empty(t, s.Resources)
		assert.Empty(t, s.Outputs)
	})
}

func TestMoveResource(t *testing.T) {
	s := &ir.State{Resources: []*ir.ResourceState{password("a"), password("b")}}

	assert.Error(t, moveResource(s, "random:Password.missing", "random:Password.c"))
	assert.Error(t, moveResource(s, "random:Password.a", "gcp:IAM.ServiceAccount.a"))
	assert.Error(t, moveResource(s, "random:Password.a", "random:Password.b"))

	require.NoError(t, moveResource(s, "random:Password.a", `random:Password.x["k"]`))
	assert.NotNil(t, s.Lookup(`random:Password.x["k"]`))
}

func TestRenderPlanChanges(t *testing.T) {
	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "gcp:SQL.User.app",
				Action:  "UPDATE",
				Reason:  "random:Password.db_password will change",
				Diff: map[string]*ir.PropertyDiff{
					"password": {Action: "update", Sensitive: true},
					"name":     {Action: "update", Before: "old", After: "n8n-user"},
				},
			},
			{Address: "gcp:SecretManager.Secret.x", Action: "DELETE"},
		},
		Summary: &ir.PlanSummary{Update: 1, Delete: 1},
	}

	var buf bytes.Buffer
	renderPlanChanges(&buf, plan, newPlanStyles(false))
	renderPlanSummary(&buf, plan)
	out := buf.String()

	assert.Contains(t, out, "# gcp:SQL.User.app will be UPDATE (random:Password.db_password will change)")
	assert.Contains(t, out, `~ name = "old" -> "n8n-user"`)
	assert.Contains(t, out, "~ password = (sensitive) -> (sensitive)")
	assert.Contains(t, out, "- gcp:SecretManager.Secret.x")
	assert.Contains(t, out, "Plan: 0 to create, 1 to update, 0 to replace, 1 to delete, 0 unchanged.")
	assert.NotContains(t, out, "\x1b[")
}

func TestLogFilter(t *testing.T) {
	p := &config.Project{ServiceName: "n8n", Region: "us-central1"}
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t,
		`resource.type="cloud_run_revision" AND resource.labels.service_name="n8n" AND resource.labels.location="us-central1" AND timestamp>="2026-01-02T03:04:05Z"`,
		logFilter(p, since))
}

func TestPayloadText(t *testing.T) {
	structured, err := structpb.NewStruct(map[string]any{"message": "Editor is now accessible", "level": "info"})
	require.NoError(t, err)
	noMessage, err := structpb.NewStruct(map[string]any{"level": "info"})
	require.NoError(t, err)

	assert.Equal(t, "plain line", payloadText("plain line"))
	assert.Equal(t, "Editor is now accessible", payloadText(structured))
	assert.Equal(t, `{"level":"info"}`, payloadText(noMessage))
	assert.Equal(t, "", payloadText(nil))

	e := &cloudlogging.Entry{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Severity:  cloudlogging.Error,
		Payload:   "boom",
	}
	assert.Equal(t, "2026-01-02T03:04:05Z Error     boom", formatEntry(e))
}

func TestWaitForPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	require.NoError(t, waitForPort(context.Background(), ln.Addr().String(), 5*time.Second))

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := closed.Addr().String()
	closed.Close()

	err = waitForPort(context.Background(), addr, 700*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not accept connections")
}
