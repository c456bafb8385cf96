package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsAndImageRef(t *testing.T) {
	path := writeConfig(t, "PROJECT_ID=proj-123\n")

	p, err := Load(Options{Path: path, Environ: envOf(nil)})
	require.NoError(t, err)

	assert.Equal(t, "proj-123", p.ProjectID)
	assert.Equal(t, "us-central1", p.Region)
	assert.Equal(t, "n8n-repo", p.RepoName)
	assert.Equal(t, "n8n", p.ServiceName)
	assert.Equal(t, "local", p.State.Backend)
	assert.Equal(t, filepath.Dir(path), p.Dir)

	want := "us-central1-docker.pkg.dev/proj-123/n8n-repo/n8n:latest"
	assert.Equal(t, want, p.ImageRef())
	for i := 0; i < 3; i++ {
		again, err := Load(Options{Path: path, Environ: envOf(nil)})
		require.NoError(t, err)
		assert.Equal(t, want, again.ImageRef())
	}
}

func TestLoadEnvOverridesOptionalKeys(t *testing.T) {
	path := writeConfig(t, "PROJECT_ID=proj-123\nREPO_NAME=images\n")

	p, err := Load(Options{Path: path, Environ: envOf(map[string]string{
		"FLOWDEPLOY_REGION":    "europe-west2",
		"FLOWDEPLOY_REPO_NAME": "ignored",
	})})
	require.NoError(t, err)

	assert.Equal(t, "europe-west2", p.Region)
	assert.Equal(t, "images", p.RepoName)
	assert.Equal(t, "europe-west2-docker.pkg.dev/proj-123/images/n8n:latest", p.ImageRef())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(Options{Path: filepath.Join(t.TempDir(), "nope.env")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}

func TestLoadMissingProjectNonInteractive(t *testing.T) {
	path := writeConfig(t, Template)
	p := &fakePrompter{answer: "proj-123"}

	_, err := Load(Options{Path: path, Environ: envOf(nil), Prompter: p})
	var missing *MissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, 0, p.calls)
}

func TestLoadMissingProjectInteractive(t *testing.T) {
	path := writeConfig(t, Template)
	p := &fakePrompter{answer: "proj-123"}

	cfg, err := Load(Options{Path: path, Environ: envOf(nil), Prompter: p, Interactive: true})
	require.NoError(t, err)
	assert.Equal(t, "proj-123", cfg.ProjectID)
	assert.Equal(t, 1, p.calls)
}

func TestValidate(t *testing.T) {
	valid := func() *Project {
		return &Project{
			ProjectID: "proj-123", Region: "us-central1", RepoName: "n8n-repo", ServiceName: "n8n",
			CPU: "1", Memory: "2Gi", State: StateConfig{Backend: "local"},
		}
	}

	tests := []struct {
		name   string
		mutate func(p *Project)
		want   string
	}{
		{"valid", func(p *Project) {}, ""},
		{"bad project", func(p *Project) { p.ProjectID = "Proj_123" }, "PROJECT_ID"},
		{"bad service", func(p *Project) { p.ServiceName = "N8N" }, "SERVICE_NAME"},
		{"long service", func(p *Project) { p.ServiceName = "a-very-long-service-name-indeed" }, "too long"},
		{"gcs needs bucket", func(p *Project) { p.State.Backend = "gcs" }, "STATE_BUCKET"},
		{"unknown backend", func(p *Project) { p.State.Backend = "consul" }, "STATE_BACKEND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := p.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDerivedNames(t *testing.T) {
	p := &Project{ProjectID: "proj-123", Region: "europe-west2", RepoName: "n8n-repo", ServiceName: "n8n"}

	assert.Equal(t, "n8n-sa", p.ServiceAccountID())
	assert.Equal(t, "n8n-db", p.DBInstanceName())
	assert.Equal(t, "n8n-db-password", p.DBPasswordSecretID())
	assert.Equal(t, "n8n-encryption-key", p.EncryptionKeySecretID())
	assert.Equal(t, "https://n8n-424242.europe-west2.run.app", p.ServiceURL("424242"))
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)

	created, err := WriteTemplate(path)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = WriteTemplate(path)
	require.NoError(t, err)
	assert.False(t, created)

	values, err := ReadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, "", values["PROJECT_ID"])
}
