package docker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextDigest(t *testing.T) {
	dir := writeContext(t, map[string]string{
		"Dockerfile":    "FROM n8nio/n8n\n",
		"app/main.go":   "package main\n",
		"notes.tmp":     "scratch",
		".dockerignore": "*.tmp\n",
	})

	first, err := ContextDigest(dir, "Dockerfile")
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, first)

	again, err := ContextDigest(dir, "Dockerfile")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	t.Run("ignored and state files do not count", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.tmp"), []byte("changed"), 0o644))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, ".flowdeploy"), 0o700))
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".flowdeploy", "state.json"), []byte("{}"), 0o600))

		got, err := ContextDigest(dir, "Dockerfile")
		require.NoError(t, err)
		assert.Equal(t, first, got)
	})

	t.Run("content changes count", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "app", "main.go"), []byte("package main // v2\n"), 0o644))

		got, err := ContextDigest(dir, "Dockerfile")
		require.NoError(t, err)
		assert.NotEqual(t, first, got)
	})
}

func TestExcludePatterns(t *testing.T) {
	dir := writeContext(t, map[string]string{
		"Dockerfile":    "FROM scratch\n",
		".dockerignore": "# comment\nDockerfile\nnode_modules\n",
	})

	patterns, err := ExcludePatterns(dir, "Dockerfile")
	require.NoError(t, err)
	assert.Equal(t, []string{".git", ".flowdeploy", "Dockerfile", "node_modules", "!Dockerfile", "!.dockerignore"}, patterns)

	empty := t.TempDir()
	patterns, err = ExcludePatterns(empty, filepath.Join(empty, "Dockerfile"))
	require.NoError(t, err)
	assert.Equal(t, []string{".git", ".flowdeploy"}, patterns)
}
