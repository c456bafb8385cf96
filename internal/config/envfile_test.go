package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnv(t *testing.T) {
	input := `# deployment settings
PROJECT_ID="proj-123"   # inline comment
export REGION='europe-west1'
SERVICE_NAME=n8n
REPO_NAME=${SERVICE_NAME}-images
EMPTY=

CPU="2" MEMORY=4Gi
`
	values, err := ParseEnv(strings.NewReader(input), "flowdeploy.env")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"PROJECT_ID":   "proj-123",
		"REGION":       "europe-west1",
		"SERVICE_NAME": "n8n",
		"REPO_NAME":    "n8n-images",
		"EMPTY":        "",
		"CPU":          "2",
		"MEMORY":       "4Gi",
	}, values)
}

func TestParseEnvRejectsShell(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"command", "echo hi\n", "unexpected command"},
		{"command after assign", "PROJECT_ID=x gcloud\n", "unexpected command"},
		{"pipeline", "A=1 | B=2\n", "only assignments"},
		{"array", "A=(1 2)\n", "plain KEY=value"},
		{"append", "A+=1\n", "plain KEY=value"},
		{"command substitution", "A=$(whoami)\n", "A"},
		{"syntax error", "A=\"unterminated\n", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnv(strings.NewReader(tt.input), "flowdeploy.env")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseEnvReportsLine(t *testing.T) {
	_, err := ParseEnv(strings.NewReader("A=1\n\nrm -rf /\n"), "flowdeploy.env")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flowdeploy.env:3")
}
