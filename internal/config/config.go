// Package config resolves the deployment's project configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultFile is the configuration file looked up in the working directory.
const DefaultFile = "flowdeploy.env"

// Fixed shape of the hosted service.
const (
	ContainerPort = 5678
	MinInstances  = 0
	// MaxInstances stays at one: the application is a single writer to its database.
	MaxInstances = 1

	StartupInitialDelay     = 120 * time.Second
	StartupTimeout          = 240 * time.Second
	StartupPeriod           = 240 * time.Second
	StartupFailureThreshold = 1

	ImageTag       = "latest"
	TargetPlatform = "linux/amd64"
	DBName         = "n8n"
	DBUser         = "n8n-user"
	DBPort         = 5432
)

// Configuration keys in resolution order.
var (
	KeyProjectID      = Key{Name: "PROJECT_ID", EnvVar: "FLOWDEPLOY_PROJECT_ID", Required: true, Prompt: "GCP project id"}
	KeyRegion         = Key{Name: "REGION", EnvVar: "FLOWDEPLOY_REGION", Default: "us-central1"}
	KeyRepoName       = Key{Name: "REPO_NAME", EnvVar: "FLOWDEPLOY_REPO_NAME", Default: "n8n-repo"}
	KeyServiceName    = Key{Name: "SERVICE_NAME", EnvVar: "FLOWDEPLOY_SERVICE_NAME", Default: "n8n"}
	KeyDBTier         = Key{Name: "DB_TIER", EnvVar: "FLOWDEPLOY_DB_TIER", Default: "db-f1-micro"}
	KeyDBVersion      = Key{Name: "DB_VERSION", EnvVar: "FLOWDEPLOY_DB_VERSION", Default: "POSTGRES_13"}
	KeyCPU            = Key{Name: "CPU", EnvVar: "FLOWDEPLOY_CPU", Default: "1"}
	KeyMemory         = Key{Name: "MEMORY", EnvVar: "FLOWDEPLOY_MEMORY", Default: "2Gi"}
	KeyTimezone       = Key{Name: "TIMEZONE", EnvVar: "FLOWDEPLOY_TIMEZONE", Default: "UTC"}
	KeyBuildContext   = Key{Name: "BUILD_CONTEXT", EnvVar: "FLOWDEPLOY_BUILD_CONTEXT", Default: "."}
	KeyDockerfile     = Key{Name: "DOCKERFILE", EnvVar: "FLOWDEPLOY_DOCKERFILE", Default: "Dockerfile"}
	KeyStateBackend   = Key{Name: "STATE_BACKEND", EnvVar: "FLOWDEPLOY_STATE_BACKEND", Default: "local"}
	KeyStateBucket    = Key{Name: "STATE_BUCKET", EnvVar: "FLOWDEPLOY_STATE_BUCKET"}
	KeyStatePrefix    = Key{Name: "STATE_PREFIX", EnvVar: "FLOWDEPLOY_STATE_PREFIX"}
	KeyStateRegion    = Key{Name: "STATE_REGION", EnvVar: "FLOWDEPLOY_STATE_REGION"}
	KeyStateLockTable = Key{Name: "STATE_LOCK_TABLE", EnvVar: "FLOWDEPLOY_STATE_LOCK_TABLE"}
)

// Project is the resolved, read-only configuration of one deployment.
type Project struct {
	ProjectID   string
	Region      string
	RepoName    string
	ServiceName string

	DBTier    string
	DBVersion string
	CPU       string
	Memory    string
	Timezone  string

	BuildContext string
	Dockerfile   string

	State StateConfig

	// Dir is the directory holding the configuration file; relative paths resolve against it.
	Dir string
}

// StateConfig selects where engine state is stored.
type StateConfig struct {
	Backend   string
	Bucket    string
	Prefix    string
	Region    string
	LockTable string
}

// Options controls how Load resolves values.
type Options struct {
	Path        string
	Interactive bool
	Prompter    Prompter
	Environ     func(string) (string, bool)
}

// ErrConfigNotFound is returned when the configuration file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

// Load reads the configuration file and resolves every key.
func Load(opts Options) (*Project, error) {
	path := opts.Path
	if path == "" {
		path = DefaultFile
	}

	values, err := ReadEnvFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (run 'flowdeploy init' to create one)", ErrConfigNotFound, path)
		}
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	r := &Resolver{
		File:        path,
		Values:      values,
		Environ:     opts.Environ,
		Prompter:    opts.Prompter,
		Interactive: opts.Interactive,
	}

	p := &Project{Dir: filepath.Dir(abs)}
	fields := []struct {
		key Key
		dst *string
	}{
		{KeyProjectID, &p.ProjectID},
		{KeyRegion, &p.Region},
		{KeyRepoName, &p.RepoName},
		{KeyServiceName, &p.ServiceName},
		{KeyDBTier, &p.DBTier},
		{KeyDBVersion, &p.DBVersion},
		{KeyCPU, &p.CPU},
		{KeyMemory, &p.Memory},
		{KeyTimezone, &p.Timezone},
		{KeyBuildContext, &p.BuildContext},
		{KeyDockerfile, &p.Dockerfile},
		{KeyStateBackend, &p.State.Backend},
		{KeyStateBucket, &p.State.Bucket},
		{KeyStatePrefix, &p.State.Prefix},
		{KeyStateRegion, &p.State.Region},
		{KeyStateLockTable, &p.State.LockTable},
	}
	for _, f := range fields {
		v, err := r.Resolve(f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

var (
	projectIDPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{4,28}[a-z0-9]$`)
	labelPattern     = regexp.MustCompile(`^[a-z]([a-z0-9-]{0,61}[a-z0-9])?$`)
)

// Validate checks that the configuration can produce valid resource names.
func (p *Project) Validate() error {
	var errs []error
	if !projectIDPattern.MatchString(p.ProjectID) {
		errs = append(errs, fmt.Errorf("PROJECT_ID %q is not a valid project id", p.ProjectID))
	}
	for _, f := range []struct{ name, value string }{
		{"REGION", p.Region},
		{"REPO_NAME", p.RepoName},
		{"SERVICE_NAME", p.ServiceName},
	} {
		if !labelPattern.MatchString(f.value) {
			errs = append(errs, fmt.Errorf("%s %q must be a lowercase name of letters, digits and hyphens", f.name, f.value))
		}
	}
	if len(p.ServiceName) > 27 {
		errs = append(errs, fmt.Errorf("SERVICE_NAME %q is too long to derive a service account id", p.ServiceName))
	}
	if p.CPU == "" || p.Memory == "" {
		errs = append(errs, errors.New("CPU and MEMORY must not be empty"))
	}
	switch p.State.Backend {
	case "local":
	case "gcs", "s3":
		if p.State.Bucket == "" {
			errs = append(errs, fmt.Errorf("STATE_BUCKET is required for the %s state backend", p.State.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("STATE_BACKEND %q is not one of local, gcs, s3", p.State.Backend))
	}
	return errors.Join(errs...)
}

// RegistryHost is the Artifact Registry host for the region.
func (p *Project) RegistryHost() string {
	return p.Region + "-docker.pkg.dev"
}

// ImageRef is the fully qualified image reference. The same inputs always
// produce the same reference.
func (p *Project) ImageRef() string {
	return fmt.Sprintf("%s/%s/%s/%s:%s", p.RegistryHost(), p.ProjectID, p.RepoName, p.ServiceName, ImageTag)
}

// ServiceAccountID is the account id of the runtime identity.
func (p *Project) ServiceAccountID() string {
	return p.ServiceName + "-sa"
}

// DBInstanceName names the Cloud SQL instance.
func (p *Project) DBInstanceName() string {
	return p.ServiceName + "-db"
}

// DBPasswordSecretID names the secret holding the database password.
func (p *Project) DBPasswordSecretID() string {
	return p.ServiceName + "-db-password"
}

// EncryptionKeySecretID names the secret holding the application encryption key.
func (p *Project) EncryptionKeySecretID() string {
	return p.ServiceName + "-encryption-key"
}

// ServiceURL is the deterministic public URL Cloud Run assigns to the service.
func (p *Project) ServiceURL(projectNumber string) string {
	return fmt.Sprintf("https://%s-%s.%s.run.app", p.ServiceName, projectNumber, p.Region)
}

// Path resolves a possibly relative path against the configuration directory.
func (p *Project) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.Dir, rel)
}

// Template is written by 'flowdeploy init'.
const Template = `# flowdeploy configuration
# Values here win over FLOWDEPLOY_<KEY> environment variables.

# Required: the GCP project to deploy into.
PROJECT_ID=""

# Optional overrides (defaults shown).
# REGION=us-central1
# REPO_NAME=n8n-repo
# SERVICE_NAME=n8n
# DB_TIER=db-f1-micro
# CPU=1
# MEMORY=2Gi
# TIMEZONE=UTC

# Remote state: local (default), gcs or s3.
# STATE_BACKEND=gcs
# STATE_BUCKET=my-state-bucket
`

// WriteTemplate creates a template configuration file unless one exists.
func WriteTemplate(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(strings.TrimLeft(Template, "\n")), 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}
