// Package stack declares the resources of one deployment.
package stack

import (
	"fmt"
	"strings"

	"github.com/flowdeploy/flowdeploy/internal/config"
	"github.com/flowdeploy/flowdeploy/internal/ir"
	"github.com/flowdeploy/flowdeploy/providers/docker"
	"github.com/flowdeploy/flowdeploy/providers/gcp"
	"github.com/flowdeploy/flowdeploy/providers/random"
)

// Resource addresses the orchestrator targets.
const (
	RegistryAddr = gcp.TypeRepository + ".registry"
	ImageAddr    = docker.TypeImage + ".app"
	ServiceAddr  = gcp.TypeRunService + ".app"
)

// Output names.
const (
	OutputServiceURL       = "service_url"
	OutputImageRef         = "image_ref"
	OutputImageDigest      = "image_digest"
	OutputDBConnectionName = "db_connection_name"
	OutputServiceAccount   = "service_account"
)

// RuntimeRoles are granted to the service's runtime identity.
var RuntimeRoles = []string{"roles/cloudsql.client", "roles/secretmanager.secretAccessor"}

// Params are values that come from outside the configuration file.
type Params struct {
	ProjectNumber string
	// ContextDigest fingerprints the build context.
	ContextDigest string
}

// Build returns the resource graph for cfg. It is a pure function of its inputs.
func Build(cfg *config.Project, params Params) *ir.Config {
	b := &builder{cfg: cfg}

	for _, api := range []string{"artifactregistry", "run", "sqladmin", "secretmanager", "iam"} {
		b.add(gcp.TypeService, api, map[string]any{
			"project": cfg.ProjectID,
			"service": api + ".googleapis.com",
		})
	}

	// Phase A: the registry the image is pushed to.
	registry := b.add(gcp.TypeRepository, "registry", map[string]any{
		"project":      cfg.ProjectID,
		"location":     cfg.Region,
		"repositoryId": cfg.RepoName,
		"format":       "DOCKER",
		"description":  "Images for " + cfg.ServiceName,
	})
	registry.Lifecycle = &ir.Lifecycle{AdoptExisting: true}
	registry.DependsOn = []string{apiAddr("artifactregistry")}

	image := b.add(docker.TypeImage, "app", map[string]any{
		"image":         cfg.ImageRef(),
		"context":       cfg.Path(cfg.BuildContext),
		"dockerfile":    cfg.Dockerfile,
		"platform":      config.TargetPlatform,
		"contextDigest": params.ContextDigest,
	})
	image.DependsOn = []string{RegistryAddr}
	image.Timeout = "30m"

	// Generated secrets. Tainting one is how it gets rotated.
	b.add(random.TypePassword, "db_password", map[string]any{"length": 32, "special": false})
	encKey := b.add(random.TypePassword, "encryption_key", map[string]any{"length": 48, "special": false})
	encKey.Lifecycle = &ir.Lifecycle{PreventDestroy: true}

	db := b.add(gcp.TypeSQLInstance, "db", map[string]any{
		"project":         cfg.ProjectID,
		"name":            cfg.DBInstanceName(),
		"region":          cfg.Region,
		"databaseVersion": cfg.DBVersion,
		"tier":            cfg.DBTier,
	})
	db.DependsOn = []string{apiAddr("sqladmin")}
	db.Timeout = "45m"

	instanceName := ir.Ref(gcp.TypeSQLInstance, "db", "name")
	connectionName := ir.Ref(gcp.TypeSQLInstance, "db", "connectionName")

	b.add(gcp.TypeSQLDatabase, "app", map[string]any{
		"project":  cfg.ProjectID,
		"instance": instanceName,
		"name":     config.DBName,
	})
	user := b.add(gcp.TypeSQLUser, "app", map[string]any{
		"project":  cfg.ProjectID,
		"instance": instanceName,
		"name":     config.DBUser,
		"password": ir.Ref(random.TypePassword, "db_password", "result"),
	})
	user.Sensitive = []string{"password"}

	secretEnv := map[string]any{}
	for _, s := range []struct {
		name, secretID, envVar string
	}{
		{"db_password", cfg.DBPasswordSecretID(), "DB_POSTGRESDB_PASSWORD"},
		{"encryption_key", cfg.EncryptionKeySecretID(), "N8N_ENCRYPTION_KEY"},
	} {
		secret := b.add(gcp.TypeSecret, s.name, map[string]any{
			"project":  cfg.ProjectID,
			"secretId": s.secretID,
		})
		secret.DependsOn = []string{apiAddr("secretmanager")}

		version := b.add(gcp.TypeSecretVersion, s.name, map[string]any{
			"secret": ir.Ref(gcp.TypeSecret, s.name, "id"),
			"data":   ir.Ref(random.TypePassword, s.name, "result"),
		})
		version.Sensitive = []string{"data"}

		secretEnv[s.envVar] = map[string]any{
			"secret":  ir.Ref(gcp.TypeSecret, s.name, "id"),
			"version": ir.Ref(gcp.TypeSecretVersion, s.name, "version"),
		}
	}

	sa := b.add(gcp.TypeServiceAccount, "runtime", map[string]any{
		"project":     cfg.ProjectID,
		"accountId":   cfg.ServiceAccountID(),
		"displayName": cfg.ServiceName + " runtime",
	})
	sa.DependsOn = []string{apiAddr("iam")}

	roles := map[string]any{}
	for _, role := range RuntimeRoles {
		roles[role] = role
	}
	bindings := b.add(gcp.TypeProjectBinding, "runtime_roles", map[string]any{
		"project": cfg.ProjectID,
		"role":    "${each.key}",
		"member":  ir.Ref(gcp.TypeServiceAccount, "runtime", "member"),
	})
	bindings.ForEach = roles

	serviceURL := cfg.ServiceURL(params.ProjectNumber)
	service := b.add(gcp.TypeRunService, "app", map[string]any{
		"project":           cfg.ProjectID,
		"region":            cfg.Region,
		"name":              cfg.ServiceName,
		"image":             cfg.ImageRef(),
		"imageDigest":       ir.Ref(docker.TypeImage, "app", "digest"),
		"serviceAccount":    ir.Ref(gcp.TypeServiceAccount, "runtime", "email"),
		"cloudSqlInstances": []any{connectionName},
		"cpu":               cfg.CPU,
		"memory":            cfg.Memory,
		"port":              config.ContainerPort,
		"minInstances":      config.MinInstances,
		"maxInstances":      config.MaxInstances,
		"env":               serviceEnv(cfg, serviceURL, connectionName),
		"secretEnv":         secretEnv,
		"startupProbe": map[string]any{
			"initialDelaySeconds": int(config.StartupInitialDelay.Seconds()),
			"timeoutSeconds":      int(config.StartupTimeout.Seconds()),
			"periodSeconds":       int(config.StartupPeriod.Seconds()),
			"failureThreshold":    config.StartupFailureThreshold,
		},
	})
	service.DependsOn = []string{
		apiAddr("run"),
		gcp.TypeProjectBinding + ".runtime_roles",
		ir.Address(gcp.TypeSQLDatabase, "app"),
		ir.Address(gcp.TypeSQLUser, "app"),
	}
	service.Timeout = "20m"

	b.add(gcp.TypeRunIamMember, "public_invoker", map[string]any{
		"project": cfg.ProjectID,
		"region":  cfg.Region,
		"service": ir.Ref(gcp.TypeRunService, "app", "name"),
		"role":    "roles/run.invoker",
		"member":  "allUsers",
	})

	b.out.Outputs = map[string]any{
		OutputServiceURL:       serviceURL,
		OutputImageRef:         cfg.ImageRef(),
		OutputImageDigest:      ir.Ref(docker.TypeImage, "app", "digest"),
		OutputDBConnectionName: connectionName,
		OutputServiceAccount:   ir.Ref(gcp.TypeServiceAccount, "runtime", "email"),
	}
	return &b.out
}

// serviceEnv is the plain environment of the application container.
func serviceEnv(cfg *config.Project, serviceURL, connectionName string) map[string]any {
	host := strings.TrimPrefix(serviceURL, "https://")
	return map[string]any{
		"DB_TYPE":                   "postgresdb",
		"DB_POSTGRESDB_HOST":        "/cloudsql/" + ir.Embed(connectionName),
		"DB_POSTGRESDB_PORT":        fmt.Sprint(config.DBPort),
		"DB_POSTGRESDB_DATABASE":    config.DBName,
		"DB_POSTGRESDB_USER":        config.DBUser,
		"DB_POSTGRESDB_SCHEMA":      "public",
		"N8N_HOST":                  host,
		"N8N_PROTOCOL":              "https",
		"N8N_PORT":                  fmt.Sprint(config.ContainerPort),
		"WEBHOOK_URL":               serviceURL,
		"N8N_EDITOR_BASE_URL":       serviceURL,
		"GENERIC_TIMEZONE":          cfg.Timezone,
		"QUEUE_HEALTH_CHECK_ACTIVE": "true",
		"N8N_RUNNERS_ENABLED":       "true",
		"N8N_DIAGNOSTICS_ENABLED":   "false",
	}
}

func apiAddr(api string) string {
	return ir.Address(gcp.TypeService, api)
}

type builder struct {
	cfg *config.Project
	out ir.Config
}

// add declares a resource. The provider is the type's prefix.
func (b *builder) add(typ, name string, props map[string]any) *ir.Resource {
	provider, _, _ := strings.Cut(typ, ":")
	res := &ir.Resource{
		Type:       typ,
		Name:       name,
		Provider:   provider,
		Properties: props,
	}
	b.out.Resources = append(b.out.Resources, res)
	return res
}
