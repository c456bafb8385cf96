package gcp

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	iampb "cloud.google.com/go/iam/apiv1/iampb"
	"cloud.google.com/go/run/apiv2/runpb"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/flowdeploy/flowdeploy/internal/logging"
	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

// DigestAnnotation carries the image digest on the revision template, so a
// new digest rolls out a new revision even though the tag is unchanged.
const DigestAnnotation = "flowdeploy.dev/image-digest"

const (
	cloudSQLVolume    = "cloudsql"
	cloudSQLMountPath = "/cloudsql"
)

// RunServiceConfig is a Cloud Run service with a single container.
type RunServiceConfig struct {
	Project           string                  `json:"project"`
	Region            string                  `json:"region"`
	Name              string                  `json:"name"`
	Image             string                  `json:"image"`
	ImageDigest       string                  `json:"imageDigest,omitempty"`
	ServiceAccount    string                  `json:"serviceAccount,omitempty"`
	CloudSQLInstances []string                `json:"cloudSqlInstances,omitempty"`
	CPU               string                  `json:"cpu,omitempty"`
	Memory            string                  `json:"memory,omitempty"`
	Port              int32                   `json:"port,omitempty"`
	MinInstances      int32                   `json:"minInstances"`
	MaxInstances      int32                   `json:"maxInstances"`
	TimeoutSeconds    int64                   `json:"timeoutSeconds,omitempty"`
	Env               map[string]string       `json:"env,omitempty"`
	SecretEnv         map[string]SecretEnvRef `json:"secretEnv,omitempty"`
	StartupProbe      *ProbeConfig            `json:"startupProbe,omitempty"`
}

// SecretEnvRef exposes a secret version as an environment variable.
type SecretEnvRef struct {
	Secret  string `json:"secret"`
	Version string `json:"version"`
}

// ProbeConfig is a TCP startup probe on the container port.
type ProbeConfig struct {
	InitialDelaySeconds int32 `json:"initialDelaySeconds"`
	TimeoutSeconds      int32 `json:"timeoutSeconds"`
	PeriodSeconds       int32 `json:"periodSeconds"`
	FailureThreshold    int32 `json:"failureThreshold"`
}

type RunServiceState struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	URI                 string `json:"uri"`
	LatestReadyRevision string `json:"latestReadyRevision,omitempty"`
	ImageDigest         string `json:"imageDigest,omitempty"`
}

func (c *RunServiceConfig) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", c.Project, c.Region)
}

func (c *RunServiceConfig) fullName() string {
	return c.parent() + "/services/" + c.Name
}

// BuildService converts the configuration into the Cloud Run API shape.
func BuildService(c *RunServiceConfig) *runpb.Service {
	ctr := &runpb.Container{
		Image: c.Image,
		Env:   envVars(c),
	}
	if c.Port > 0 {
		ctr.Ports = []*runpb.ContainerPort{{ContainerPort: c.Port}}
	}
	if c.CPU != "" || c.Memory != "" {
		limits := map[string]string{}
		if c.CPU != "" {
			limits["cpu"] = c.CPU
		}
		if c.Memory != "" {
			limits["memory"] = c.Memory
		}
		ctr.Resources = &runpb.ResourceRequirements{Limits: limits}
	}
	if c.StartupProbe != nil {
		ctr.StartupProbe = &runpb.Probe{
			InitialDelaySeconds: c.StartupProbe.InitialDelaySeconds,
			TimeoutSeconds:      c.StartupProbe.TimeoutSeconds,
			PeriodSeconds:       c.StartupProbe.PeriodSeconds,
			FailureThreshold:    c.StartupProbe.FailureThreshold,
			ProbeType: &runpb.Probe_TcpSocket{
				TcpSocket: &runpb.TCPSocketAction{Port: c.Port},
			},
		}
	}

	tmpl := &runpb.RevisionTemplate{
		ServiceAccount: c.ServiceAccount,
		Scaling: &runpb.RevisionScaling{
			MinInstanceCount: c.MinInstances,
			MaxInstanceCount: c.MaxInstances,
		},
		Containers: []*runpb.Container{ctr},
	}
	if c.ImageDigest != "" {
		tmpl.Annotations = map[string]string{DigestAnnotation: c.ImageDigest}
	}
	if c.TimeoutSeconds > 0 {
		tmpl.Timeout = durationpb.New(time.Duration(c.TimeoutSeconds) * time.Second)
	}
	if len(c.CloudSQLInstances) > 0 {
		tmpl.Volumes = []*runpb.Volume{{
			Name: cloudSQLVolume,
			VolumeType: &runpb.Volume_CloudSqlInstance{
				CloudSqlInstance: &runpb.CloudSqlInstance{Instances: c.CloudSQLInstances},
			},
		}}
		ctr.VolumeMounts = []*runpb.VolumeMount{{Name: cloudSQLVolume, MountPath: cloudSQLMountPath}}
	}

	return &runpb.Service{
		Ingress:  runpb.IngressTraffic_INGRESS_TRAFFIC_ALL,
		Template: tmpl,
	}
}

// envVars returns plain variables then secret references, each sorted by name.
func envVars(c *RunServiceConfig) []*runpb.EnvVar {
	var vars []*runpb.EnvVar
	for _, k := range sortedKeys(c.Env) {
		vars = append(vars, &runpb.EnvVar{
			Name:   k,
			Values: &runpb.EnvVar_Value{Value: c.Env[k]},
		})
	}
	for _, k := range sortedKeys(c.SecretEnv) {
		ref := c.SecretEnv[k]
		version := ref.Version
		if version == "" {
			version = "latest"
		}
		vars = append(vars, &runpb.EnvVar{
			Name: k,
			Values: &runpb.EnvVar_ValueSource{
				ValueSource: &runpb.EnvVarSource{
					SecretKeyRef: &runpb.SecretKeySelector{Secret: ref.Secret, Version: version},
				},
			},
		})
	}
	return vars
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Provider) applyRunService(ctx context.Context, req *pb.ApplyRequest) (any, error) {
	desired, err := decode[RunServiceConfig](req.DesiredConfigJSON, "desired config")
	if err != nil {
		return nil, err
	}
	if desired.Image == "" {
		return nil, fmt.Errorf("%s.%s: image is required", req.Type, req.Name)
	}
	api, err := p.runAPI(ctx)
	if err != nil {
		return nil, err
	}

	svc := BuildService(desired)
	var result *runpb.Service
	if len(req.PriorStateJSON) > 0 {
		svc.Name = desired.fullName()
		if result, err = api.UpdateService(ctx, svc); err != nil {
			return nil, fmt.Errorf("failed to update service %s: %w", desired.Name, err)
		}
	} else if result, err = api.CreateService(ctx, desired.parent(), desired.Name, svc); err != nil {
		if !createdEarlier(req, err) {
			return nil, conflict(req, desired.fullName(), err)
		}
		if result, err = api.GetService(ctx, desired.fullName()); err != nil {
			return nil, fmt.Errorf("failed to read service %s: %w", desired.Name, err)
		}
	}
	p.retireSecretVersions(ctx, desired)

	return &RunServiceState{
		ID:                  desired.fullName(),
		Name:                desired.Name,
		URI:                 result.GetUri(),
		LatestReadyRevision: result.GetLatestReadyRevision(),
		ImageDigest:         desired.ImageDigest,
	}, nil
}

// retireSecretVersions disables every enabled version of a referenced secret
// other than the one the service now reads. Failures are logged: the
// rollout has already succeeded.
func (p *Provider) retireSecretVersions(ctx context.Context, desired *RunServiceConfig) {
	var refs []SecretEnvRef
	for _, k := range sortedKeys(desired.SecretEnv) {
		ref := desired.SecretEnv[k]
		if ref.Secret != "" && ref.Version != "" && ref.Version != "latest" {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return
	}
	api, err := p.secretsAPI(ctx)
	if err != nil {
		logging.Warn("skipping secret version cleanup", "error", err)
		return
	}
	for _, ref := range refs {
		versions, err := api.ListSecretVersions(ctx, ref.Secret)
		if err != nil {
			logging.Warn("failed to list secret versions", "secret", ref.Secret, "error", err)
			continue
		}
		for _, v := range versions {
			if path.Base(v.Name) == ref.Version {
				continue
			}
			if err := ignoreNotFound(api.DisableSecretVersion(ctx, v.Name)); err != nil {
				logging.Warn("failed to disable secret version", "version", v.Name, "error", err)
				continue
			}
			logging.Info("disabled previous secret version", "version", v.Name)
		}
	}
}

func (p *Provider) deleteRunService(ctx context.Context, req *pb.DeleteRequest) error {
	st, err := decode[RunServiceState](req.CurrentStateJSON, "current state")
	if err != nil {
		return err
	}
	if st.ID == "" {
		return nil
	}
	api, err := p.runAPI(ctx)
	if err != nil {
		return err
	}
	if err := ignoreNotFound(api.DeleteService(ctx, st.ID)); err != nil {
		return fmt.Errorf("failed to delete service %s: %w", st.Name, err)
	}
	return nil
}

// RunIamMemberConfig grants a role on a Cloud Run service.
type RunIamMemberConfig struct {
	Project string `json:"project"`
	Region  string `json:"region"`
	Service string `json:"service"`
	Role    string `json:"role"`
	Member  string `json:"member"`
}

func (p *Provider) applyRunIamMember(ctx context.Context, req *pb.ApplyRequest) (any, error) {
	desired, err := decode[RunIamMemberConfig](req.DesiredConfigJSON, "desired config")
	if err != nil {
		return nil, err
	}
	api, err := p.runAPI(ctx)
	if err != nil {
		return nil, err
	}

	resource := fmt.Sprintf("projects/%s/locations/%s/services/%s", desired.Project, desired.Region, desired.Service)
	if err := p.updatePolicy(ctx, api, resource, func(policy *iampb.Policy) bool {
		return addMember(policy, desired.Role, desired.Member)
	}); err != nil {
		return nil, fmt.Errorf("failed to grant %s on %s: %w", desired.Role, desired.Service, err)
	}
	return newBindingState(resource, desired.Role, desired.Member), nil
}

func (p *Provider) deleteRunIamMember(ctx context.Context, req *pb.DeleteRequest) error {
	st, err := decode[BindingState](req.CurrentStateJSON, "current state")
	if err != nil {
		return err
	}
	if st.Resource == "" {
		return nil
	}
	api, err := p.runAPI(ctx)
	if err != nil {
		return err
	}
	err = p.updatePolicy(ctx, api, st.Resource, func(policy *iampb.Policy) bool {
		return removeMember(policy, st.Role, st.Member)
	})
	if err := ignoreNotFound(err); err != nil {
		return fmt.Errorf("failed to revoke %s on %s: %w", st.Role, st.Resource, err)
	}
	return nil
}
