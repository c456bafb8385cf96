package gcp

import (
	"context"
	"fmt"
	"path"

	"google.golang.org/api/secretmanager/v1"

	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

// SecretConfig is a Secret Manager secret container.
type SecretConfig struct {
	Project  string `json:"project"`
	SecretID string `json:"secretId"`
}

type SecretState struct {
	ID       string `json:"id"`
	SecretID string `json:"secretId"`
}

func (p *Provider) applySecret(ctx context.Context, req *pb.ApplyRequest) (any, error) {
	desired, err := decode[SecretConfig](req.DesiredConfigJSON, "desired config")
	if err != nil {
		return nil, err
	}
	api, err := p.secretsAPI(ctx)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("projects/%s/secrets/%s", desired.Project, desired.SecretID)
	secret := &secretmanager.Secret{
		Replication: &secretmanager.Replication{Automatic: &secretmanager.Automatic{}},
		Labels:      map[string]string{"managed-by": "flowdeploy"},
	}
	created, err := api.CreateSecret(ctx, "projects/"+desired.Project, desired.SecretID, secret)
	if err != nil && !createdEarlier(req, err) {
		return nil, conflict(req, name, err)
	}
	if created != nil && created.Name != "" {
		name = created.Name
	}
	return &SecretState{ID: name, SecretID: desired.SecretID}, nil
}

func (p *Provider) deleteSecret(ctx context.Context, req *pb.DeleteRequest) error {
	st, err := decode[SecretState](req.CurrentStateJSON, "current state")
	if err != nil {
		return err
	}
	if st.ID == "" {
		return nil
	}
	api, err := p.secretsAPI(ctx)
	if err != nil {
		return err
	}
	if err := ignoreNotFound(api.DeleteSecret(ctx, st.ID)); err != nil {
		return fmt.Errorf("failed to delete secret %s: %w", st.SecretID, err)
	}
	return nil
}

// SecretVersionConfig adds a value to a secret. Secret is the secret's
// resource name.
type SecretVersionConfig struct {
	Secret string `json:"secret"`
	Data   string `json:"data"`
}

type SecretVersionState struct {
	ID      string `json:"id"`
	Secret  string `json:"secret"`
	Version string `json:"version"`
}

func (p *Provider) applySecretVersion(ctx context.Context, req *pb.ApplyRequest) (any, error) {
	desired, err := decode[SecretVersionConfig](req.DesiredConfigJSON, "desired config")
	if err != nil {
		return nil, err
	}
	if desired.Secret == "" {
		return nil, fmt.Errorf("%s.%s: secret is required", req.Type, req.Name)
	}
	api, err := p.secretsAPI(ctx)
	if err != nil {
		return nil, err
	}

	version, err := api.AddSecretVersion(ctx, desired.Secret, []byte(desired.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to add version to %s: %w", desired.Secret, err)
	}
	return &SecretVersionState{
		ID:      version.Name,
		Secret:  desired.Secret,
		Version: path.Base(version.Name),
	}, nil
}

func (p *Provider) deleteSecretVersion(ctx context.Context, req *pb.DeleteRequest) error {
	st, err := decode[SecretVersionState](req.CurrentStateJSON, "current state")
	if err != nil {
		return err
	}
	if st.ID == "" {
		return nil
	}
	api, err := p.secretsAPI(ctx)
	if err != nil {
		return err
	}
	if err := ignoreNotFound(api.DestroySecretVersion(ctx, st.ID)); err != nil {
		return fmt.Errorf("failed to destroy %s: %w", st.ID, err)
	}
	return nil
}
