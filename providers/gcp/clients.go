package gcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	iampb "cloud.google.com/go/iam/apiv1/iampb"
	resourcemanager "cloud.google.com/go/resourcemanager/apiv3"
	"cloud.google.com/go/resourcemanager/apiv3/resourcemanagerpb"
	run "cloud.google.com/go/run/apiv2"
	"cloud.google.com/go/run/apiv2/runpb"
	"google.golang.org/api/artifactregistry/v1"
	iamv1 "google.golang.org/api/iam/v1"
	"google.golang.org/api/option"
	"google.golang.org/api/secretmanager/v1"
	"google.golang.org/api/serviceusage/v1"
	"google.golang.org/api/sqladmin/v1"

	"github.com/flowdeploy/flowdeploy/internal/logging"
)

// ServiceUsageAPI enables project services. Names have the form
// projects/<project>/services/<service>.
type ServiceUsageAPI interface {
	EnableService(ctx context.Context, name string) error
	DisableService(ctx context.Context, name string) error
	ServiceState(ctx context.Context, name string) (string, error)
}

// ArtifactRegistryAPI manages repositories.
type ArtifactRegistryAPI interface {
	GetRepository(ctx context.Context, name string) (*artifactregistry.Repository, error)
	CreateRepository(ctx context.Context, parent, id string, repo *artifactregistry.Repository) error
	UpdateRepository(ctx context.Context, name string, repo *artifactregistry.Repository, mask string) error
	DeleteRepository(ctx context.Context, name string) error
}

// SQLAdminAPI manages Cloud SQL instances, databases and users. Mutations
// return once their operation has finished.
type SQLAdminAPI interface {
	GetInstance(ctx context.Context, project, name string) (*sqladmin.DatabaseInstance, error)
	InsertInstance(ctx context.Context, project string, inst *sqladmin.DatabaseInstance) error
	PatchInstance(ctx context.Context, project, name string, inst *sqladmin.DatabaseInstance) error
	DeleteInstance(ctx context.Context, project, name string) error
	InsertDatabase(ctx context.Context, project, instance string, db *sqladmin.Database) error
	DeleteDatabase(ctx context.Context, project, instance, name string) error
	InsertUser(ctx context.Context, project, instance string, user *sqladmin.User) error
	UpdateUser(ctx context.Context, project, instance string, user *sqladmin.User) error
	DeleteUser(ctx context.Context, project, instance, name string) error
}

// SecretManagerAPI manages secrets and their versions.
type SecretManagerAPI interface {
	CreateSecret(ctx context.Context, parent, id string, secret *secretmanager.Secret) (*secretmanager.Secret, error)
	DeleteSecret(ctx context.Context, name string) error
	AddSecretVersion(ctx context.Context, parent string, data []byte) (*secretmanager.SecretVersion, error)
	// ListSecretVersions returns the enabled versions of a secret.
	ListSecretVersions(ctx context.Context, parent string) ([]*secretmanager.SecretVersion, error)
	DisableSecretVersion(ctx context.Context, name string) error
	DestroySecretVersion(ctx context.Context, name string) error
}

// IAMAPI manages service accounts.
type IAMAPI interface {
	CreateServiceAccount(ctx context.Context, project, accountID, displayName string) (*iamv1.ServiceAccount, error)
	GetServiceAccount(ctx context.Context, name string) (*iamv1.ServiceAccount, error)
	UpdateServiceAccount(ctx context.Context, name, displayName string) error
	DeleteServiceAccount(ctx context.Context, name string) error
}

// PolicyAPI reads and writes the IAM policy of one resource.
type PolicyAPI interface {
	GetIamPolicy(ctx context.Context, resource string) (*iampb.Policy, error)
	SetIamPolicy(ctx context.Context, resource string, policy *iampb.Policy) error
}

// ProjectsAPI looks up projects and edits project-level IAM.
type ProjectsAPI interface {
	PolicyAPI
	GetProject(ctx context.Context, name string) (*resourcemanagerpb.Project, error)
}

// RunAPI manages Cloud Run services and their IAM policy.
type RunAPI interface {
	PolicyAPI
	GetService(ctx context.Context, name string) (*runpb.Service, error)
	CreateService(ctx context.Context, parent, id string, svc *runpb.Service) (*runpb.Service, error)
	UpdateService(ctx context.Context, svc *runpb.Service) (*runpb.Service, error)
	DeleteService(ctx context.Context, name string) error
}

// REST clients

type restServiceUsage struct {
	svc  *serviceusage.Service
	poll time.Duration
}

func newServiceUsage(ctx context.Context, poll time.Duration, opts ...option.ClientOption) (ServiceUsageAPI, error) {
	svc, err := serviceusage.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &restServiceUsage{svc: svc, poll: poll}, nil
}

func (c *restServiceUsage) EnableService(ctx context.Context, name string) error {
	op, err := c.svc.Services.Enable(name, &serviceusage.EnableServiceRequest{}).Context(ctx).Do()
	if err != nil {
		return err
	}
	return c.wait(ctx, op)
}

func (c *restServiceUsage) DisableService(ctx context.Context, name string) error {
	op, err := c.svc.Services.Disable(name, &serviceusage.DisableServiceRequest{}).Context(ctx).Do()
	if err != nil {
		return err
	}
	return c.wait(ctx, op)
}

func (c *restServiceUsage) ServiceState(ctx context.Context, name string) (string, error) {
	s, err := c.svc.Services.Get(name).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return s.State, nil
}

func (c *restServiceUsage) wait(ctx context.Context, op *serviceusage.Operation) error {
	err := pollUntilDone(ctx, c.poll, func(ctx context.Context) (bool, error) {
		if op.Done {
			return true, nil
		}
		next, err := c.svc.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return false, err
		}
		op = next
		return op.Done, nil
	})
	if err != nil {
		return err
	}
	if op.Error != nil {
		return newOperationError(op.Name, op.Error.Code, op.Error.Message)
	}
	return nil
}

type restArtifactRegistry struct {
	svc  *artifactregistry.Service
	poll time.Duration
}

func newArtifactRegistry(ctx context.Context, poll time.Duration, opts ...option.ClientOption) (ArtifactRegistryAPI, error) {
	svc, err := artifactregistry.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &restArtifactRegistry{svc: svc, poll: poll}, nil
}

func (c *restArtifactRegistry) GetRepository(ctx context.Context, name string) (*artifactregistry.Repository, error) {
	return c.svc.Projects.Locations.Repositories.Get(name).Context(ctx).Do()
}

func (c *restArtifactRegistry) CreateRepository(ctx context.Context, parent, id string, repo *artifactregistry.Repository) error {
	op, err := c.svc.Projects.Locations.Repositories.Create(parent, repo).RepositoryId(id).Context(ctx).Do()
	if err != nil {
		return err
	}
	return c.wait(ctx, op)
}

func (c *restArtifactRegistry) UpdateRepository(ctx context.Context, name string, repo *artifactregistry.Repository, mask string) error {
	_, err := c.svc.Projects.Locations.Repositories.Patch(name, repo).UpdateMask(mask).Context(ctx).Do()
	return err
}

func (c *restArtifactRegistry) DeleteRepository(ctx context.Context, name string) error {
	op, err := c.svc.Projects.Locations.Repositories.Delete(name).Context(ctx).Do()
	if err != nil {
		return err
	}
	return c.wait(ctx, op)
}

func (c *restArtifactRegistry) wait(ctx context.Context, op *artifactregistry.Operation) error {
	err := pollUntilDone(ctx, c.poll, func(ctx context.Context) (bool, error) {
		if op.Done {
			return true, nil
		}
		next, err := c.svc.Projects.Locations.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return false, err
		}
		op = next
		return op.Done, nil
	})
	if err != nil {
		return err
	}
	if op.Error != nil {
		return newOperationError(op.Name, op.Error.Code, op.Error.Message)
	}
	return nil
}

type restSQLAdmin struct {
	svc  *sqladmin.Service
	poll time.Duration
}

func newSQLAdmin(ctx context.Context, poll time.Duration, opts ...option.ClientOption) (SQLAdminAPI, error) {
	svc, err := sqladmin.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &restSQLAdmin{svc: svc, poll: poll}, nil
}

func (c *restSQLAdmin) GetInstance(ctx context.Context, project, name string) (*sqladmin.DatabaseInstance, error) {
	return c.svc.Instances.Get(project, name).Context(ctx).Do()
}

func (c *restSQLAdmin) InsertInstance(ctx context.Context, project string, inst *sqladmin.DatabaseInstance) error {
	return c.wait(ctx, project)(c.svc.Instances.Insert(project, inst).Context(ctx).Do())
}

func (c *restSQLAdmin) PatchInstance(ctx context.Context, project, name string, inst *sqladmin.DatabaseInstance) error {
	return c.wait(ctx, project)(c.svc.Instances.Patch(project, name, inst).Context(ctx).Do())
}

func (c *restSQLAdmin) DeleteInstance(ctx context.Context, project, name string) error {
	return c.wait(ctx, project)(c.svc.Instances.Delete(project, name).Context(ctx).Do())
}

func (c *restSQLAdmin) InsertDatabase(ctx context.Context, project, instance string, db *sqladmin.Database) error {
	return c.wait(ctx, project)(c.svc.Databases.Insert(project, instance, db).Context(ctx).Do())
}

func (c *restSQLAdmin) DeleteDatabase(ctx context.Context, project, instance, name string) error {
	return c.wait(ctx, project)(c.svc.Databases.Delete(project, instance, name).Context(ctx).Do())
}

func (c *restSQLAdmin) InsertUser(ctx context.Context, project, instance string, user *sqladmin.User) error {
	return c.wait(ctx, project)(c.svc.Users.Insert(project, instance, user).Context(ctx).Do())
}

func (c *restSQLAdmin) UpdateUser(ctx context.Context, project, instance string, user *sqladmin.User) error {
	return c.wait(ctx, project)(c.svc.Users.Update(project, instance, user).Name(user.Name).Context(ctx).Do())
}

func (c *restSQLAdmin) DeleteUser(ctx context.Context, project, instance, name string) error {
	return c.wait(ctx, project)(c.svc.Users.Delete(project, instance).Name(name).Context(ctx).Do())
}

// wait returns a function that takes a call's result and blocks until its
// operation is DONE.
func (c *restSQLAdmin) wait(ctx context.Context, project string) func(*sqladmin.Operation, error) error {
	return func(op *sqladmin.Operation, err error) error {
		if err != nil {
			return err
		}
		err = pollUntilDone(ctx, c.poll, func(ctx context.Context) (bool, error) {
			if op.Status == "DONE" {
				return true, nil
			}
			next, err := c.svc.Operations.Get(project, op.Name).Context(ctx).Do()
			if err != nil {
				return false, err
			}
			op = next
			return op.Status == "DONE", nil
		})
		if err != nil {
			return err
		}
		if op.Error != nil && len(op.Error.Errors) > 0 {
			first := op.Error.Errors[0]
			return newSQLOperationError(op.Name, first.Code, first.Message)
		}
		return nil
	}
}

type restSecretManager struct {
	svc *secretmanager.Service
}

func newSecretManager(ctx context.Context, opts ...option.ClientOption) (SecretManagerAPI, error) {
	svc, err := secretmanager.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &restSecretManager{svc: svc}, nil
}

func (c *restSecretManager) CreateSecret(ctx context.Context, parent, id string, secret *secretmanager.Secret) (*secretmanager.Secret, error) {
	return c.svc.Projects.Secrets.Create(parent, secret).SecretId(id).Context(ctx).Do()
}

func (c *restSecretManager) DeleteSecret(ctx context.Context, name string) error {
	_, err := c.svc.Projects.Secrets.Delete(name).Context(ctx).Do()
	return err
}

func (c *restSecretManager) AddSecretVersion(ctx context.Context, parent string, data []byte) (*secretmanager.SecretVersion, error) {
	req := &secretmanager.AddSecretVersionRequest{
		Payload: &secretmanager.SecretPayload{Data: base64.StdEncoding.EncodeToString(data)},
	}
	return c.svc.Projects.Secrets.AddVersion(parent, req).Context(ctx).Do()
}

func (c *restSecretManager) ListSecretVersions(ctx context.Context, parent string) ([]*secretmanager.SecretVersion, error) {
	var versions []*secretmanager.SecretVersion
	err := c.svc.Projects.Secrets.Versions.List(parent).Filter("state:ENABLED").Pages(ctx, func(resp *secretmanager.ListSecretVersionsResponse) error {
		versions = append(versions, resp.Versions...)
		return nil
	})
	return versions, err
}

func (c *restSecretManager) DisableSecretVersion(ctx context.Context, name string) error {
	_, err := c.svc.Projects.Secrets.Versions.Disable(name, &secretmanager.DisableSecretVersionRequest{}).Context(ctx).Do()
	return err
}

func (c *restSecretManager) DestroySecretVersion(ctx context.Context, name string) error {
	_, err := c.svc.Projects.Secrets.Versions.Destroy(name, &secretmanager.DestroySecretVersionRequest{}).Context(ctx).Do()
	return err
}

type restIAM struct {
	svc *iamv1.Service
}

func newIAM(ctx context.Context, opts ...option.ClientOption) (IAMAPI, error) {
	svc, err := iamv1.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &restIAM{svc: svc}, nil
}

func (c *restIAM) CreateServiceAccount(ctx context.Context, project, accountID, displayName string) (*iamv1.ServiceAccount, error) {
	req := &iamv1.CreateServiceAccountRequest{
		AccountId:      accountID,
		ServiceAccount: &iamv1.ServiceAccount{DisplayName: displayName},
	}
	return c.svc.Projects.ServiceAccounts.Create("projects/"+project, req).Context(ctx).Do()
}

func (c *restIAM) GetServiceAccount(ctx context.Context, name string) (*iamv1.ServiceAccount, error) {
	return c.svc.Projects.ServiceAccounts.Get(name).Context(ctx).Do()
}

func (c *restIAM) UpdateServiceAccount(ctx context.Context, name, displayName string) error {
	req := &iamv1.PatchServiceAccountRequest{
		ServiceAccount: &iamv1.ServiceAccount{DisplayName: displayName},
		UpdateMask:     "displayName",
	}
	_, err := c.svc.Projects.ServiceAccounts.Patch(name, req).Context(ctx).Do()
	return err
}

func (c *restIAM) DeleteServiceAccount(ctx context.Context, name string) error {
	_, err := c.svc.Projects.ServiceAccounts.Delete(name).Context(ctx).Do()
	return err
}

// gRPC clients

type grpcProjects struct {
	client *resourcemanager.ProjectsClient
}

func newProjects(ctx context.Context, opts ...option.ClientOption) (ProjectsAPI, error) {
	c, err := resourcemanager.NewProjectsClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &grpcProjects{client: c}, nil
}

func (c *grpcProjects) GetProject(ctx context.Context, name string) (*resourcemanagerpb.Project, error) {
	return c.client.GetProject(ctx, &resourcemanagerpb.GetProjectRequest{Name: name})
}

func (c *grpcProjects) GetIamPolicy(ctx context.Context, resource string) (*iampb.Policy, error) {
	return c.client.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{
		Resource: resource,
		Options:  &iampb.GetPolicyOptions{RequestedPolicyVersion: 3},
	})
}

func (c *grpcProjects) SetIamPolicy(ctx context.Context, resource string, policy *iampb.Policy) error {
	_, err := c.client.SetIamPolicy(ctx, &iampb.SetIamPolicyRequest{Resource: resource, Policy: policy})
	return err
}

func (c *grpcProjects) Close() error {
	return c.client.Close()
}

type grpcRun struct {
	client *run.ServicesClient
}

func newRun(ctx context.Context, opts ...option.ClientOption) (RunAPI, error) {
	c, err := run.NewServicesClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &grpcRun{client: c}, nil
}

func (c *grpcRun) GetService(ctx context.Context, name string) (*runpb.Service, error) {
	return c.client.GetService(ctx, &runpb.GetServiceRequest{Name: name})
}

func (c *grpcRun) CreateService(ctx context.Context, parent, id string, svc *runpb.Service) (*runpb.Service, error) {
	op, err := c.client.CreateService(ctx, &runpb.CreateServiceRequest{
		Parent:    parent,
		ServiceId: id,
		Service:   svc,
	})
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (c *grpcRun) UpdateService(ctx context.Context, svc *runpb.Service) (*runpb.Service, error) {
	op, err := c.client.UpdateService(ctx, &runpb.UpdateServiceRequest{Service: svc})
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (c *grpcRun) DeleteService(ctx context.Context, name string) error {
	op, err := c.client.DeleteService(ctx, &runpb.DeleteServiceRequest{Name: name})
	if err != nil {
		return err
	}
	_, err = op.Wait(ctx)
	return err
}

func (c *grpcRun) GetIamPolicy(ctx context.Context, resource string) (*iampb.Policy, error) {
	return c.client.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{Resource: resource})
}

func (c *grpcRun) SetIamPolicy(ctx context.Context, resource string, policy *iampb.Policy) error {
	_, err := c.client.SetIamPolicy(ctx, &iampb.SetIamPolicyRequest{Resource: resource, Policy: policy})
	return err
}

func (c *grpcRun) Close() error {
	return c.client.Close()
}

// maxPollErrors bounds consecutive transient failures while waiting on one
// operation.
const maxPollErrors = 8

// pollUntilDone calls check every interval until it reports completion or
// fails. A transient failure only repeats the check: the operation itself has
// already been accepted.
func pollUntilDone(ctx context.Context, interval time.Duration, check func(context.Context) (bool, error)) error {
	failures := 0
	for {
		done, err := check(ctx)
		switch {
		case err == nil:
			failures = 0
			if done {
				return nil
			}
		case isTransient(err) && failures < maxPollErrors:
			failures++
			logging.Debug("operation poll failed, retrying", "attempt", failures, "error", err)
		default:
			return err
		}

		wait := interval
		if failures > 0 {
			wait = interval * time.Duration(1<<min(failures, 5))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for operation: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}
