package gcp

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	iampb "cloud.google.com/go/iam/apiv1/iampb"
	"cloud.google.com/go/resourcemanager/apiv3/resourcemanagerpb"
	"cloud.google.com/go/run/apiv2/runpb"
	"google.golang.org/api/artifactregistry/v1"
	"google.golang.org/api/googleapi"
	iamv1 "google.golang.org/api/iam/v1"
	"google.golang.org/api/secretmanager/v1"
	"google.golang.org/api/sqladmin/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

func notFound(what string) error {
	return &googleapi.Error{Code: http.StatusNotFound, Message: what + " not found"}
}

func alreadyExists(what string) error {
	return &googleapi.Error{Code: http.StatusConflict, Message: what + " already exists"}
}

type fakeServiceUsage struct {
	enabled map[string]bool
}

func (f *fakeServiceUsage) EnableService(ctx context.Context, name string) error {
	f.enabled[name] = true
	return nil
}

func (f *fakeServiceUsage) DisableService(ctx context.Context, name string) error {
	if !f.enabled[name] {
		return notFound(name)
	}
	delete(f.enabled, name)
	return nil
}

func (f *fakeServiceUsage) ServiceState(ctx context.Context, name string) (string, error) {
	if f.enabled[name] {
		return "ENABLED", nil
	}
	return "DISABLED", nil
}

type fakeRegistry struct {
	repos   map[string]*artifactregistry.Repository
	creates int
	deletes int
}

func (f *fakeRegistry) GetRepository(ctx context.Context, name string) (*artifactregistry.Repository, error) {
	r, ok := f.repos[name]
	if !ok {
		return nil, notFound(name)
	}
	return r, nil
}

func (f *fakeRegistry) CreateRepository(ctx context.Context, parent, id string, repo *artifactregistry.Repository) error {
	name := parent + "/repositories/" + id
	if _, ok := f.repos[name]; ok {
		return alreadyExists(name)
	}
	f.creates++
	repo.Name = name
	f.repos[name] = repo
	return nil
}

func (f *fakeRegistry) UpdateRepository(ctx context.Context, name string, repo *artifactregistry.Repository, mask string) error {
	r, ok := f.repos[name]
	if !ok {
		return notFound(name)
	}
	r.Description = repo.Description
	return nil
}

func (f *fakeRegistry) DeleteRepository(ctx context.Context, name string) error {
	if _, ok := f.repos[name]; !ok {
		return notFound(name)
	}
	f.deletes++
	delete(f.repos, name)
	return nil
}

type fakeSQL struct {
	instances map[string]*sqladmin.DatabaseInstance
	databases map[string]bool
	users     map[string]string
	patches   int
}

func newFakeSQL() *fakeSQL {
	return &fakeSQL{
		instances: map[string]*sqladmin.DatabaseInstance{},
		databases: map[string]bool{},
		users:     map[string]string{},
	}
}

func (f *fakeSQL) GetInstance(ctx context.Context, project, name string) (*sqladmin.DatabaseInstance, error) {
	inst, ok := f.instances[name]
	if !ok {
		return nil, notFound(name)
	}
	return inst, nil
}

func (f *fakeSQL) InsertInstance(ctx context.Context, project string, inst *sqladmin.DatabaseInstance) error {
	if _, ok := f.instances[inst.Name]; ok {
		return newSQLOperationError("op-1", "INSTANCE_ALREADY_EXISTS", "")
	}
	inst.ConnectionName = fmt.Sprintf("%s:%s:%s", project, inst.Region, inst.Name)
	f.instances[inst.Name] = inst
	return nil
}

func (f *fakeSQL) PatchInstance(ctx context.Context, project, name string, inst *sqladmin.DatabaseInstance) error {
	existing, ok := f.instances[name]
	if !ok {
		return notFound(name)
	}
	existing.Settings = inst.Settings
	f.patches++
	return nil
}

func (f *fakeSQL) DeleteInstance(ctx context.Context, project, name string) error {
	if _, ok := f.instances[name]; !ok {
		return notFound(name)
	}
	delete(f.instances, name)
	return nil
}

func (f *fakeSQL) InsertDatabase(ctx context.Context, project, instance string, db *sqladmin.Database) error {
	key := instance + "/" + db.Name
	if f.databases[key] {
		return alreadyExists(key)
	}
	f.databases[key] = true
	return nil
}

func (f *fakeSQL) DeleteDatabase(ctx context.Context, project, instance, name string) error {
	key := instance + "/" + name
	if !f.databases[key] {
		return notFound(key)
	}
	delete(f.databases, key)
	return nil
}

func (f *fakeSQL) InsertUser(ctx context.Context, project, instance string, user *sqladmin.User) error {
	key := instance + "/" + user.Name
	if _, ok := f.users[key]; ok {
		return alreadyExists(key)
	}
	f.users[key] = user.Password
	return nil
}

func (f *fakeSQL) UpdateUser(ctx context.Context, project, instance string, user *sqladmin.User) error {
	f.users[instance+"/"+user.Name] = user.Password
	return nil
}

func (f *fakeSQL) DeleteUser(ctx context.Context, project, instance, name string) error {
	delete(f.users, instance+"/"+name)
	return nil
}

type fakeSecrets struct {
	secrets   map[string]bool
	versions  map[string]string
	disabled  map[string]bool
	destroyed []string
}

func newFakeSecrets() *fakeSecrets {
	return &fakeSecrets{secrets: map[string]bool{}, versions: map[string]string{}, disabled: map[string]bool{}}
}

func (f *fakeSecrets) CreateSecret(ctx context.Context, parent, id string, secret *secretmanager.Secret) (*secretmanager.Secret, error) {
	name := parent + "/secrets/" + id
	if f.secrets[name] {
		return nil, alreadyExists(name)
	}
	f.secrets[name] = true
	return &secretmanager.Secret{Name: name}, nil
}

func (f *fakeSecrets) DeleteSecret(ctx context.Context, name string) error {
	if !f.secrets[name] {
		return notFound(name)
	}
	delete(f.secrets, name)
	return nil
}

func (f *fakeSecrets) AddSecretVersion(ctx context.Context, parent string, data []byte) (*secretmanager.SecretVersion, error) {
	if !f.secrets[parent] {
		return nil, notFound(parent)
	}
	n := 1
	for k := range f.versions {
		if strings.HasPrefix(k, parent+"/versions/") {
			n++
		}
	}
	name := fmt.Sprintf("%s/versions/%d", parent, n)
	f.versions[name] = string(data)
	return &secretmanager.SecretVersion{Name: name, State: "ENABLED"}, nil
}

func (f *fakeSecrets) ListSecretVersions(ctx context.Context, parent string) ([]*secretmanager.SecretVersion, error) {
	if !f.secrets[parent] {
		return nil, notFound(parent)
	}
	var out []*secretmanager.SecretVersion
	for _, name := range sortedKeys(f.versions) {
		if strings.HasPrefix(name, parent+"/versions/") && !f.disabled[name] && !slices.Contains(f.destroyed, name) {
			out = append(out, &secretmanager.SecretVersion{Name: name, State: "ENABLED"})
		}
	}
	return out, nil
}

func (f *fakeSecrets) DisableSecretVersion(ctx context.Context, name string) error {
	if _, ok := f.versions[name]; !ok {
		return notFound(name)
	}
	f.disabled[name] = true
	return nil
}

func (f *fakeSecrets) DestroySecretVersion(ctx context.Context, name string) error {
	f.destroyed = append(f.destroyed, name)
	return nil
}

type fakeIAM struct {
	accounts map[string]*iamv1.ServiceAccount
}

func (f *fakeIAM) CreateServiceAccount(ctx context.Context, project, accountID, displayName string) (*iamv1.ServiceAccount, error) {
	email := fmt.Sprintf("%s@%s.iam.gserviceaccount.com", accountID, project)
	name := "projects/" + project + "/serviceAccounts/" + email
	if _, ok := f.accounts[name]; ok {
		return nil, alreadyExists(email)
	}
	sa := &iamv1.ServiceAccount{Name: name, Email: email, DisplayName: displayName, UniqueId: "1234"}
	f.accounts[name] = sa
	return sa, nil
}

func (f *fakeIAM) GetServiceAccount(ctx context.Context, name string) (*iamv1.ServiceAccount, error) {
	sa, ok := f.accounts[name]
	if !ok {
		return nil, notFound(name)
	}
	return sa, nil
}

func (f *fakeIAM) UpdateServiceAccount(ctx context.Context, name, displayName string) error {
	sa, ok := f.accounts[name]
	if !ok {
		return notFound(name)
	}
	sa.DisplayName = displayName
	return nil
}

func (f *fakeIAM) DeleteServiceAccount(ctx context.Context, name string) error {
	if _, ok := f.accounts[name]; !ok {
		return notFound(name)
	}
	delete(f.accounts, name)
	return nil
}

// fakePolicies stores one policy per resource. setErrs are returned by
// successive SetIamPolicy calls before they start succeeding.
type fakePolicies struct {
	policies map[string]*iampb.Policy
	setErrs  []error
	sets     int
}

func (f *fakePolicies) GetIamPolicy(ctx context.Context, resource string) (*iampb.Policy, error) {
	p, ok := f.policies[resource]
	if !ok {
		return &iampb.Policy{Version: 1}, nil
	}
	return proto.Clone(p).(*iampb.Policy), nil
}

func (f *fakePolicies) SetIamPolicy(ctx context.Context, resource string, policy *iampb.Policy) error {
	f.sets++
	if len(f.setErrs) > 0 {
		err := f.setErrs[0]
		f.setErrs = f.setErrs[1:]
		return err
	}
	f.policies[resource] = proto.Clone(policy).(*iampb.Policy)
	return nil
}

func (f *fakePolicies) members(resource, role string) []string {
	p, ok := f.policies[resource]
	if !ok {
		return nil
	}
	for _, b := range p.Bindings {
		if b.Role == role {
			return b.Members
		}
	}
	return nil
}

type fakeProjects struct {
	fakePolicies
	numbers map[string]string
}

func (f *fakeProjects) GetProject(ctx context.Context, name string) (*resourcemanagerpb.Project, error) {
	id := strings.TrimPrefix(name, "projects/")
	num, ok := f.numbers[id]
	if !ok {
		return nil, status.Error(codes.PermissionDenied, "caller does not have permission")
	}
	return &resourcemanagerpb.Project{Name: "projects/" + num, ProjectId: id}, nil
}

type fakeRun struct {
	fakePolicies
	services map[string]*runpb.Service
	updates  int
}

func (f *fakeRun) GetService(ctx context.Context, name string) (*runpb.Service, error) {
	svc, ok := f.services[name]
	if !ok {
		return nil, status.Error(codes.NotFound, name)
	}
	return svc, nil
}

func (f *fakeRun) CreateService(ctx context.Context, parent, id string, svc *runpb.Service) (*runpb.Service, error) {
	name := parent + "/services/" + id
	if _, ok := f.services[name]; ok {
		return nil, status.Error(codes.AlreadyExists, "Resource '"+id+"' already exists.")
	}
	out := proto.Clone(svc).(*runpb.Service)
	out.Name = name
	out.Uri = "https://" + id + "-abc123-uc.a.run.app"
	out.LatestReadyRevision = name + "/revisions/" + id + "-00001"
	f.services[name] = out
	return out, nil
}

func (f *fakeRun) UpdateService(ctx context.Context, svc *runpb.Service) (*runpb.Service, error) {
	existing, ok := f.services[svc.Name]
	if !ok {
		return nil, status.Error(codes.NotFound, svc.Name)
	}
	f.updates++
	out := proto.Clone(svc).(*runpb.Service)
	out.Uri = existing.Uri
	out.LatestReadyRevision = fmt.Sprintf("%s/revisions/r-%05d", svc.Name, f.updates+1)
	f.services[svc.Name] = out
	return out, nil
}

func (f *fakeRun) DeleteService(ctx context.Context, name string) error {
	if _, ok := f.services[name]; !ok {
		return status.Error(codes.NotFound, name)
	}
	delete(f.services, name)
	return nil
}

// fakes bundles one of each fake API behind a Provider.
type fakes struct {
	services *fakeServiceUsage
	registry *fakeRegistry
	sql      *fakeSQL
	secrets  *fakeSecrets
	iam      *fakeIAM
	projects *fakeProjects
	run      *fakeRun
}

func newFakeProvider() (*Provider, *fakes) {
	f := &fakes{
		services: &fakeServiceUsage{enabled: map[string]bool{}},
		registry: &fakeRegistry{repos: map[string]*artifactregistry.Repository{}},
		sql:      newFakeSQL(),
		secrets:  newFakeSecrets(),
		iam:      &fakeIAM{accounts: map[string]*iamv1.ServiceAccount{}},
		projects: &fakeProjects{
			fakePolicies: fakePolicies{policies: map[string]*iampb.Policy{}},
			numbers:      map[string]string{"proj-123": "987654321"},
		},
		run: &fakeRun{
			fakePolicies: fakePolicies{policies: map[string]*iampb.Policy{}},
			services:     map[string]*runpb.Service{},
		},
	}

	p := New()
	p.pollInterval = 0
	p.services = f.services
	p.registry = f.registry
	p.sql = f.sql
	p.secrets = f.secrets
	p.iam = f.iam
	p.projects = f.projects
	p.run = f.run
	return p, f
}
