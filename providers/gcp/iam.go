package gcp

import (
	"context"
	"fmt"
	"slices"
	"time"

	iampb "cloud.google.com/go/iam/apiv1/iampb"

	"github.com/flowdeploy/flowdeploy/internal/logging"
	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

// ServiceAccountConfig is a service account in a project.
type ServiceAccountConfig struct {
	Project     string `json:"project"`
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName,omitempty"`
}

type ServiceAccountState struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	UniqueID string `json:"uniqueId,omitempty"`
	Member   string `json:"member"`
}

func (c *ServiceAccountConfig) email() string {
	return fmt.Sprintf("%s@%s.iam.gserviceaccount.com", c.AccountID, c.Project)
}

func (p *Provider) applyServiceAccount(ctx context.Context, req *pb.ApplyRequest) (any, error) {
	desired, err := decode[ServiceAccountConfig](req.DesiredConfigJSON, "desired config")
	if err != nil {
		return nil, err
	}
	api, err := p.iamAPI(ctx)
	if err != nil {
		return nil, err
	}

	email := desired.email()
	name := fmt.Sprintf("projects/%s/serviceAccounts/%s", desired.Project, email)

	if len(req.PriorStateJSON) > 0 {
		if err := api.UpdateServiceAccount(ctx, name, desired.DisplayName); err != nil {
			return nil, fmt.Errorf("failed to update service account %s: %w", email, err)
		}
		prior, err := decode[ServiceAccountState](req.PriorStateJSON, "prior state")
		if err != nil {
			return nil, err
		}
		return prior, nil
	}

	sa, err := api.CreateServiceAccount(ctx, desired.Project, desired.AccountID, desired.DisplayName)
	if createdEarlier(req, err) {
		sa, err = api.GetServiceAccount(ctx, name)
	}
	if err != nil {
		return nil, conflict(req, email, err)
	}
	if sa.Email != "" {
		email = sa.Email
	}
	if sa.Name != "" {
		name = sa.Name
	}
	return &ServiceAccountState{
		ID:       email,
		Email:    email,
		Name:     name,
		UniqueID: sa.UniqueId,
		Member:   "serviceAccount:" + email,
	}, nil
}

func (p *Provider) deleteServiceAccount(ctx context.Context, req *pb.DeleteRequest) error {
	st, err := decode[ServiceAccountState](req.CurrentStateJSON, "current state")
	if err != nil {
		return err
	}
	if st.Name == "" {
		return nil
	}
	api, err := p.iamAPI(ctx)
	if err != nil {
		return err
	}
	if err := ignoreNotFound(api.DeleteServiceAccount(ctx, st.Name)); err != nil {
		return fmt.Errorf("failed to delete service account %s: %w", st.Email, err)
	}
	return nil
}

// ProjectBindingConfig grants one role to one member on a project. Other
// members of the role are left alone.
type ProjectBindingConfig struct {
	Project string `json:"project"`
	Role    string `json:"role"`
	Member  string `json:"member"`
}

type BindingState struct {
	ID       string `json:"id"`
	Resource string `json:"resource"`
	Role     string `json:"role"`
	Member   string `json:"member"`
}

func (p *Provider) applyProjectBinding(ctx context.Context, req *pb.ApplyRequest) (any, error) {
	desired, err := decode[ProjectBindingConfig](req.DesiredConfigJSON, "desired config")
	if err != nil {
		return nil, err
	}
	api, err := p.projectsAPI(ctx)
	if err != nil {
		return nil, err
	}

	resource := "projects/" + desired.Project
	if err := p.updatePolicy(ctx, api, resource, func(policy *iampb.Policy) bool {
		return addMember(policy, desired.Role, desired.Member)
	}); err != nil {
		return nil, fmt.Errorf("failed to grant %s to %s: %w", desired.Role, desired.Member, err)
	}
	return newBindingState(resource, desired.Role, desired.Member), nil
}

func (p *Provider) deleteProjectBinding(ctx context.Context, req *pb.DeleteRequest) error {
	st, err := decode[BindingState](req.CurrentStateJSON, "current state")
	if err != nil {
		return err
	}
	if st.Resource == "" {
		return nil
	}
	api, err := p.projectsAPI(ctx)
	if err != nil {
		return err
	}
	if err := p.updatePolicy(ctx, api, st.Resource, func(policy *iampb.Policy) bool {
		return removeMember(policy, st.Role, st.Member)
	}); err != nil {
		return fmt.Errorf("failed to revoke %s from %s: %w", st.Role, st.Member, err)
	}
	return nil
}

func newBindingState(resource, role, member string) *BindingState {
	return &BindingState{
		ID:       resource + "/" + role + "/" + member,
		Resource: resource,
		Role:     role,
		Member:   member,
	}
}

const policyAttempts = 5

// updatePolicy applies mutate with read-modify-write. The etag read with the
// policy makes a concurrent edit fail, and the edit is then retried.
func (p *Provider) updatePolicy(ctx context.Context, api PolicyAPI, resource string, mutate func(*iampb.Policy) bool) error {
	var err error
	for attempt := 1; attempt <= policyAttempts; attempt++ {
		var policy *iampb.Policy
		policy, err = api.GetIamPolicy(ctx, resource)
		if err != nil {
			return err
		}
		if !mutate(policy) {
			return nil
		}
		if policy.Version < 3 && hasConditions(policy) {
			policy.Version = 3
		}

		err = api.SetIamPolicy(ctx, resource, policy)
		if err == nil || !isPolicyRetryable(err) {
			return err
		}
		logging.Debug("retrying policy update", "resource", resource, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * p.pollInterval):
		}
	}
	return err
}

// addMember reports whether the policy changed.
func addMember(policy *iampb.Policy, role, member string) bool {
	for _, b := range policy.Bindings {
		if b.Role == role && b.Condition == nil {
			if slices.Contains(b.Members, member) {
				return false
			}
			b.Members = append(b.Members, member)
			return true
		}
	}
	policy.Bindings = append(policy.Bindings, &iampb.Binding{Role: role, Members: []string{member}})
	return true
}

// removeMember reports whether the policy changed.
func removeMember(policy *iampb.Policy, role, member string) bool {
	changed := false
	bindings := policy.Bindings[:0]
	for _, b := range policy.Bindings {
		if b.Role == role && b.Condition == nil {
			if i := slices.Index(b.Members, member); i >= 0 {
				b.Members = slices.Delete(b.Members, i, i+1)
				changed = true
			}
			if len(b.Members) == 0 {
				continue
			}
		}
		bindings = append(bindings, b)
	}
	policy.Bindings = bindings
	return changed
}

func hasConditions(policy *iampb.Policy) bool {
	for _, b := range policy.Bindings {
		if b.Condition != nil {
			return true
		}
	}
	return false
}
