package gcp

import (
	"context"
	"fmt"

	"google.golang.org/api/sqladmin/v1"

	"github.com/flowdeploy/flowdeploy/internal/logging"
	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
)

// SQLInstanceConfig is a Cloud SQL instance.
type SQLInstanceConfig struct {
	Project            string `json:"project"`
	Name               string `json:"name"`
	Region             string `json:"region"`
	DatabaseVersion    string `json:"databaseVersion"`
	Tier               string `json:"tier"`
	Edition            string `json:"edition,omitempty"`
	AvailabilityType   string `json:"availabilityType,omitempty"`
	Backups            bool   `json:"backups,omitempty"`
	DeletionProtection bool   `json:"deletionProtection,omitempty"`
}

type SQLInstanceState struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ConnectionName  string `json:"connectionName"`
	Region          string `json:"region"`
	DatabaseVersion string `json:"databaseVersion"`
	Project         string `json:"project"`
}

func (c *SQLInstanceConfig) settings() *sqladmin.Settings {
	s := &sqladmin.Settings{
		Tier:                      c.Tier,
		Edition:                   c.Edition,
		AvailabilityType:          c.AvailabilityType,
		DeletionProtectionEnabled: c.DeletionProtection,
		IpConfiguration:           &sqladmin.IpConfiguration{Ipv4Enabled: true},
		BackupConfiguration:       &sqladmin.BackupConfiguration{Enabled: c.Backups},
		ForceSendFields:           []string{"DeletionProtectionEnabled"},
	}
	if s.Edition == "" {
		s.Edition = "ENTERPRISE"
	}
	if s.AvailabilityType == "" {
		s.AvailabilityType = "ZONAL"
	}
	return s
}

func (p *Provider) applySQLInstance(ctx context.Context, req *pb.ApplyRequest) (any, error) {
	desired, err := decode[SQLInstanceConfig](req.DesiredConfigJSON, "desired config")
	if err != nil {
		return nil, err
	}
	api, err := p.sqlAPI(ctx)
	if err != nil {
		return nil, err
	}

	if len(req.PriorStateJSON) > 0 {
		patch := &sqladmin.DatabaseInstance{Settings: desired.settings()}
		if err := api.PatchInstance(ctx, desired.Project, desired.Name, patch); err != nil {
			return nil, fmt.Errorf("failed to update instance %s: %w", desired.Name, err)
		}
	} else {
		inst := &sqladmin.DatabaseInstance{
			Name:            desired.Name,
			Region:          desired.Region,
			DatabaseVersion: desired.DatabaseVersion,
			Settings:        desired.settings(),
		}
		if err := api.InsertInstance(ctx, desired.Project, inst); err != nil {
			if !createdEarlier(req, err) {
				return nil, conflict(req, desired.Name, err)
			}
			logging.Info("instance was created by an earlier attempt", "instance", desired.Name)
			if err := p.waitInstanceCreated(ctx, api, desired.Project, desired.Name); err != nil {
				return nil, err
			}
		}
	}

	inst, err := api.GetInstance(ctx, desired.Project, desired.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read instance %s: %w", desired.Name, err)
	}
	connection := inst.ConnectionName
	if connection == "" {
		connection = fmt.Sprintf("%s:%s:%s", desired.Project, desired.Region, desired.Name)
	}

	return &SQLInstanceState{
		ID:              desired.Name,
		Name:            desired.Name,
		ConnectionName:  connection,
		Region:          desired.Region,
		DatabaseVersion: desired.DatabaseVersion,
		Project:         desired.Project,
	}, nil
}

// waitInstanceCreated blocks until an instance leaves PENDING_CREATE.
func (p *Provider) waitInstanceCreated(ctx context.Context, api SQLAdminAPI, project, name string) error {
	err := pollUntilDone(ctx, p.pollInterval, func(ctx context.Context) (bool, error) {
		inst, err := api.GetInstance(ctx, project, name)
		if err != nil {
			return false, err
		}
		return inst.State != "PENDING_CREATE", nil
	})
	if err != nil {
		return fmt.Errorf("failed to wait for instance %s: %w", name, err)
	}
	return nil
}

func (p *Provider) deleteSQLInstance(ctx context.Context, req *pb.DeleteRequest) error {
	st, err := decode[SQLInstanceState](req.CurrentStateJSON, "current state")
	if err != nil {
		return err
	}
	if st.Name == "" {
		return nil
	}
	api, err := p.sqlAPI(ctx)
	if err != nil {
		return err
	}
	if err := ignoreNotFound(api.DeleteInstance(ctx, st.Project, st.Name)); err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", st.Name, err)
	}
	return nil
}

// SQLDatabaseConfig is a database inside an instance.
type SQLDatabaseConfig struct {
	Project  string `json:"project"`
	Instance string `json:"instance"`
	Name     string `json:"name"`
	Charset  string `json:"charset,omitempty"`
}

type SQLDatabaseState struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Instance string `json:"instance"`
	Project  string `json:"project"`
}

func (p *Provider) applySQLDatabase(ctx context.Context, req *pb.ApplyRequest) (any, error) {
	desired, err := decode[SQLDatabaseConfig](req.DesiredConfigJSON, "desired config")
	if err != nil {
		return nil, err
	}
	api, err := p.sqlAPI(ctx)
	if err != nil {
		return nil, err
	}

	id := desired.Instance + "/" + desired.Name
	db := &sqladmin.Database{Name: desired.Name, Charset: desired.Charset}
	if err := api.InsertDatabase(ctx, desired.Project, desired.Instance, db); err != nil && !createdEarlier(req, err) {
		return nil, conflict(req, id, err)
	}
	return &SQLDatabaseState{ID: id, Name: desired.Name, Instance: desired.Instance, Project: desired.Project}, nil
}

func (p *Provider) deleteSQLDatabase(ctx context.Context, req *pb.DeleteRequest) error {
	st, err := decode[SQLDatabaseState](req.CurrentStateJSON, "current state")
	if err != nil {
		return err
	}
	if st.Name == "" {
		return nil
	}
	api, err := p.sqlAPI(ctx)
	if err != nil {
		return err
	}
	if err := ignoreNotFound(api.DeleteDatabase(ctx, st.Project, st.Instance, st.Name)); err != nil {
		return fmt.Errorf("failed to delete database %s: %w", st.Name, err)
	}
	return nil
}

// SQLUserConfig is a built-in database user.
type SQLUserConfig struct {
	Project  string `json:"project"`
	Instance string `json:"instance"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type SQLUserState struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Instance string `json:"instance"`
	Project  string `json:"project"`
}

func (p *Provider) applySQLUser(ctx context.Context, req *pb.ApplyRequest) (any, error) {
	desired, err := decode[SQLUserConfig](req.DesiredConfigJSON, "desired config")
	if err != nil {
		return nil, err
	}
	api, err := p.sqlAPI(ctx)
	if err != nil {
		return nil, err
	}

	id := desired.Instance + "/" + desired.Name
	user := &sqladmin.User{Name: desired.Name, Password: desired.Password}
	if len(req.PriorStateJSON) > 0 {
		if err := api.UpdateUser(ctx, desired.Project, desired.Instance, user); err != nil {
			return nil, fmt.Errorf("failed to update user %s: %w", desired.Name, err)
		}
	} else if err := api.InsertUser(ctx, desired.Project, desired.Instance, user); err != nil && !createdEarlier(req, err) {
		return nil, conflict(req, id, err)
	}
	return &SQLUserState{ID: id, Name: desired.Name, Instance: desired.Instance, Project: desired.Project}, nil
}

func (p *Provider) deleteSQLUser(ctx context.Context, req *pb.DeleteRequest) error {
	st, err := decode[SQLUserState](req.CurrentStateJSON, "current state")
	if err != nil {
		return err
	}
	if st.Name == "" {
		return nil
	}
	api, err := p.sqlAPI(ctx)
	if err != nil {
		return err
	}
	if err := ignoreNotFound(api.DeleteUser(ctx, st.Project, st.Instance, st.Name)); err != nil {
		return fmt.Errorf("failed to delete user %s: %w", st.Name, err)
	}
	return nil
}
