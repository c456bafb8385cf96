package cli

import (
	"github.com/spf13/cobra"

	"github.com/flowdeploy/flowdeploy/internal/deploy"
	"github.com/flowdeploy/flowdeploy/internal/provider"
	"github.com/flowdeploy/flowdeploy/providers/docker"
)

func runDeploy(cmd *cobra.Command, args []string) error {
	registry := provider.NewRegistry()
	defer registry.Close()

	builder := docker.New()
	builder.Out = cmd.ErrOrStderr()
	registry.Register("docker", builder)

	d := &deploy.Deployment{
		Config:    configOptions(),
		Registry:  registry,
		StatePath: statePath,
	}
	o := &deploy.Orchestrator{
		Phases: d,
		Out:    cmd.OutOrStdout(),
		Styles: deploy.NewStyles(useColor()),
	}

	err := o.Run(cmd.Context())
	if project := d.Project(); project != nil {
		applied := d.Applied()
		audit(project, AuditEntry{
			Operation: "deploy",
			Summary: map[string]int{
				"create":  applied.Create,
				"update":  applied.Update,
				"replace": applied.Replace,
				"delete":  applied.Delete,
			},
		}, err)
	}
	return err
}
