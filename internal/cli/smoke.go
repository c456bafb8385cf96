package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowdeploy/flowdeploy/internal/config"
	"github.com/flowdeploy/flowdeploy/internal/logging"
	pb "github.com/flowdeploy/flowdeploy/pkg/provider"
	"github.com/flowdeploy/flowdeploy/providers/docker"
)

var (
	smokeImage   string
	smokePort    int
	smokeTimeout time.Duration
	smokePull    bool
	smokeKeep    bool
)

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Run the image locally and wait for it to listen",
	Long: `Starts the published image on the local Docker daemon with PORT set, as
Cloud Run would, and waits until the port accepts connections. The container's
output is printed when it does not come up in time.`,
	Args: cobra.NoArgs,
	RunE: runSmoke,
}

func init() {
	smokeCmd.Flags().StringVar(&smokeImage, "image", "", "Image to run (default: the deploy image)")
	smokeCmd.Flags().IntVar(&smokePort, "port", 8080, "Value of PORT, published on 127.0.0.1")
	smokeCmd.Flags().DurationVar(&smokeTimeout, "timeout", 2*time.Minute, "How long to wait for the port")
	smokeCmd.Flags().BoolVar(&smokePull, "pull", false, "Pull the image from the registry first")
	smokeCmd.Flags().BoolVar(&smokeKeep, "keep", false, "Leave the container running")
}

func runSmoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	project, err := loadProject()
	if err != nil {
		return err
	}
	img := smokeImage
	if img == "" {
		img = project.ImageRef()
	}

	p := docker.New()
	p.Out = cmd.ErrOrStderr()
	defer p.Close()

	if err := p.Ping(ctx); err != nil {
		return err
	}

	port := strconv.Itoa(smokePort)
	raw, err := json.Marshal(docker.ContainerConfig{
		Image:    img,
		Name:     project.ServiceName + "-smoke",
		Env:      map[string]string{"PORT": port},
		Ports:    map[string]int{port: smokePort},
		Platform: config.TargetPlatform,
		Pull:     smokePull,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal container config: %w", err)
	}

	resp, err := p.Apply(ctx, &pb.ApplyRequest{Type: docker.TypeContainer, Name: "smoke", DesiredConfigJSON: raw})
	if err != nil {
		return err
	}
	var st docker.ContainerState
	if err := json.Unmarshal(resp.NewStateJSON, &st); err != nil {
		return fmt.Errorf("failed to read container state: %w", err)
	}
	logging.Info("container started", "id", st.ID, "image", img)

	if !smokeKeep {
		defer func() {
			err := p.Delete(context.WithoutCancel(ctx), &pb.DeleteRequest{
				Type:             docker.TypeContainer,
				Name:             "smoke",
				ID:               st.ID,
				CurrentStateJSON: resp.NewStateJSON,
			})
			if err != nil {
				logging.Warn("failed to remove container", "id", st.ID, "error", err)
			}
		}()
	}

	addr := net.JoinHostPort("127.0.0.1", port)
	if err := waitForPort(ctx, addr, smokeTimeout); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "--- container output ---")
		if lerr := p.Logs(context.WithoutCancel(ctx), st.ID, cmd.ErrOrStderr()); lerr != nil {
			logging.Warn("failed to read container output", "error", lerr)
		}
		return err
	}

	fmt.Fprintf(out, "Container %s is listening on %s\n", st.Name, addr)
	return nil
}

// waitForPort dials addr until it accepts a connection or timeout passes.
func waitForPort(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var dialer net.Dialer
	for {
		attemptCtx, attemptCancel := context.WithTimeout(ctx, time.Second)
		conn, err := dialer.DialContext(attemptCtx, "tcp", addr)
		attemptCancel()
		if err == nil {
			return conn.Close()
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s did not accept connections within %s: %w", addr, timeout, err)
		case <-ticker.C:
		}
	}
}
