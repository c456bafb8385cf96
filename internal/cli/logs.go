package cli

import (
	"encoding/json"
	"fmt"
	"time"

	cloudlogging "cloud.google.com/go/logging"
	"cloud.google.com/go/logging/logadmin"
	"github.com/spf13/cobra"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowdeploy/flowdeploy/internal/config"
)

var (
	logsLimit int
	logsSince time.Duration
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print recent log entries of the Cloud Run service",
	Args:  cobra.NoArgs,
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 50, "Maximum number of entries")
	logsCmd.Flags().DurationVar(&logsSince, "since", time.Hour, "Only entries newer than this")
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	project, err := loadProject()
	if err != nil {
		return err
	}

	client, err := logadmin.NewClient(ctx, project.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to create logging client: %w", err)
	}
	defer client.Close()

	filter := logFilter(project, time.Now().Add(-logsSince))
	it := client.Entries(ctx, logadmin.Filter(filter), logadmin.NewestFirst())

	var entries []*cloudlogging.Entry
	for len(entries) < logsLimit {
		entry, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read log entries: %w", err)
		}
		entries = append(entries, entry)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No log entries.")
		return nil
	}
	for i := len(entries) - 1; i >= 0; i-- {
		fmt.Fprintln(out, formatEntry(entries[i]))
	}
	return nil
}

// logFilter selects the service's revision logs newer than since.
func logFilter(project *config.Project, since time.Time) string {
	return fmt.Sprintf(`resource.type="cloud_run_revision" AND resource.labels.service_name=%q AND resource.labels.location=%q AND timestamp>=%q`,
		project.ServiceName, project.Region, since.UTC().Format(time.RFC3339))
}

func formatEntry(e *cloudlogging.Entry) string {
	return fmt.Sprintf("%s %-9s %s", e.Timestamp.UTC().Format(time.RFC3339), e.Severity, payloadText(e.Payload))
}

// payloadText prefers the message of structured payloads.
func payloadText(payload any) string {
	switch p := payload.(type) {
	case nil:
		return ""
	case string:
		return p
	case *structpb.Struct:
		m := p.AsMap()
		if msg, ok := m["message"].(string); ok {
			return msg
		}
		if msg, ok := m["msg"].(string); ok {
			return msg
		}
		data, err := json.Marshal(m)
		if err != nil {
			return p.String()
		}
		return string(data)
	default:
		return fmt.Sprint(p)
	}
}
