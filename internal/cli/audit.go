package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flowdeploy/flowdeploy/internal/config"
	"github.com/flowdeploy/flowdeploy/internal/logging"
)

// AuditEntry is one line of the audit log.
type AuditEntry struct {
	Timestamp string         `json:"timestamp"`
	Operation string         `json:"operation"` // "deploy", "destroy", "state.rm", "state.mv", "taint", "untaint"
	User      string         `json:"user"`
	Project   string         `json:"project"`
	Address   string         `json:"address,omitempty"`
	Summary   map[string]int `json:"summary,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// auditLogPath is the audit log next to the local state directory.
func auditLogPath(project *config.Project) string {
	return project.Path(filepath.Join(".flowdeploy", "audit.log"))
}

// writeAuditLog appends an entry to path.
func writeAuditLog(path string, entry AuditEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if entry.User == "" {
		entry.User = currentUser()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// audit records an operation. Failing to write the log never fails the operation.
func audit(project *config.Project, entry AuditEntry, opErr error) {
	entry.Project = project.ProjectID
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	if err := writeAuditLog(auditLogPath(project), entry); err != nil {
		logging.Warn("failed to write audit log", "error", err)
	}
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "unknown"
}
