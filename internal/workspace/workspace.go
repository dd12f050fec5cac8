// Package workspace owns per-task scratch directories for clones and image
// build contexts.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager hands out task-scoped directories under a common root. A directory
// lives exactly as long as the task that requested it.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Prepare creates a fresh directory for the task, clearing any leftover from
// an earlier attempt with the same id.
func (m *Manager) Prepare(taskID string) (string, error) {
	if taskID == "" {
		return "", fmt.Errorf("task id cannot be empty")
	}
	dir := filepath.Join(m.root, taskID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("reset workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes the given workspace directory. Paths outside the configured
// root are refused.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByTask removes the workspace owned by the given task.
func (m *Manager) CleanupByTask(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task id cannot be empty")
	}
	return m.Cleanup(filepath.Join(m.root, taskID))
}

// Sweep removes every directory under the root. Called at startup to clear
// workspaces orphaned by interrupted tasks.
func (m *Manager) Sweep() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("read workspace root: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			return fmt.Errorf("sweep workspace %s: %w", entry.Name(), err)
		}
	}
	return nil
}
