// Package workspace manages the Monios data directory layout. All local
// state (registry database, resume tokens, logs, agent server artifacts)
// lives under a single root so the whole installation is portable.
//
// Default root: ~/.monios (configurable via config or MONIOS_DATA_DIR).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default root relative to the user home directory.
const defaultRelativePath = ".monios"

// Workspace resolves and creates paths under the data directory root.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // directories already ensured
}

// New creates a Workspace rooted at the given path. A leading ~ resolves
// to the user's home directory; the root is created if missing.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}
	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return w, nil
}

// Default creates a Workspace at ~/.monios.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// LogsDir returns <root>/logs/.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// AgentDir returns <root>/agent/. Holds the agent server source that
// gets uploaded into new sandboxes.
func (w *Workspace) AgentDir() string {
	return w.dir("agent")
}

// DatabasePath returns <root>/monios.db, the default SQLite registry.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.Root, "monios.db")
}

// SessionsPath returns <root>/sessions.json, the resume token file.
func (w *Workspace) SessionsPath() string {
	return filepath.Join(w.Root, "sessions.json")
}

// AgentServerPath returns <root>/agent/agent_server.py.
func (w *Workspace) AgentServerPath() string {
	return filepath.Join(w.AgentDir(), "agent_server.py")
}

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// --- Internal helpers ---

// dir returns an absolute path under the root and ensures it exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist. Caches
// successes to avoid redundant mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ and returns an absolute path.
func resolvePath(path string) (string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, defaultRelativePath), nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
