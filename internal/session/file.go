package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileTracker stores resume tokens in a single JSON file. The whole map is
// loaded on open and rewritten on every change; token churn is one write
// per chat turn, which a local file absorbs easily.
type FileTracker struct {
	mu     sync.Mutex
	path   string
	tokens map[string]string
}

// NewFileTracker opens (or creates) the token file at path.
func NewFileTracker(path string) (*FileTracker, error) {
	t := &FileTracker{path: path, tokens: make(map[string]string)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &t.tokens); err != nil {
			return nil, fmt.Errorf("parsing session file %s: %w", path, err)
		}
	}
	return t, nil
}

func (t *FileTracker) Get(_ context.Context, userID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokens[userID], nil
}

func (t *FileTracker) Set(_ context.Context, userID, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[userID] = token
	return t.flushLocked()
}

func (t *FileTracker) Clear(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tokens[userID]; !ok {
		return nil
	}
	delete(t.tokens, userID)
	return t.flushLocked()
}

// flushLocked writes the map through a temp file plus rename so readers
// never observe a partially written file.
func (t *FileTracker) flushLocked() error {
	data, err := json.MarshalIndent(t.tokens, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(t.path), 0750); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

var _ Tracker = (*FileTracker)(nil)
