// Package registry tracks which sandbox belongs to which user.
//
// The store surface is deliberately small: get, put, delete. No
// compare-and-swap, no transactions, no watches. The coordinator's claim
// protocol is built to converge on exactly this surface, so backends only
// need to provide last-writer-wins point operations.
package registry

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle phase recorded for a user's sandbox.
type State string

const (
	// StateCreating marks a claim: some replica is provisioning a sandbox.
	StateCreating State = "creating"
	// StateReady marks a published, bootstrapped sandbox.
	StateReady State = "ready"
)

// ErrNotFound is returned by Get when no entry exists for the user.
var ErrNotFound = errors.New("registry entry not found")

// Entry is the value stored per user.
type Entry struct {
	State     State     `json:"state"`
	SandboxID string    `json:"sandbox_id,omitempty"`
	Token     string    `json:"token,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Age returns how long ago the entry was last written.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.UpdatedAt)
}

// Stale reports whether a Creating entry has outlived the claim TTL.
// Ready entries are never stale by age; liveness is checked against the
// runtime instead.
func (e *Entry) Stale(now time.Time, ttl time.Duration) bool {
	return e.State == StateCreating && e.Age(now) >= ttl
}

// Store is the registry persistence interface.
type Store interface {
	// Get returns the entry for userID, or ErrNotFound.
	Get(ctx context.Context, userID string) (*Entry, error)

	// Put writes the entry for userID, overwriting any previous value.
	// Last writer wins.
	Put(ctx context.Context, userID string, entry Entry) error

	// Delete removes the entry for userID. Deleting a missing entry is
	// not an error.
	Delete(ctx context.Context, userID string) error
}

// Lister is implemented by backends that can enumerate entries.
// The coordinator never lists; only the janitor sweep uses this.
type Lister interface {
	List(ctx context.Context) (map[string]Entry, error)
}
