// Package session persists agent resume tokens per user. A resume token is
// the opaque session ID the in-sandbox agent returns from a chat turn; the
// next turn sends it back so the agent can continue the conversation.
// Semantics are last-write-wins; a missing token is the empty string.
package session

import "context"

// Tracker stores resume tokens.
type Tracker interface {
	// Get returns the user's resume token, or "" when none is stored.
	Get(ctx context.Context, userID string) (string, error)

	// Set overwrites the user's resume token.
	Set(ctx context.Context, userID, token string) error

	// Clear removes the user's resume token. Clearing a missing token
	// is not an error.
	Clear(ctx context.Context, userID string) error
}
