// Package session correlates OAuth authorization redirects with their
// callbacks. A session is created when a flow starts, identified by an opaque
// random token, and consumed exactly once when the callback arrives.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is how long an authorization link stays valid.
const DefaultTTL = 15 * time.Minute

// ErrNotFound is returned by Consume when the token is unknown, expired, or
// already consumed. Callers cannot distinguish the three cases.
var ErrNotFound = errors.New("session not found")

// Session is the state carried across an authorization round trip.
type Session struct {
	UserID      string    `json:"user_id"`
	Provider    string    `json:"provider"`
	RedirectURL string    `json:"redirect_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Correlator stores sessions keyed by single-use token.
type Correlator interface {
	// Create stores the session and returns its token.
	Create(ctx context.Context, s Session) (string, error)
	// Consume atomically fetches and deletes the session. A second call
	// with the same token returns ErrNotFound.
	Consume(ctx context.Context, token string) (Session, error)
}

// newToken returns a 32-byte URL-safe random token.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session.newToken: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
