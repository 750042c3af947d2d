package ports

import (
	"context"

	"ytkara/internal/domain"
)

// SessionStore persists the karaoke session between restarts.
// Load returns domain.ErrNotFound when nothing was saved yet.
type SessionStore interface {
	Load(ctx context.Context) (domain.SessionState, error)
	Save(ctx context.Context, state domain.SessionState) error
}
