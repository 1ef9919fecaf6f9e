// Package history holds per-user records produced outside the engine that
// are subject to retention: questionnaire snapshots and session records.
package history

import (
	"context"
	"time"

	"github.com/xraph/entitle/id"
)

// Retention defaults.
const (
	DefaultSnapshotsPerOwner = 10
	DefaultSessionRetention  = 365 * 24 * time.Hour
)

// KindQuestionnaire is the snapshot kind for questionnaire answers.
const KindQuestionnaire = "questionnaire"

// Snapshot is a point-in-time copy of user-supplied data.
type Snapshot struct {
	ID        id.SnapshotID  `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Session is a record of one user session.
type Session struct {
	ID        id.SessionID `json:"id"`
	OwnerID   string       `json:"owner_id"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Store persists history records.
type Store interface {
	CreateSnapshot(ctx context.Context, s *Snapshot) error
	ListSnapshots(ctx context.Context, ownerID string, limit int) ([]*Snapshot, error)

	// PruneSnapshots keeps the newest keep snapshots per owner and deletes
	// the rest.
	PruneSnapshots(ctx context.Context, keep int) (int64, error)

	CreateSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context, ownerID string) ([]*Session, error)

	// DeleteSessionsBefore removes sessions created before cutoff.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
