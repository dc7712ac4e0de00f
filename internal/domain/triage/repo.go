package triage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the durable archive of triage sessions. The in-memory Store
// stays authoritative for live sessions; the archive backs history.
type Repository interface {
	// Save inserts or replaces the archived copy of s. It ignores s when the
	// archive already holds a newer Version, and never moves a COMPLETED
	// session back to ACTIVE.
	Save(ctx context.Context, s *Session) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, filter HistoryFilter, limit, offset int) ([]*Session, int, error)
	// ExpireStale marks ACTIVE sessions idle since before cutoff as expired
	// and returns how many rows changed.
	ExpireStale(ctx context.Context, cutoff time.Time) (int64, error)
}
