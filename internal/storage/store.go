package storage

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/mpataki/testorch/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrLeaseHeld = errors.New("lease held by another holder")
)

// Store holds projects, artifacts, healing attempts and per-project leases.
// Implementations: *Storage (sqlite) and *MemStore.
type Store interface {
	// PutProject upserts the whole record; the endpoint set is replaced, never merged.
	PutProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	// PutProjectLeased is PutProject fenced by the lease: it writes only
	// while holder still owns projectID's lease, extending it to now+ttl in
	// the same step. Returns ErrLeaseHeld once the lease is gone or belongs
	// to someone else.
	PutProjectLeased(ctx context.Context, p *models.Project, holder string, now time.Time, ttl time.Duration) error
	// SetState replaces the state, reason, class and backoff fields in one write.
	SetState(ctx context.Context, id string, change models.StateChange) error

	CreateArtifact(ctx context.Context, a *models.TestArtifact) error
	GetArtifact(ctx context.Context, id string) (*models.TestArtifact, error)
	CountArtifacts(ctx context.Context, projectID string, origin models.ArtifactOrigin) (int, error)

	RecordHealingAttempt(ctx context.Context, h *models.HealingAttempt) error
	CountHealingAttempts(ctx context.Context, runResultID string) (int, error)
	ListHealingAttempts(ctx context.Context, projectID string) ([]*models.HealingAttempt, error)

	// AcquireLease grants holder an exclusive lease on projectID until now+ttl.
	// An expired lease is taken over. Returns ErrLeaseHeld otherwise.
	AcquireLease(ctx context.Context, projectID, holder string, now time.Time, ttl time.Duration) error
	// RenewLease extends a lease holder still owns. Unlike AcquireLease it
	// never takes over a lease that was released or expired and re-taken.
	RenewLease(ctx context.Context, projectID, holder string, now time.Time, ttl time.Duration) error
	ReleaseLease(ctx context.Context, projectID, holder string) error
	LeaseHeld(ctx context.Context, projectID string, now time.Time) (bool, error)
}

// Ledger is the append-only run history.
type Ledger interface {
	// Append assigns rec.Seq. Records are never updated afterwards.
	Append(ctx context.Context, rec *models.HistoryRecord) error
	// List yields records most recent first. Each range over the returned
	// sequence reads storage again; an empty ledger yields nothing.
	List(ctx context.Context, q models.HistoryQuery) iter.Seq2[*models.HistoryRecord, error]
	GetRun(ctx context.Context, runID string) (*models.RunResult, error)
}

// Collect drains a history sequence into a slice.
func Collect(seq iter.Seq2[*models.HistoryRecord, error]) ([]*models.HistoryRecord, error) {
	var out []*models.HistoryRecord
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

var (
	_ Store  = (*Storage)(nil)
	_ Ledger = (*Storage)(nil)
	_ Store  = (*MemStore)(nil)
	_ Ledger = (*MemStore)(nil)
	_ Ledger = (*HistoryLog)(nil)
)
