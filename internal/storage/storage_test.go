package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/testorch/internal/models"
)

func openSQLite(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openHistoryLog(t *testing.T) *HistoryLog {
	t.Helper()
	h, err := OpenHistoryLog(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": openSQLite(t),
		"memory": NewMemStore(),
	}
}

func ledgers(t *testing.T) map[string]Ledger {
	return map[string]Ledger{
		"sqlite": openSQLite(t),
		"memory": NewMemStore(),
		"badger": openHistoryLog(t),
	}
}

func record(id, project string, fail int) *models.HistoryRecord {
	r := models.RunResult{
		ID:         id,
		ProjectID:  project,
		ArtifactID: "a-" + id,
		Timestamp:  time.Now().UTC(),
		Duration:   1500 * time.Millisecond,
		PassCount:  2,
		FailCount:  fail,
		Reward:     float64(2 - 5*fail),
		RawLogs:    "logs for " + id,
	}
	return &models.HistoryRecord{
		ProjectName: project + "-name",
		Phase:       models.PhaseRun,
		Status:      r.Status(),
		RunResult:   r,
	}
}

func ids(recs []*models.HistoryRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestProjectRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			p := &models.Project{
				ID:    "shop-api",
				Name:  "Shop API",
				State: models.StateIngested,
				Endpoints: []models.Endpoint{
					{Method: "GET", Path: "/health"},
					{Method: "POST", Path: "/orders"},
				},
				TargetBaseURL: "http://localhost:5000",
			}
			require.NoError(t, s.PutProject(ctx, p))

			got, err := s.GetProject(ctx, "shop-api")
			require.NoError(t, err)
			if diff := cmp.Diff(p.Endpoints, got.Endpoints); diff != "" {
				t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, models.StateIngested, got.State)

			// Re-ingestion replaces the set wholesale, in the new order.
			p.Endpoints = []models.Endpoint{
				{Method: "DELETE", Path: "/orders/1"},
				{Method: "GET", Path: "/health"},
			}
			require.NoError(t, s.PutProject(ctx, p))
			got, err = s.GetProject(ctx, "shop-api")
			require.NoError(t, err)
			if diff := cmp.Diff(p.Endpoints, got.Endpoints); diff != "" {
				t.Errorf("endpoints after replace (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetProjectNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetProject(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			err = s.SetState(context.Background(), "missing", models.StateChange{State: models.StateFailed})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSetStateReplacesStateFields(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutProject(ctx, &models.Project{ID: "p1", Name: "p1", State: models.StateIngested}))

			until := time.Now().Add(time.Minute).UTC()
			require.NoError(t, s.SetState(ctx, "p1", models.StateChange{
				State: models.StateBlocked, Reason: "quota", Class: "quota_exceeded", BlockedUntil: &until,
			}))
			got, err := s.GetProject(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, models.StateBlocked, got.State)
			assert.Equal(t, "quota", got.StateReason)
			require.NotNil(t, got.BlockedUntil)

			require.NoError(t, s.SetState(ctx, "p1", models.StateChange{State: models.StateGenerating}))
			got, err = s.GetProject(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, models.StateGenerating, got.State)
			assert.Empty(t, got.StateReason)
			assert.Nil(t, got.BlockedUntil)
		})
	}
}

func TestArtifactsAndHealingAttempts(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutProject(ctx, &models.Project{ID: "p1", Name: "p1"}))
			require.NoError(t, s.CreateArtifact(ctx, &models.TestArtifact{
				ID: "a1", ProjectID: "p1", SourceReference: "tests/test_p1.py",
				GenerationAttemptCount: 1, Origin: models.ArtifactGenerated,
			}))
			require.NoError(t, s.CreateArtifact(ctx, &models.TestArtifact{
				ID: "a2", ProjectID: "p1", SourceReference: "tests/test_p1_healed.py",
				GenerationAttemptCount: 1, Origin: models.ArtifactHealed, ParentID: "a1",
			}))

			a, err := s.GetArtifact(ctx, "a2")
			require.NoError(t, err)
			assert.Equal(t, "a1", a.ParentID)
			_, err = s.GetArtifact(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)

			n, err := s.CountArtifacts(ctx, "p1", models.ArtifactGenerated)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, s.RecordHealingAttempt(ctx, &models.HealingAttempt{
				ID: "h1", ProjectID: "p1", RunResultID: "r1", Kind: models.HealTestPatch,
				Outcome: models.HealApplied, ProducedArtifactID: "a2",
			}))
			count, err := s.CountHealingAttempts(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, 1, count)
			count, err = s.CountHealingAttempts(ctx, "r2")
			require.NoError(t, err)
			assert.Zero(t, count)

			attempts, err := s.ListHealingAttempts(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, attempts, 1)
			assert.Equal(t, models.HealApplied, attempts[0].Outcome)
		})
	}
}

func TestLeases(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			require.NoError(t, s.AcquireLease(ctx, "p1", "holder-a", now, time.Minute))

			err := s.AcquireLease(ctx, "p1", "holder-b", now, time.Minute)
			assert.ErrorIs(t, err, ErrLeaseHeld)

			held, err := s.LeaseHeld(ctx, "p1", now)
			require.NoError(t, err)
			assert.True(t, held)

			// Other projects are independent.
			require.NoError(t, s.AcquireLease(ctx, "p2", "holder-b", now, time.Minute))

			// Releasing with the wrong holder is a no-op.
			require.NoError(t, s.ReleaseLease(ctx, "p1", "holder-b"))
			assert.ErrorIs(t, s.AcquireLease(ctx, "p1", "holder-b", now, time.Minute), ErrLeaseHeld)

			require.NoError(t, s.ReleaseLease(ctx, "p1", "holder-a"))
			require.NoError(t, s.AcquireLease(ctx, "p1", "holder-b", now, time.Minute))
		})
	}
}

func TestStaleLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			require.NoError(t, s.AcquireLease(ctx, "p1", "crashed", start, time.Second))

			later := start.Add(2 * time.Second)
			held, err := s.LeaseHeld(ctx, "p1", later)
			require.NoError(t, err)
			assert.False(t, held)

			require.NoError(t, s.AcquireLease(ctx, "p1", "rescuer", later, time.Minute))
			assert.ErrorIs(t, s.AcquireLease(ctx, "p1", "crashed", later, time.Minute), ErrLeaseHeld)
		})
	}
}

func TestRenewLeaseNeverRetakes(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			require.NoError(t, s.AcquireLease(ctx, "p1", "holder-a", start, time.Minute))
			require.NoError(t, s.RenewLease(ctx, "p1", "holder-a", start.Add(50*time.Second), time.Minute))

			held, err := s.LeaseHeld(ctx, "p1", start.Add(90*time.Second))
			require.NoError(t, err)
			assert.True(t, held, "renewal extends expiry")

			assert.ErrorIs(t, s.RenewLease(ctx, "p1", "holder-b", start, time.Minute), ErrLeaseHeld)

			// Expired and taken over by b, then released by b: a stays out.
			later := start.Add(5 * time.Minute)
			require.NoError(t, s.AcquireLease(ctx, "p1", "holder-b", later, time.Minute))
			assert.ErrorIs(t, s.RenewLease(ctx, "p1", "holder-a", later, time.Minute), ErrLeaseHeld)
			require.NoError(t, s.ReleaseLease(ctx, "p1", "holder-b"))
			assert.ErrorIs(t, s.RenewLease(ctx, "p1", "holder-a", later, time.Minute), ErrLeaseHeld)
		})
	}
}

func TestPutProjectLeasedIsFenced(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			p := &models.Project{ID: "p1", Name: "one", State: models.StateIngested,
				Endpoints: []models.Endpoint{{Method: "GET", Path: "/v1"}}}

			assert.ErrorIs(t, s.PutProjectLeased(ctx, p, "holder-a", now, time.Minute), ErrLeaseHeld)
			_, err := s.GetProject(ctx, "p1")
			assert.ErrorIs(t, err, ErrNotFound, "rejected write must not land")

			require.NoError(t, s.AcquireLease(ctx, "p1", "holder-a", now, time.Minute))
			require.NoError(t, s.PutProjectLeased(ctx, p, "holder-a", now, time.Minute))

			// b takes over the expired lease and rewrites the project.
			later := now.Add(2 * time.Minute)
			require.NoError(t, s.AcquireLease(ctx, "p1", "holder-b", later, time.Minute))
			newer := &models.Project{ID: "p1", Name: "one", State: models.StatePassed,
				Endpoints: []models.Endpoint{{Method: "GET", Path: "/v2"}}}
			require.NoError(t, s.PutProjectLeased(ctx, newer, "holder-b", later, time.Minute))
			require.NoError(t, s.ReleaseLease(ctx, "p1", "holder-b"))

			p.State = models.StateFailed
			assert.ErrorIs(t, s.PutProjectLeased(ctx, p, "holder-a", later, time.Minute), ErrLeaseHeld)

			got, err := s.GetProject(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, models.StatePassed, got.State)
			assert.Equal(t, "/v2", got.Endpoints[0].Path)
		})
	}
}

func TestLedgerListOrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			empty, err := Collect(l.List(ctx, models.HistoryQuery{}))
			require.NoError(t, err)
			assert.Empty(t, empty)

			for i, project := range []string{"p1", "p2", "p1", "p1"} {
				rec := record(fmt.Sprintf("r%d", i+1), project, i%2)
				require.NoError(t, l.Append(ctx, rec))
				assert.Positive(t, rec.Seq)
			}

			all, err := Collect(l.List(ctx, models.HistoryQuery{}))
			require.NoError(t, err)
			assert.Equal(t, []string{"r4", "r3", "r2", "r1"}, ids(all))

			p1, err := Collect(l.List(ctx, models.HistoryQuery{ProjectID: "p1", Limit: 2}))
			require.NoError(t, err)
			assert.Equal(t, []string{"r4", "r3"}, ids(p1))

			none, err := Collect(l.List(ctx, models.HistoryQuery{ProjectID: "ghost"}))
			require.NoError(t, err)
			assert.Empty(t, none)

			run, err := l.GetRun(ctx, "r2")
			require.NoError(t, err)
			assert.Equal(t, "p2", run.ProjectID)
			assert.Equal(t, 1, run.FailCount)
			assert.Equal(t, 1500*time.Millisecond, run.Duration)
			assert.Equal(t, "logs for r2", run.RawLogs)

			_, err = l.GetRun(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLedgerListIsRestartable(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			seq := l.List(ctx, models.HistoryQuery{})
			require.NoError(t, l.Append(ctx, record("r1", "p1", 0)))

			first, err := Collect(seq)
			require.NoError(t, err)
			assert.Equal(t, []string{"r1"}, ids(first))

			require.NoError(t, l.Append(ctx, record("r2", "p1", 0)))
			second, err := Collect(seq)
			require.NoError(t, err)
			assert.Equal(t, []string{"r2", "r1"}, ids(second))

			// Breaking out early stops the scan without error.
			n := 0
			for _, err := range seq {
				require.NoError(t, err)
				n++
				break
			}
			assert.Equal(t, 1, n)
		})
	}
}
