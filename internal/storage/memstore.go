package storage

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mpataki/testorch/internal/models"
)

type memLease struct {
	holder    string
	expiresAt time.Time
}

// MemStore is an in-memory Store and Ledger for tests and ephemeral runs.
// Reads return copies so callers cannot mutate stored records.
type MemStore struct {
	mu        sync.Mutex
	projects  map[string]*models.Project
	artifacts map[string]*models.TestArtifact
	healing   []*models.HealingAttempt
	leases    map[string]memLease
	history   []*models.HistoryRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		projects:  make(map[string]*models.Project),
		artifacts: make(map[string]*models.TestArtifact),
		leases:    make(map[string]memLease),
	}
}

func copyProject(p *models.Project) *models.Project {
	cp := *p
	cp.Endpoints = slices.Clone(p.Endpoints)
	if p.BlockedUntil != nil {
		t := *p.BlockedUntil
		cp.BlockedUntil = &t
	}
	return &cp
}

func (s *MemStore) PutProject(_ context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putProject(p)
	return nil
}

func (s *MemStore) PutProjectLeased(_ context.Context, p *models.Project, holder string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.renewLease(p.ID, holder, now, ttl); err != nil {
		return err
	}
	s.putProject(p)
	return nil
}

func (s *MemStore) putProject(p *models.Project) {
	now := time.Now().UTC()
	if existing, ok := s.projects[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.projects[p.ID] = copyProject(p)
}

func (s *MemStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	return copyProject(p), nil
}

func (s *MemStore) ListProjects(_ context.Context) ([]*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, copyProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) SetState(_ context.Context, id string, change models.StateChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	updated := copyProject(p)
	updated.Apply(change)
	updated.UpdatedAt = time.Now().UTC()
	s.projects[id] = updated
	return nil
}

func (s *MemStore) CreateArtifact(_ context.Context, a *models.TestArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.artifacts[a.ID]; ok {
		return fmt.Errorf("artifact %q already exists", a.ID)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	s.artifacts[a.ID] = &cp
	return nil
}

func (s *MemStore) GetArtifact(_ context.Context, id string) (*models.TestArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("artifact %q: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) CountArtifacts(_ context.Context, projectID string, origin models.ArtifactOrigin) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, a := range s.artifacts {
		if a.ProjectID == projectID && a.Origin == origin {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) RecordHealingAttempt(_ context.Context, h *models.HealingAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	cp := *h
	s.healing = append(s.healing, &cp)
	return nil
}

func (s *MemStore) CountHealingAttempts(_ context.Context, runResultID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, h := range s.healing {
		if h.RunResultID == runResultID {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ListHealingAttempts(_ context.Context, projectID string) ([]*models.HealingAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.HealingAttempt
	for _, h := range s.healing {
		if h.ProjectID == projectID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) AcquireLease(_ context.Context, projectID, holder string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[projectID]; ok && l.holder != holder && now.Before(l.expiresAt) {
		return ErrLeaseHeld
	}
	s.leases[projectID] = memLease{holder: holder, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemStore) RenewLease(_ context.Context, projectID, holder string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.renewLease(projectID, holder, now, ttl)
}

func (s *MemStore) renewLease(projectID, holder string, now time.Time, ttl time.Duration) error {
	if l, ok := s.leases[projectID]; !ok || l.holder != holder {
		return ErrLeaseHeld
	}
	s.leases[projectID] = memLease{holder: holder, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemStore) ReleaseLease(_ context.Context, projectID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[projectID]; ok && l.holder == holder {
		delete(s.leases, projectID)
	}
	return nil
}

func (s *MemStore) LeaseHeld(_ context.Context, projectID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[projectID]
	return ok && now.Before(l.expiresAt), nil
}

func (s *MemStore) Append(_ context.Context, rec *models.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Seq = int64(len(s.history) + 1)
	cp := *rec
	s.history = append(s.history, &cp)
	return nil
}

// List snapshots the matching records when ranged, then yields from the copy.
func (s *MemStore) List(_ context.Context, q models.HistoryQuery) iter.Seq2[*models.HistoryRecord, error] {
	return func(yield func(*models.HistoryRecord, error) bool) {
		s.mu.Lock()
		var snapshot []*models.HistoryRecord
		for i := len(s.history) - 1; i >= 0; i-- {
			rec := s.history[i]
			if q.ProjectID != "" && rec.ProjectID != q.ProjectID {
				continue
			}
			cp := *rec
			snapshot = append(snapshot, &cp)
			if q.Limit > 0 && len(snapshot) == q.Limit {
				break
			}
		}
		s.mu.Unlock()

		for _, rec := range snapshot {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *MemStore) GetRun(_ context.Context, runID string) (*models.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.history {
		if rec.ID == runID {
			cp := rec.RunResult
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("run %q: %w", runID, ErrNotFound)
}
