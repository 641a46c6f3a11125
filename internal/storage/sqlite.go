package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/goccy/go-json"

	"github.com/mpataki/testorch/internal/models"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		endpoints TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'IDLE',
		target_base_url TEXT NOT NULL DEFAULT '',
		current_artifact_id TEXT,
		last_run_id TEXT,
		state_reason TEXT,
		state_class TEXT,
		blocked_until TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		source_reference TEXT NOT NULL,
		generation_attempt_count INTEGER NOT NULL,
		origin TEXT NOT NULL,
		parent_id TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS healing_attempts (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		run_result_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		outcome TEXT NOT NULL,
		produced_artifact_id TEXT,
		detail TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leases (
		project_id TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		project_id TEXT NOT NULL,
		project_name TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		duration_ns INTEGER NOT NULL,
		pass_count INTEGER NOT NULL,
		fail_count INTEGER NOT NULL,
		error_count INTEGER NOT NULL,
		reward REAL NOT NULL,
		raw_logs TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_projects_state ON projects(state);
	CREATE INDEX IF NOT EXISTS idx_artifacts_project ON artifacts(project_id);
	CREATE INDEX IF NOT EXISTS idx_healing_run ON healing_attempts(run_result_id);
	CREATE INDEX IF NOT EXISTS idx_history_project ON history(project_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

const projectColumns = `id, name, endpoints, state, target_base_url, current_artifact_id, last_run_id,
	state_reason, state_class, blocked_until, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Storage) PutProject(ctx context.Context, p *models.Project) error {
	return putProject(ctx, s.db, p)
}

// PutProjectLeased checks the lease and writes the project in one
// transaction.
func (s *Storage) PutProjectLeased(ctx context.Context, p *models.Project, holder string, now time.Time, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := renewLease(ctx, tx, p.ID, holder, now, ttl); err != nil {
		return err
	}
	if err := putProject(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func putProject(ctx context.Context, db execer, p *models.Project) error {
	endpoints, err := json.Marshal(p.Endpoints)
	if err != nil {
		return fmt.Errorf("failed to encode endpoints: %w", err)
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err = db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			endpoints = excluded.endpoints,
			state = excluded.state,
			target_base_url = excluded.target_base_url,
			current_artifact_id = excluded.current_artifact_id,
			last_run_id = excluded.last_run_id,
			state_reason = excluded.state_reason,
			state_class = excluded.state_class,
			blocked_until = excluded.blocked_until,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, string(endpoints), p.State, p.TargetBaseURL,
		nullable(p.CurrentArtifactID), nullable(p.LastRunID),
		nullable(p.StateReason), nullable(p.StateClass), p.BlockedUntil,
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *Storage) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *Storage) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Storage) SetState(ctx context.Context, id string, change models.StateChange) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET state = ?, state_reason = ?, state_class = ?, blocked_until = ?, updated_at = ?
		 WHERE id = ?`,
		change.State, nullable(change.Reason), nullable(change.Class), change.BlockedUntil, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*models.Project, error) {
	var p models.Project
	var endpoints string
	var artifactID, lastRunID, reason, class sql.NullString
	var blockedUntil sql.NullTime

	err := row.Scan(
		&p.ID, &p.Name, &endpoints, &p.State, &p.TargetBaseURL, &artifactID, &lastRunID,
		&reason, &class, &blockedUntil, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(endpoints), &p.Endpoints); err != nil {
		return nil, fmt.Errorf("failed to decode endpoints for %s: %w", p.ID, err)
	}
	p.CurrentArtifactID = artifactID.String
	p.LastRunID = lastRunID.String
	p.StateReason = reason.String
	p.StateClass = class.String
	if blockedUntil.Valid {
		p.BlockedUntil = &blockedUntil.Time
	}

	return &p, nil
}

func (s *Storage) CreateArtifact(ctx context.Context, a *models.TestArtifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, project_id, source_reference, generation_attempt_count, origin, parent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.SourceReference, a.GenerationAttemptCount, a.Origin, nullable(a.ParentID), a.CreatedAt,
	)
	return err
}

func (s *Storage) GetArtifact(ctx context.Context, id string) (*models.TestArtifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, source_reference, generation_attempt_count, origin, parent_id, created_at
		 FROM artifacts WHERE id = ?`, id,
	)

	var a models.TestArtifact
	var parentID sql.NullString
	err := row.Scan(&a.ID, &a.ProjectID, &a.SourceReference, &a.GenerationAttemptCount, &a.Origin, &parentID, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.ParentID = parentID.String
	return &a, nil
}

func (s *Storage) CountArtifacts(ctx context.Context, projectID string, origin models.ArtifactOrigin) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE project_id = ? AND origin = ?`, projectID, origin,
	).Scan(&n)
	return n, err
}

func (s *Storage) RecordHealingAttempt(ctx context.Context, h *models.HealingAttempt) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO healing_attempts (id, project_id, run_result_id, kind, outcome, produced_artifact_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.ProjectID, h.RunResultID, h.Kind, h.Outcome, nullable(h.ProducedArtifactID), nullable(h.Detail), h.CreatedAt,
	)
	return err
}

func (s *Storage) CountHealingAttempts(ctx context.Context, runResultID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM healing_attempts WHERE run_result_id = ?`, runResultID,
	).Scan(&n)
	return n, err
}

func (s *Storage) ListHealingAttempts(ctx context.Context, projectID string) ([]*models.HealingAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, run_result_id, kind, outcome, produced_artifact_id, detail, created_at
		 FROM healing_attempts WHERE project_id = ? ORDER BY created_at, id`, projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*models.HealingAttempt
	for rows.Next() {
		var h models.HealingAttempt
		var produced, detail sql.NullString
		if err := rows.Scan(&h.ID, &h.ProjectID, &h.RunResultID, &h.Kind, &h.Outcome, &produced, &detail, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.ProducedArtifactID = produced.String
		h.Detail = detail.String
		attempts = append(attempts, &h)
	}
	return attempts, rows.Err()
}

// AcquireLease is a single upsert so concurrent processes sharing the
// database file cannot both win.
func (s *Storage) AcquireLease(ctx context.Context, projectID, holder string, now time.Time, ttl time.Duration) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (project_id, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE leases.expires_at <= ? OR leases.holder = excluded.holder`,
		projectID, holder, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

func (s *Storage) RenewLease(ctx context.Context, projectID, holder string, now time.Time, ttl time.Duration) error {
	return renewLease(ctx, s.db, projectID, holder, now, ttl)
}

func renewLease(ctx context.Context, db execer, projectID, holder string, now time.Time, ttl time.Duration) error {
	result, err := db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE project_id = ? AND holder = ?`,
		now.Add(ttl).UnixNano(), projectID, holder,
	)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

func (s *Storage) ReleaseLease(ctx context.Context, projectID, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE project_id = ? AND holder = ?`, projectID, holder)
	return err
}

func (s *Storage) LeaseHeld(ctx context.Context, projectID string, now time.Time) (bool, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM leases WHERE project_id = ?`, projectID).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return expiresAt > now.UnixNano(), nil
}

const historyColumns = `seq, run_id, project_id, project_name, artifact_id, phase, status, timestamp,
	duration_ns, pass_count, fail_count, error_count, reward, raw_logs`

func (s *Storage) Append(ctx context.Context, rec *models.HistoryRecord) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO history (run_id, project_id, project_name, artifact_id, phase, status, timestamp,
			duration_ns, pass_count, fail_count, error_count, reward, raw_logs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.ProjectName, rec.ArtifactID, rec.Phase, rec.Status, rec.Timestamp.UTC(),
		int64(rec.Duration), rec.PassCount, rec.FailCount, rec.ErrorCount, rec.Reward, rec.RawLogs,
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.Seq = seq
	return nil
}

func (s *Storage) List(ctx context.Context, q models.HistoryQuery) iter.Seq2[*models.HistoryRecord, error] {
	return func(yield func(*models.HistoryRecord, error) bool) {
		query := `SELECT ` + historyColumns + ` FROM history`
		var args []any
		if q.ProjectID != "" {
			query += ` WHERE project_id = ?`
			args = append(args, q.ProjectID)
		}
		query += ` ORDER BY seq DESC`
		if q.Limit > 0 {
			query += ` LIMIT ?`
			args = append(args, q.Limit)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanHistory(rows)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (s *Storage) GetRun(ctx context.Context, runID string) (*models.RunResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM history WHERE run_id = ?`, runID)
	rec, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec.RunResult, nil
}

func scanHistory(row scanner) (*models.HistoryRecord, error) {
	var rec models.HistoryRecord
	var durationNS int64
	err := row.Scan(
		&rec.Seq, &rec.ID, &rec.ProjectID, &rec.ProjectName, &rec.ArtifactID, &rec.Phase, &rec.Status,
		&rec.Timestamp, &durationNS, &rec.PassCount, &rec.FailCount, &rec.ErrorCount, &rec.Reward, &rec.RawLogs,
	)
	if err != nil {
		return nil, err
	}
	rec.Duration = time.Duration(durationNS)
	return &rec, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// FormatTimeAgo renders t relative to now for CLI listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
